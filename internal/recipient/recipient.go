// Package recipient defines the recipient model shared by the dispatch engine
// and the backlog store, and normalizes heterogeneous input entries into it.
package recipient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is a single delivery target. Label tags the submission the
// recipient originated from and is used for reporting only.
type Record struct {
	Email string `json:"email"`
	Label string `json:"label"`
}

// Kind discriminates the shapes an input entry may take.
type Kind int

const (
	// KindInvalid is any entry that is neither a bare address nor a
	// labeled record. Invalid entries are dropped during normalization.
	KindInvalid Kind = iota
	// KindAddress is a bare address string that still needs a run label.
	KindAddress
	// KindLabeled is an entry already carrying both email and label,
	// typically one persisted by a previous run.
	KindLabeled
)

// String returns the kind name used in log output.
func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindLabeled:
		return "labeled"
	default:
		return "invalid"
	}
}

// Entry is a raw recipient entry as received in a request or read from the
// backlog file.
type Entry struct {
	Kind  Kind
	Email string
	Label string
}

// Address returns an Entry for a bare address.
func Address(email string) Entry {
	return Entry{Kind: KindAddress, Email: email}
}

// Labeled returns an Entry for an address that already carries a label.
func Labeled(email, label string) Entry {
	return Entry{Kind: KindLabeled, Email: email, Label: label}
}

// FromRecord converts a Record back into a labeled Entry.
func FromRecord(r Record) Entry {
	return Labeled(r.Email, r.Label)
}

// UnmarshalJSON classifies a JSON value into an Entry. It never fails on
// shapes it does not recognize; those become KindInvalid so a single
// malformed entry cannot reject a whole request.
func (e *Entry) UnmarshalJSON(data []byte) error {
	*e = classify(data)
	return nil
}

// MarshalJSON encodes address entries as JSON strings and labeled entries as
// objects. Invalid entries encode as null.
func (e Entry) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindAddress:
		return json.Marshal(e.Email)
	case KindLabeled:
		return json.Marshal(Record{Email: e.Email, Label: e.Label})
	default:
		return []byte("null"), nil
	}
}

func classify(data []byte) Entry {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Entry{}
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Entry{}
		}
		if strings.TrimSpace(s) == "" {
			return Entry{}
		}
		return Address(s)

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return Entry{}
		}
		email, ok := stringField(fields, "email")
		if !ok {
			return Entry{}
		}
		label, ok := stringField(fields, "label")
		if !ok {
			return Entry{}
		}
		return Labeled(email, label)
	}

	return Entry{}
}

// stringField reports the value of a non-empty string member.
func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// Normalize converts entries into records, in order. Bare addresses are
// tagged with label, labeled entries pass through unchanged and invalid
// entries are dropped. The second return value is the number of dropped
// entries.
func Normalize(entries []Entry, label string) ([]Record, int) {
	records := make([]Record, 0, len(entries))
	dropped := 0

	for _, e := range entries {
		switch e.Kind {
		case KindAddress:
			records = append(records, Record{Email: e.Email, Label: label})
		case KindLabeled:
			records = append(records, Record{Email: e.Email, Label: e.Label})
		case KindInvalid:
			dropped++
		default:
			dropped++
		}
	}

	return records, dropped
}

// RunLabel returns the cohort label for a dispatch run started at t.
func RunLabel(t time.Time) string {
	return fmt.Sprintf("List_%d", t.UnixMilli())
}
