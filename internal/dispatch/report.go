package dispatch

import "github.com/m3r33/izues/internal/recipient"

// Status is the outcome of one recipient handed to a relay.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Result is the outcome for one recipient of an attempted chunk.
type Result struct {
	Email  string `json:"email"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	Label  string `json:"label"`
}

func sentResult(r recipient.Record) Result {
	return Result{Email: r.Email, Status: StatusSent, Label: r.Label}
}

func failedResult(r recipient.Record, err error) Result {
	return Result{Email: r.Email, Status: StatusFailed, Error: err.Error(), Label: r.Label}
}

// Report summarizes a run.
type Report struct {
	// Label is the run label given to new bare addresses.
	Label string

	TotalSent   int
	TotalFailed int
	// TotalUnsent is TotalFailed plus the number of deferred recipients.
	TotalUnsent int

	// Details holds one result per attempted recipient, in chunk order.
	Details []Result

	// Unsent is the next backlog: failed records followed by deferred ones.
	Unsent []recipient.Record

	// Dropped counts malformed entries excluded from the run.
	Dropped int
}

// Aggregate tallies results and builds the next backlog.
func Aggregate(results []Result, deferred []Chunk) *Report {
	report := &Report{
		Details: results,
		Unsent:  []recipient.Record{},
	}

	for _, res := range results {
		switch res.Status {
		case StatusSent:
			report.TotalSent++
		case StatusFailed:
			report.TotalFailed++
			report.Unsent = append(report.Unsent, recipient.Record{Email: res.Email, Label: res.Label})
		}
	}
	for _, c := range deferred {
		report.Unsent = append(report.Unsent, c...)
	}

	report.TotalUnsent = len(report.Unsent)
	return report
}
