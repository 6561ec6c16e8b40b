package dispatch

import "github.com/m3r33/izues/internal/relay"

// Assignment is a chunk bound to the relay that will send it.
type Assignment struct {
	// Index is the chunk's position in the partition.
	Index int
	Chunk Chunk
	Relay relay.Config
}

// Assign maps chunk i to relays[i mod N]. Only the first N chunks are
// attempted: any later chunk would be a relay's second chunk in the run and
// exceed its quota, so it is returned as deferred without touching a relay.
// Empty chunks are skipped but still use their relay slot.
func Assign(chunks []Chunk, relays []relay.Config) ([]Assignment, []Chunk, error) {
	if len(relays) == 0 {
		return nil, nil, ErrNoRelays
	}

	n := min(len(chunks), len(relays))
	assignments := make([]Assignment, 0, n)
	for i, c := range chunks[:n] {
		if len(c) == 0 {
			continue
		}
		assignments = append(assignments, Assignment{
			Index: i,
			Chunk: c,
			Relay: relays[i%len(relays)],
		})
	}

	var deferred []Chunk
	for _, c := range chunks[n:] {
		if len(c) > 0 {
			deferred = append(deferred, c)
		}
	}
	return assignments, deferred, nil
}
