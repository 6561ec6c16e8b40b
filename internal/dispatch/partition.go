package dispatch

import "github.com/m3r33/izues/internal/recipient"

// DefaultQuota is the number of messages a relay may send per run.
const DefaultQuota = 2

// Chunk is an ordered group of at most quota records sent through one relay.
type Chunk []recipient.Record

// Partition splits records into chunks of quota records, preserving order.
// Every chunk is full except possibly the last. Duplicates are kept. A quota
// below 1 is treated as 1.
func Partition(records []recipient.Record, quota int) []Chunk {
	if quota < 1 {
		quota = 1
	}

	chunks := make([]Chunk, 0, (len(records)+quota-1)/quota)
	for start := 0; start < len(records); start += quota {
		end := min(start+quota, len(records))
		chunks = append(chunks, Chunk(records[start:end:end]))
	}
	return chunks
}
