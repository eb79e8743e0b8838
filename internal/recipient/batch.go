package recipient

import "github.com/samber/lo"

// Unbounded is the session size meaning "all recipients in one session".
const Unbounded = 0

// Batch is a contiguous slice of the recipient list served by one session.
type Batch []string

// Split cuts addresses into consecutive batches of at most size entries.
// The last batch holds the remainder. A size of Unbounded (or any value
// below one) yields a single batch holding every address. No batches are
// returned for an empty address list. Split never re-deduplicates.
func Split(addresses []string, size int) []Batch {
	if len(addresses) == 0 {
		return nil
	}
	if size <= Unbounded {
		return []Batch{Batch(addresses)}
	}

	chunks := lo.Chunk(addresses, size)
	batches := make([]Batch, len(chunks))
	for i, chunk := range chunks {
		batches[i] = Batch(chunk)
	}
	return batches
}
