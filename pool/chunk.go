package pool

import "fmt"

// Chunk is a bookkeeping slice of one batch: the tasks of one submission
// unit plus the absolute index of its first element within the parent batch.
// A chunk never outlives the batch call that created it.
type Chunk struct {
	Start int
	Tasks []*Task
}

// Split cuts tasks into ceil(N/chunkSize) ordered chunks; the last chunk may
// be short. Chunks carry no execution semantics of their own: every task is
// still submitted individually, so one slow item cannot stall its chunk.
func Split(tasks []*Task, chunkSize int) ([]Chunk, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("%w: chunk size must be >= 1, got %d", ErrInvalid, chunkSize)
	}
	chunks := make([]Chunk, 0, (len(tasks)+chunkSize-1)/chunkSize)
	for start := 0; start < len(tasks); start += chunkSize {
		end := start + chunkSize
		if end > len(tasks) {
			end = len(tasks)
		}
		chunks = append(chunks, Chunk{Start: start, Tasks: tasks[start:end]})
	}
	return chunks, nil
}
