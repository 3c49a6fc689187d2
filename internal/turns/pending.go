package turns

// PendingQueue holds metadata mutations that refer to "the current assistant
// message" before any history snapshot has said which message that is. The
// queue is drained in arrival order once an id is known.
//
// PendingQueue is not safe for concurrent use; the [Aggregator] guards it.
type PendingQueue struct {
	fns []func(id string)
}

// Push appends a deferred mutation.
func (q *PendingQueue) Push(fn func(id string)) {
	q.fns = append(q.fns, fn)
}

// Drain applies every queued mutation to id in the order they were pushed,
// empties the queue and returns how many were applied.
func (q *PendingQueue) Drain(id string) int {
	fns := q.fns
	q.fns = nil
	for _, fn := range fns {
		fn(id)
	}
	return len(fns)
}

// Len returns the number of queued mutations.
func (q *PendingQueue) Len() int { return len(q.fns) }

// Clear discards all queued mutations.
func (q *PendingQueue) Clear() { q.fns = nil }
