package metering

import "time"

const queueCapacity = 1000

// BillingReason says why a VM entered the billing queue
type BillingReason string

const (
	ReasonInterval BillingReason = "interval"
	ReasonStop     BillingReason = "stop"
)

// BillingEvent is one unit of metering work
type BillingEvent struct {
	VmID     string
	Reason   BillingReason
	QueuedAt time.Time
}

// Queue is the bounded billing work queue. Enqueue blocks when the consumer
// falls behind, which applies backpressure to the producer instead of
// dropping billable intervals.
type Queue struct {
	ch chan *BillingEvent
}

// NewQueue creates the billing queue
func NewQueue() *Queue {
	return &Queue{ch: make(chan *BillingEvent, queueCapacity)}
}

// Enqueue adds an event, blocking while the queue is full
func (q *Queue) Enqueue(e *BillingEvent) {
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now()
	}
	q.ch <- e
}

// Dequeue returns the next event or false when the queue is closed
func (q *Queue) Dequeue() (*BillingEvent, bool) {
	e, ok := <-q.ch
	return e, ok
}

// Close stops the queue; pending events are still drained by the consumer
func (q *Queue) Close() {
	close(q.ch)
}

// Len reports the queue depth
func (q *Queue) Len() int {
	return len(q.ch)
}
