package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const DefaultCapacity = 256

// Task hands one job's address list to a worker.
type Task struct {
	ID         string    `json:"id"`
	JobID      uint      `json:"job_id"`
	Addresses  []string  `json:"addresses"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewTask(jobID uint, addresses []string) Task {
	return Task{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Addresses:  addresses,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue is a FIFO of tasks shared by the job consumers. Dequeue blocks until
// a task is available or ctx is done.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// MemoryQueue is a bounded in-process queue.
type MemoryQueue struct {
	tasks chan Task
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{tasks: make(chan Task, capacity)}
}

// Enqueue blocks while the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case t := <-q.tasks:
		return t, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}
