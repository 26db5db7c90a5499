// Package queue feeds invocation jobs from a broker to engine
// controllers and broadcasts their results.
package queue

import (
	"context"

	"github.com/cryguy/offload/internal/job"
)

// Delivery is one consumed job. ID is the broker's message ID, used to
// acknowledge it.
type Delivery struct {
	ID      string
	Request job.Request
}

// Queue is the contract between the runner and a job broker.
type Queue interface {
	// Publish enqueues req and returns its message ID.
	Publish(ctx context.Context, req job.Request) (string, error)
	// Subscribe streams deliveries until ctx is done.
	Subscribe(ctx context.Context) (<-chan Delivery, error)
	// Ack confirms a delivery was processed.
	Ack(ctx context.Context, id string) error
	// Broadcast publishes a job's outcome.
	Broadcast(ctx context.Context, resp job.Response) error
	// Results streams broadcast outcomes until ctx is done.
	Results(ctx context.Context) (<-chan job.Response, error)
}
