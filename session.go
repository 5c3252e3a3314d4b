package relay

import (
	"context"

	httptask "github.com/ericselin/proxy-relay/pkg/http-task"
)

// Downstream is the client-side session the relay borrows for one
// exchange. The request head has been read before the relay starts;
// ReadRequestTask yields body tasks only.
type Downstream interface {
	ReadRequestTask(ctx context.Context) (httptask.Task, error)
	WriteResponseTask(ctx context.Context, t httptask.Task) error
	// IsBodyEmpty reports whether the request carries no body at all.
	IsBodyEmpty() bool
	// IsBodyDone reports whether the request body has been fully read.
	IsBodyDone() bool
	GetHeader(name string) (string, bool)
}

// Upstream is the origin-side session the relay borrows for one exchange.
type Upstream interface {
	ReadResponseTask(ctx context.Context) (httptask.Task, error)
	WriteRequestTask(ctx context.Context, t httptask.Task) error
}
