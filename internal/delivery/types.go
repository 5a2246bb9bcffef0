package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	kit "pogobot/internal/transport"
)

var (
	ErrQueueFull   = errors.New("delivery queue full")
	ErrStopped     = errors.New("delivery scheduler stopped")
	ErrInterrupted = errors.New("delivery wait interrupted")
)

type Config struct {
	// Tick is the scheduling period; one request leaves per tick at most.
	Tick time.Duration
	// MinInterval is the minimum gap between two sends to one recipient.
	MinInterval time.Duration
	// InactiveAfter evicts a queue that saw no traffic for this long.
	InactiveAfter time.Duration
	Workers       int
	// MaxQueueLen bounds one recipient queue; 0 = unbounded.
	MaxQueueLen int
	SendTimeout time.Duration
	// RetryMax re-queues a failed request up to this many times. Each retry
	// waits for its own tick, the recipient's MinInterval and a backoff.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type Kind int

const (
	KindSend Kind = iota
	KindEdit
)

func (k Kind) String() string {
	if k == KindEdit {
		return "edit"
	}
	return "send"
}

// Request is one outbound operation. Edits address Ref; sends address Target.
type Request struct {
	ID      string
	Target  kit.ChatTarget
	Kind    Kind
	Content kit.Content
	Ref     kit.MessageRef
	// Quiet requests report failures at debug level only. Log sink traffic
	// uses it so a failing operator chat cannot feed itself.
	Quiet bool
	// OnDone runs on the worker with the final result, before Pending
	// completes. It runs even when nobody waits any more.
	OnDone func(Result)
}

func (r Request) recipient() int64 {
	if r.Kind == KindEdit && r.Target.ChatID == 0 {
		return r.Ref.ChatID
	}
	return r.Target.ChatID
}

type Result struct {
	RequestID string
	Sent      kit.Sent
	Attempts  int
	Err       error
}

// Pending is the handle returned by Submit.
type Pending struct {
	id   string
	done chan struct{}
	res  Result
}

func newPending(id string) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

func (p *Pending) ID() string { return p.id }

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks for the result. The returned error is the delivery error, or
// ErrInterrupted wrapping ctx.Err() when ctx ends first; the request itself
// stays queued in that case and its OnDone still runs.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return p.res, p.res.Err
	case <-ctx.Done():
		return Result{RequestID: p.id}, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

func (p *Pending) complete(res Result) {
	res.RequestID = p.id
	p.res = res
	close(p.done)
}

// Stats is a point-in-time view for /stats.
type Stats struct {
	Queues    int    `json:"queues"`
	Pending   int    `json:"pending"`
	InFlight  int    `json:"in_flight"`
	Submitted uint64 `json:"submitted"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Rejected  uint64 `json:"rejected"`
	Evicted   uint64 `json:"evicted"`
}

// DeliveryEvent is published on the bus after every finished request.
type DeliveryEvent struct {
	RequestID string `json:"request_id"`
	ChatID    int64  `json:"chat_id"`
	Kind      string `json:"kind"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	At        time.Time
}
