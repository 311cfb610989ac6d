package worker

import (
	"context"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

// JobHandler processes jobs of a specific mesh conversion.
// Handlers are registered with the Runner and dispatched based on CanHandle().
type JobHandler interface {
	// CanHandle returns true if this handler can process the given job type.
	CanHandle(t proto.MeshIOType) bool

	// Execute processes the job and returns the result payload.
	// progress may be called any number of times while the job runs.
	Execute(ctx context.Context, job proto.Job, progress ProgressFunc) ([]byte, error)
}

// ProgressFunc reports intermediate job progress to the broker.
type ProgressFunc func(progress []byte)

// HandlerFunc adapts a function to a JobHandler for a single type.
type HandlerFunc struct {
	Type proto.MeshIOType
	Fn   func(ctx context.Context, job proto.Job, progress ProgressFunc) ([]byte, error)
}

func (h HandlerFunc) CanHandle(t proto.MeshIOType) bool { return t == h.Type }

func (h HandlerFunc) Execute(ctx context.Context, job proto.Job, progress ProgressFunc) ([]byte, error) {
	return h.Fn(ctx, job, progress)
}

var _ JobHandler = HandlerFunc{}
