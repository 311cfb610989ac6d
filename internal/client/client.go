// Package client submits jobs to a broker and follows them to completion.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
	"github.com/aceteam-ai/meshdispatch/internal/transport"
)

var (
	// ErrRejected is returned when the broker refuses a submission
	ErrRejected = errors.New("job rejected by broker")

	// ErrUnknownJob is returned when the broker does not know a job id
	ErrUnknownJob = errors.New("unknown job")

	// ErrNotTerminated is returned when a job could not be terminated
	ErrNotTerminated = errors.New("job not terminated")
)

// Client talks to the broker's client port. Requests are serialized; a
// request that fails leaves the client unusable.
type Client struct {
	conn *transport.Conn
	mu   sync.Mutex
}

// Dial connects to the broker's client endpoint.
func Dial(ctx context.Context, sc proto.ServerConnection) (*Client, error) {
	conn, err := transport.Dial(ctx, sc, transport.KindReqRep, transport.Options{})
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// CanMesh asks whether any worker can handle req's type.
func (c *Client) CanMesh(ctx context.Context, req proto.JobRequest) (bool, error) {
	p, err := c.roundTrip(ctx, proto.NewMessage(proto.CanMesh, req.Type, proto.Submission{Request: proto.NewJobRequest(req.Type)}))
	if err != nil {
		return false, err
	}
	return p.(proto.Reply).Body == "1", nil
}

// Submit queues req and returns the job id.
func (c *Client) Submit(ctx context.Context, req proto.JobRequest) (string, error) {
	p, err := c.roundTrip(ctx, proto.NewMessage(proto.MakeMesh, req.Type, proto.Submission{Request: req}))
	if err != nil {
		return "", err
	}
	id := p.(proto.Reply).Body
	if id == "" {
		return "", ErrRejected
	}
	return id, nil
}

// Status returns the broker's current status for a job.
func (c *Client) Status(ctx context.Context, id string) (proto.JobStatus, error) {
	p, err := c.roundTrip(ctx, proto.NewMessage(proto.MeshStatus, proto.MeshIOType{}, proto.Query{JobID: id}))
	if err != nil {
		return proto.JobStatus{}, err
	}
	st := p.(proto.Status).Status
	if st.Status == proto.StatusInvalid {
		return st, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return st, nil
}

// Retrieve returns a job's result. The data is empty until the job finished.
func (c *Client) Retrieve(ctx context.Context, id string) (proto.JobResult, error) {
	p, err := c.roundTrip(ctx, proto.NewMessage(proto.RetrieveMesh, proto.MeshIOType{}, proto.Query{JobID: id}))
	if err != nil {
		return proto.JobResult{}, err
	}
	return p.(proto.Result).Result, nil
}

// Terminate cancels a job that has not finished.
func (c *Client) Terminate(ctx context.Context, id string) error {
	p, err := c.roundTrip(ctx, proto.NewMessage(proto.TerminateJob, proto.MeshIOType{}, proto.Query{JobID: id}))
	if err != nil {
		return err
	}
	if p.(proto.Reply).Body != "1" {
		return fmt.Errorf("%w: %s", ErrNotTerminated, id)
	}
	return nil
}

// Wait polls a job until it reaches a terminal status.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (proto.JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return st, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// roundTrip sends m and decodes the reply. The context deadline bounds the
// wait for the reply; cancellation interrupts it.
func (c *Client) roundTrip(ctx context.Context, m proto.Message) (proto.Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.conn.Send(m); err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	reply, err := c.conn.Recv()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if reply.Service != m.Service {
		return nil, fmt.Errorf("%w: reply %s to %s", proto.ErrMalformedMessage, reply.Service, m.Service)
	}
	return reply.Payload(proto.ToClient)
}
