// Package worker is the worker side of the mesh dispatch protocol.
//
// A Worker runs two activities. The application calls the blocking job API
// (GetJob, UpdateStatus, ReturnResult) from its own goroutine. A communicator
// goroutine owns the broker connection: it forwards envelopes handed over on
// a private channel, files broker assignments into the JobQueue, and sends a
// heartbeat whenever nothing went out for one heartbeat interval. The
// application never touches the network connection.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aceteam-ai/meshdispatch/internal/config"
	"github.com/aceteam-ai/meshdispatch/internal/proto"
	"github.com/aceteam-ai/meshdispatch/internal/transport"
)

// State is the lifecycle of a Worker.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// privateChannelSize bounds envelopes queued from the application to the communicator.
const privateChannelSize = 16

// Worker bridges a blocking application to the broker.
type Worker struct {
	typ    proto.MeshIOType
	server proto.ServerConnection
	cfg    config.Config
	logger *zap.Logger

	conn     *transport.Conn
	queue    *JobQueue
	toServer chan proto.Message
	done     chan struct{}

	state    atomic.Int32
	stopOnce sync.Once

	errMu sync.Mutex
	err   error

	exitFn      func(code int)
	onHeartbeat func()
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithExitFunc replaces os.Exit for broker-issued termination and fatal
// channel failures.
func WithExitFunc(fn func(code int)) Option {
	return func(w *Worker) {
		if fn != nil {
			w.exitFn = fn
		}
	}
}

// WithHeartbeatObserver is called by the communicator after every heartbeat it sends.
func WithHeartbeatObserver(fn func()) Option {
	return func(w *Worker) { w.onHeartbeat = fn }
}

// New connects to the broker, starts the communicator and registers the
// worker's capability with a CAN_MESH envelope.
func New(ctx context.Context, cfg config.Config, t proto.MeshIOType, server proto.ServerConnection, opts ...Option) (*Worker, error) {
	if !t.Valid() {
		return nil, ErrInvalidType
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, config.ErrInvalidHeartbeat
	}

	w := &Worker{
		typ:      t,
		server:   server,
		cfg:      cfg,
		logger:   zap.NewNop(),
		queue:    NewJobQueue(),
		toServer: make(chan proto.Message, privateChannelSize),
		done:     make(chan struct{}),
		exitFn:   os.Exit,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.Stringer("type", t), zap.Stringer("server", server))

	conn, err := transport.Dial(ctx, server, transport.KindDealer, transport.Options{Retries: cfg.SendRetries})
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	w.conn = conn
	w.setState(StateRunning)

	inbox := make(chan proto.Message, privateChannelSize)
	readErr := make(chan error, 1)
	go w.readLoop(inbox, readErr)
	go w.run(inbox, readErr)

	if err := w.send(proto.NewMessage(proto.CanMesh, t, proto.Register{})); err != nil {
		return nil, err
	}
	w.logger.Info("worker registered")
	return w, nil
}

// run owns the connection for its whole life and tears it down on exit.
func (w *Worker) run(inbox <-chan proto.Message, readErr <-chan error) {
	exit := w.communicate(inbox, readErr)

	_ = w.conn.Close()
	w.queue.Close()
	close(w.done)

	if exit {
		w.exitFn(1)
	}
}

// communicate is the poll loop. It returns true when the process must exit.
func (w *Worker) communicate(inbox <-chan proto.Message, readErr <-chan error) bool {
	interval := w.cfg.HeartbeatInterval
	heartbeat := proto.NewMessage(proto.Heartbeat, w.typ, proto.Beat{})

	idle := time.NewTimer(interval)
	defer idle.Stop()

	for {
		select {
		case m := <-w.toServer:
			final := m.Service == proto.TerminateJobAndWorker
			if final {
				w.setState(StateDraining)
			}
			if err := w.conn.Send(m); err != nil {
				w.fail(err)
				return true
			}
			if final {
				w.setState(StateStopped)
				w.logger.Info("worker stopped")
				return false
			}
			idle.Reset(interval)

		case m := <-inbox:
			if w.handleBroker(m) {
				return true
			}

		case err := <-readErr:
			w.fail(err)
			return true

		case <-idle.C:
			if err := w.conn.Send(heartbeat); err != nil {
				w.fail(err)
				return true
			}
			if w.onHeartbeat != nil {
				w.onHeartbeat()
			}
			idle.Reset(interval)
		}
	}
}

// handleBroker applies one broker envelope and reports whether the broker
// ordered the worker to terminate.
func (w *Worker) handleBroker(m proto.Message) bool {
	p, err := m.Payload(proto.ToWorker)
	if err != nil {
		w.logger.Warn("dropping broker message", zap.Error(err))
		return false
	}

	switch p := p.(type) {
	case proto.Assign:
		w.logger.Debug("job assigned", zap.String("job", p.Job.ID))
		w.queue.Enqueue(p.Job)
	case proto.CancelJob:
		w.logger.Info("broker cancelled job", zap.String("job", p.JobID))
		w.queue.MarkTerminated(p.JobID)
	case proto.Terminate:
		w.setState(StateStopped)
		w.logger.Warn("broker terminated worker", zap.Stringer("service", m.Service))
		return true
	case proto.Beat:
	}
	return false
}

func (w *Worker) readLoop(inbox chan<- proto.Message, readErr chan<- error) {
	for {
		m, err := w.conn.Recv()
		if errors.Is(err, proto.ErrMalformedMessage) {
			w.logger.Warn("dropping malformed broker message", zap.Error(err))
			continue
		}
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		select {
		case inbox <- m:
		case <-w.done:
			return
		}
	}
}

func (w *Worker) fail(err error) {
	w.errMu.Lock()
	w.err = err
	w.errMu.Unlock()
	w.setState(StateStopped)
	w.logger.Error("broker channel failed", zap.Error(err))
}

// send hands an envelope to the communicator.
func (w *Worker) send(m proto.Message) error {
	select {
	case <-w.done:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.toServer <- m:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	}
}

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Type returns the worker's capability key.
func (w *Worker) Type() proto.MeshIOType { return w.typ }

// Connection returns the broker endpoint.
func (w *Worker) Connection() proto.ServerConnection { return w.server }

// Err returns the channel failure that stopped the worker, if any.
func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Done is closed once the communicator has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// AskForJobs requests up to n assignments from the broker.
func (w *Worker) AskForJobs(n int) error {
	if n < 1 {
		n = 1
	}
	return w.send(proto.NewMessage(proto.MakeMesh, w.typ, proto.AskForJobs{Count: n}))
}

// GetJob returns a pending job, or asks the broker for one and blocks until
// it arrives. It returns ErrWorkerStopped once the worker is shutting down.
func (w *Worker) GetJob(ctx context.Context) (proto.Job, error) {
	if job, ok := w.queue.TakePendingJob(); ok {
		return job, nil
	}
	if err := w.AskForJobs(1); err != nil {
		return proto.Job{}, err
	}
	job, err := w.queue.Wait(ctx)
	if errors.Is(err, ErrQueueClosed) {
		return proto.Job{}, ErrWorkerStopped
	}
	return job, err
}

// TakePendingJob returns the oldest assigned job without blocking.
func (w *Worker) TakePendingJob() (proto.Job, bool) { return w.queue.TakePendingJob() }

// PendingJobCount is the number of assigned jobs not yet taken.
func (w *Worker) PendingJobCount() int { return w.queue.Len() }

// UpdateStatus reports job progress to the broker. A final status also
// clears any abandon mark held for the job.
func (w *Worker) UpdateStatus(status proto.JobStatus) error {
	if status.Status.Terminal() {
		w.queue.Forget(status.JobID)
	}
	return w.send(proto.NewMessage(proto.MeshStatus, w.typ, proto.Status{Status: status}))
}

// ReturnResult delivers a finished job's output to the broker.
func (w *Worker) ReturnResult(result proto.JobResult) error {
	return w.send(proto.NewMessage(proto.RetrieveMesh, w.typ, proto.Result{Result: result}))
}

// WorkerShouldTerminate reports whether the communicator has stopped.
func (w *Worker) WorkerShouldTerminate() bool {
	select {
	case <-w.done:
		return true
	default:
		return w.State() == StateStopped
	}
}

// JobShouldBeTerminated reports whether work on job should be abandoned.
func (w *Worker) JobShouldBeTerminated(job proto.Job) bool {
	return w.queue.IsTerminated(job.ID) || w.WorkerShouldTerminate()
}

// Stop tells the broker this worker is leaving and waits for the
// communicator to exit. It is safe to call more than once.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		_ = w.send(proto.NewMessage(proto.TerminateJobAndWorker, w.typ, proto.Terminate{}))
	})
	<-w.done
	return w.Err()
}
