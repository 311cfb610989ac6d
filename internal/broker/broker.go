// Package broker is the reference broker that workers register with and
// clients submit jobs to.
//
// Architecture:
//   - Two websocket listeners: workers on the worker port (router framing),
//     clients on the client port (req/rep)
//   - Connection goroutines only read and write; every decision is made by a
//     single control goroutine that owns workers, jobs and queues
//   - A liveness sweep runs every heartbeat interval and drops workers that
//     stayed silent for HeartbeatMisses intervals
//   - When jobs of a type are queued and nobody waits for them, the worker
//     factory is asked to launch a process for that type
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aceteam-ai/meshdispatch/internal/config"
	"github.com/aceteam-ai/meshdispatch/internal/factory"
	"github.com/aceteam-ai/meshdispatch/internal/proto"
	"github.com/aceteam-ai/meshdispatch/internal/status"
	"github.com/aceteam-ai/meshdispatch/internal/statuspub"
	"github.com/aceteam-ai/meshdispatch/internal/transport"
)

const (
	// workerOutboxSize bounds messages queued for one worker before it is dropped
	workerOutboxSize = 64

	// sinkBufferSize bounds status events waiting for the sink
	sinkBufferSize = 256

	// launchGrace is how long a launched worker has to register before the
	// broker launches another one for the same type
	launchGrace = 5 * time.Second

	// DefaultFinishedJobLimit is how many finished jobs stay queryable
	DefaultFinishedJobLimit = 10000

	// shutdownTimeout bounds worker flush, child termination and HTTP shutdown
	shutdownTimeout = 3 * time.Second
)

// WorkerFactory launches worker processes on demand. *factory.Factory
// satisfies it.
type WorkerFactory interface {
	HaveSupport(t proto.MeshIOType) bool
	CreateWorker(t proto.MeshIOType) bool
	UpdateWorkerCount()
	MaxWorkerCount() int
	CurrentWorkerCount() int
	Workers() []factory.MeshWorkerInfo
	TerminateAll(timeout time.Duration)
}

var _ WorkerFactory = (*factory.Factory)(nil)

// StatusSink receives every job status change. *statuspub.Publisher
// satisfies it.
type StatusSink interface {
	Publish(ctx context.Context, ev statuspub.Event) error
}

var _ StatusSink = (*statuspub.Publisher)(nil)

// Broker routes jobs from clients to workers.
type Broker struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *Metrics
	factory WorkerFactory
	sink    StatusSink
	nodeID  string

	workerLn net.Listener
	clientLn net.Listener

	events chan any
	quit   chan struct{}
	done   chan struct{}

	// owned by the control goroutine
	workers  map[uuid.UUID]*workerConn
	order    []uuid.UUID
	jobs     map[string]*jobState
	queues   map[proto.MeshIOType][]string
	launched map[proto.MeshIOType]time.Time
	finished *lru.Cache
	writers  sync.WaitGroup

	sinkCh   chan statuspub.Event
	snapshot atomic.Pointer[status.BrokerSnapshot]
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger. The default is zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets the metric collectors.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithFactory lets the broker launch workers for queued jobs.
func WithFactory(f WorkerFactory) Option {
	return func(b *Broker) { b.factory = f }
}

// WithStatusSink publishes job status changes.
func WithStatusSink(s StatusSink, nodeID string) Option {
	return func(b *Broker) {
		b.sink = s
		b.nodeID = nodeID
	}
}

// WithFinishedJobLimit bounds how many finished jobs are remembered for
// status and result queries. The least recently used are forgotten first.
func WithFinishedJobLimit(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.finished = lru.New(n)
		}
	}
}

// New creates a broker. Call Listen and then Run.
func New(cfg config.Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	b := &Broker{
		cfg:      cfg,
		logger:   zap.L(),
		events:   make(chan any),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		workers:  make(map[uuid.UUID]*workerConn),
		jobs:     make(map[string]*jobState),
		queues:   make(map[proto.MeshIOType][]string),
		launched: make(map[proto.MeshIOType]time.Time),
		finished: lru.New(DefaultFinishedJobLimit),
		sinkCh:   make(chan statuspub.Event, sinkBufferSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.finished.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(b.jobs, key.(string))
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(nil)
	}
	b.logger = b.logger.Named("broker")
	b.refreshSnapshot()
	return b, nil
}

// Listen binds the worker and client ports. Port 0 picks a free port.
func (b *Broker) Listen() error {
	wl, err := net.Listen("tcp", net.JoinHostPort(b.cfg.Host, fmt.Sprint(b.cfg.WorkerPort)))
	if err != nil {
		return fmt.Errorf("listen worker port: %w", err)
	}
	cl, err := net.Listen("tcp", net.JoinHostPort(b.cfg.Host, fmt.Sprint(b.cfg.ClientPort)))
	if err != nil {
		wl.Close()
		return fmt.Errorf("listen client port: %w", err)
	}
	b.workerLn, b.clientLn = wl, cl
	return nil
}

// WorkerAddr is the endpoint workers dial.
func (b *Broker) WorkerAddr() proto.ServerConnection {
	return proto.NewServerConnection(b.cfg.Host, b.workerLn.Addr().(*net.TCPAddr).Port)
}

// ClientAddr is the endpoint clients dial.
func (b *Broker) ClientAddr() proto.ServerConnection {
	return proto.NewServerConnection(b.cfg.Host, b.clientLn.Addr().(*net.TCPAddr).Port)
}

// Done is closed once Run has returned and all connections are released.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Snapshot returns the state as of the last processed event.
func (b *Broker) Snapshot() status.BrokerSnapshot { return *b.snapshot.Load() }

var _ status.Source = (*Broker)(nil)

// Run serves workers and clients until ctx is cancelled, then tells every
// worker to terminate, stops factory children and closes the listeners.
func (b *Broker) Run(ctx context.Context) error {
	if b.workerLn == nil || b.clientLn == nil {
		return ErrNotListening
	}

	workerMux := http.NewServeMux()
	workerMux.HandleFunc(transport.WorkerPath, b.serveWorker)
	clientMux := http.NewServeMux()
	clientMux.HandleFunc(transport.ClientPath, b.serveClient)
	workerSrv := &http.Server{Handler: workerMux, ReadHeaderTimeout: 10 * time.Second}
	clientSrv := &http.Server{Handler: clientMux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 2)
	for _, s := range []struct {
		srv *http.Server
		ln  net.Listener
	}{{workerSrv, b.workerLn}, {clientSrv, b.clientLn}} {
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}(s.srv, s.ln)
	}

	sinkDone := make(chan struct{})
	go b.drainSink(sinkDone)

	b.logger.Info("broker listening",
		zap.String("workers", b.WorkerAddr().Endpoint()),
		zap.String("clients", b.ClientAddr().Endpoint()),
		zap.Duration("heartbeat", b.cfg.HeartbeatInterval),
		zap.Int("misses", b.cfg.HeartbeatMisses))

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serveErr:
			runErr = fmt.Errorf("serve: %w", err)
			break loop
		case now := <-ticker.C:
			b.sweep(now)
		case ev := <-b.events:
			b.handle(ev)
		}
		b.refreshSnapshot()
	}

	b.shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = workerSrv.Shutdown(shutdownCtx)
	_ = clientSrv.Shutdown(shutdownCtx)

	close(b.sinkCh)
	<-sinkDone
	close(b.done)
	b.logger.Info("broker stopped")
	return runErr
}

// shutdown stops accepting events, asks every worker to terminate and waits
// for the writers to flush.
func (b *Broker) shutdown() {
	close(b.quit)
	for _, id := range append([]uuid.UUID(nil), b.order...) {
		wc := b.workers[id]
		b.sendTo(wc, proto.NewMessage(proto.TerminateJobAndWorker, wc.typ, proto.Terminate{}))
		b.dropWorker(wc)
	}

	flushed := make(chan struct{})
	go func() {
		b.writers.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(shutdownTimeout):
		b.logger.Warn("timed out flushing worker connections")
	}

	if b.factory != nil {
		b.factory.TerminateAll(shutdownTimeout)
	}
	b.refreshSnapshot()
}

// post hands an event to the control goroutine. It returns false once the
// broker is shutting down.
func (b *Broker) post(ev any) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.quit:
		return false
	}
}

func (b *Broker) serveWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r, transport.KindRouter, transport.Options{Retries: b.cfg.SendRetries})
	if err != nil {
		b.logger.Debug("worker upgrade failed", zap.Error(err))
		return
	}
	wc := &workerConn{
		id:       uuid.New(),
		conn:     conn,
		lastSeen: time.Now(),
		jobs:     make(map[string]struct{}),
		out:      make(chan proto.Message, workerOutboxSize),
	}
	if !b.post(workerConnected{wc: wc}) {
		conn.Close()
		return
	}
	for {
		m, err := conn.Recv()
		if errors.Is(err, proto.ErrMalformedMessage) {
			b.logger.Warn("dropping malformed worker message", zap.String("worker", wc.id.String()), zap.Error(err))
			continue
		}
		if err != nil {
			b.post(workerGone{id: wc.id, err: err})
			return
		}
		if !b.post(workerMessage{id: wc.id, msg: m}) {
			return
		}
	}
}

func (b *Broker) serveClient(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r, transport.KindReqRep, transport.Options{Retries: b.cfg.SendRetries})
	if err != nil {
		b.logger.Debug("client upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	limiter := rate.NewLimiter(rate.Limit(b.cfg.SubmitRate), b.cfg.SubmitBurst)
	for {
		m, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				b.logger.Debug("client disconnected", zap.String("addr", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}
		p, err := m.Payload(proto.FromClient)
		if err != nil {
			b.logger.Warn("closing client after malformed request", zap.String("addr", conn.RemoteAddr()), zap.Error(err))
			return
		}

		var reply proto.Message
		if m.Service == proto.MakeMesh && !limiter.Allow() {
			b.metrics.Rejected.WithLabelValues("rate").Inc()
			reply = proto.NewMessage(proto.MakeMesh, m.Type, proto.Reply{})
		} else {
			req := clientRequest{msg: m, payload: p, reply: make(chan proto.Message, 1)}
			if !b.post(req) {
				return
			}
			select {
			case reply = <-req.reply:
			case <-b.quit:
				return
			}
		}
		if err := conn.Send(reply); err != nil {
			b.logger.Debug("client reply failed", zap.Error(err))
			return
		}
	}
}

// drainSink forwards status events to the sink off the control goroutine.
func (b *Broker) drainSink(done chan<- struct{}) {
	defer close(done)
	for ev := range b.sinkCh {
		if b.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.sink.Publish(ctx, ev); err != nil {
			b.logger.Warn("status publish failed", zap.String("job", ev.JobID), zap.Error(err))
		}
		cancel()
	}
}
