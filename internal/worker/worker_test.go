package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/meshdispatch/internal/config"
	"github.com/aceteam-ai/meshdispatch/internal/proto"
	"github.com/aceteam-ai/meshdispatch/internal/transport"
)

var testType = proto.NewMeshIOType(proto.Mesh2D, proto.Mesh3D)

// fakeBroker accepts a single worker connection and exposes what it receives.
type fakeBroker struct {
	srv      *httptest.Server
	received chan proto.Message
	conns    chan *transport.Conn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := &fakeBroker{
		received: make(chan proto.Message, 256),
		conns:    make(chan *transport.Conn, 1),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := transport.Upgrade(w, r, transport.KindRouter, transport.Options{})
		if err != nil {
			return
		}
		b.conns <- c
		for {
			m, err := c.Recv()
			if err != nil {
				return
			}
			b.received <- m
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBroker) connection(t *testing.T) proto.ServerConnection {
	t.Helper()
	host, port, _ := strings.Cut(strings.TrimPrefix(b.srv.URL, "http://"), ":")
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("bad port in %s", b.srv.URL)
	}
	return proto.NewServerConnection(host, p)
}

func (b *fakeBroker) conn(t *testing.T) *transport.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		b.conns <- c
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("worker never connected")
		return nil
	}
}

// next returns the next non-heartbeat message.
func (b *fakeBroker) next(t *testing.T) proto.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-b.received:
			if m.Service == proto.Heartbeat {
				continue
			}
			return m
		case <-deadline:
			t.Fatal("timed out waiting for worker message")
			return proto.Message{}
		}
	}
}

func (b *fakeBroker) send(t *testing.T, m proto.Message) {
	t.Helper()
	if err := b.conn(t).Send(m); err != nil {
		t.Fatalf("broker Send() error = %v", err)
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	return cfg
}

// exitRecorder stands in for os.Exit.
type exitRecorder struct {
	codes chan int
}

func newExitRecorder() *exitRecorder { return &exitRecorder{codes: make(chan int, 1)} }

func (e *exitRecorder) exit(code int) { e.codes <- code }

func (e *exitRecorder) wait(t *testing.T) int {
	t.Helper()
	select {
	case code := <-e.codes:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
		return 0
	}
}

func startWorker(t *testing.T, b *fakeBroker, opts ...Option) (*Worker, *exitRecorder) {
	t.Helper()
	rec := newExitRecorder()
	opts = append([]Option{WithExitFunc(rec.exit)}, opts...)
	w, err := New(context.Background(), testConfig(), testType, b.connection(t), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w, rec
}

func TestWorkerRegistersCapability(t *testing.T) {
	b := newFakeBroker(t)
	w, _ := startWorker(t, b)
	defer w.Stop()

	m := b.next(t)
	if m.Service != proto.CanMesh || m.Type != testType {
		t.Fatalf("first message = %s, want CAN_MESH %s", m, testType)
	}
	if w.State() != StateRunning {
		t.Errorf("State() = %s, want RUNNING", w.State())
	}
	if w.Type() != testType {
		t.Errorf("Type() = %s", w.Type())
	}
}

func TestWorkerHeartbeatsWhenIdle(t *testing.T) {
	const beats = 10
	interval := testConfig().HeartbeatInterval

	b := newFakeBroker(t)
	var mu sync.Mutex
	var sent []time.Time
	w, _ := startWorker(t, b, WithHeartbeatObserver(func() {
		mu.Lock()
		sent = append(sent, time.Now())
		mu.Unlock()
	}))
	defer w.Stop()

	var arrivals []time.Time
	deadline := time.After(beats * 10 * interval)
	for len(arrivals) < beats {
		select {
		case m := <-b.received:
			if m.Service != proto.Heartbeat {
				continue
			}
			arrivals = append(arrivals, time.Now())
			if m.Type != testType || len(m.Data) != 0 {
				t.Errorf("heartbeat = %s, want empty payload with worker type", m)
			}
		case <-deadline:
			t.Fatalf("saw %d heartbeats, want %d", len(arrivals), beats)
		}
	}

	for i := 1; i < len(arrivals); i++ {
		if gap := arrivals[i].Sub(arrivals[i-1]); gap > 3*interval {
			t.Errorf("heartbeat %d arrived %v after the previous one, want at most %v", i, gap, 3*interval)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) < beats {
		t.Fatalf("heartbeat observer called %d times, want at least %d", len(sent), beats)
	}
	for i := 1; i < beats; i++ {
		if gap := sent[i].Sub(sent[i-1]); gap < interval {
			t.Errorf("heartbeat %d sent %v after the previous one, want at least %v", i, gap, interval)
		}
	}
}

func TestWorkerGetJobAsksBrokerAndBlocks(t *testing.T) {
	b := newFakeBroker(t)
	w, _ := startWorker(t, b)
	defer w.Stop()
	b.next(t) // CAN_MESH

	got := make(chan proto.Job, 1)
	go func() {
		job, err := w.GetJob(context.Background())
		if err != nil {
			t.Errorf("GetJob() error = %v", err)
		}
		got <- job
	}()

	ask := b.next(t)
	p, err := ask.Payload(proto.FromWorker)
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if a, ok := p.(proto.AskForJobs); !ok || a.Count != 1 {
		t.Fatalf("request = %#v, want AskForJobs{1}", p)
	}

	job := testJob("job-1")
	b.send(t, proto.NewMessage(proto.MakeMesh, testType, proto.Assign{Job: job}))

	select {
	case j := <-got:
		if j.ID != "job-1" || string(j.Request.Info) != "job-1" {
			t.Errorf("GetJob() = %+v", j)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetJob() did not return after assignment")
	}
}

func TestWorkerQueuesAssignmentsInOrder(t *testing.T) {
	b := newFakeBroker(t)
	w, _ := startWorker(t, b)
	defer w.Stop()
	b.next(t)

	if err := w.AskForJobs(3); err != nil {
		t.Fatalf("AskForJobs() error = %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		b.send(t, proto.NewMessage(proto.MakeMesh, testType, proto.Assign{Job: testJob(id)}))
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.PendingJobCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.PendingJobCount() != 3 {
		t.Fatalf("PendingJobCount() = %d, want 3", w.PendingJobCount())
	}
	for _, want := range []string{"a", "b", "c"} {
		if job, ok := w.TakePendingJob(); !ok || job.ID != want {
			t.Errorf("TakePendingJob() = %q, want %q", job.ID, want)
		}
	}
}

func TestWorkerForwardsStatusAndResultInOrder(t *testing.T) {
	b := newFakeBroker(t)
	w, _ := startWorker(t, b)
	defer w.Stop()
	b.next(t)

	_ = w.UpdateStatus(proto.InProgress("job-1", []byte("50%")))
	_ = w.ReturnResult(proto.NewJobResult("job-1", []byte("out")))
	_ = w.UpdateStatus(proto.NewJobStatus("job-1", proto.StatusFinished))

	want := []proto.ServiceType{proto.MeshStatus, proto.RetrieveMesh, proto.MeshStatus}
	for i, svc := range want {
		m := b.next(t)
		if m.Service != svc {
			t.Fatalf("message %d = %s, want %s", i, m.Service, svc)
		}
	}
}

func TestWorkerJobCancelledByBroker(t *testing.T) {
	b := newFakeBroker(t)
	w, rec := startWorker(t, b)
	defer w.Stop()
	b.next(t)

	job := testJob("job-9")
	b.send(t, proto.NewMessage(proto.TerminateJob, testType, proto.CancelJob{JobID: job.ID}))

	deadline := time.Now().Add(2 * time.Second)
	for !w.JobShouldBeTerminated(job) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !w.JobShouldBeTerminated(job) {
		t.Fatal("JobShouldBeTerminated() = false after broker cancel")
	}
	if w.WorkerShouldTerminate() {
		t.Error("cancelling a job must not stop the worker")
	}
	select {
	case <-rec.codes:
		t.Error("job cancel exited the process")
	default:
	}

	if err := w.UpdateStatus(proto.NewJobStatus(job.ID, proto.StatusFailed)); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if m := b.next(t); m.Service != proto.MeshStatus {
		t.Errorf("message after final status = %s, want MESH_STATUS", m)
	}
	if w.JobShouldBeTerminated(job) {
		t.Error("JobShouldBeTerminated() = true after the final status was reported")
	}
	if n := w.queue.TerminatedCount(); n != 0 {
		t.Errorf("TerminatedCount() = %d, want 0", n)
	}
}

func TestWorkerBrokerTerminationExitsWithoutAck(t *testing.T) {
	for _, svc := range []proto.ServiceType{proto.TerminateJobAndWorker, proto.TerminateWorker, proto.Shutdown} {
		t.Run(svc.String(), func(t *testing.T) {
			b := newFakeBroker(t)
			w, rec := startWorker(t, b)
			b.next(t)

			b.send(t, proto.Message{Service: svc, Type: testType})

			if code := rec.wait(t); code != 1 {
				t.Errorf("exit code = %d, want 1", code)
			}
			<-w.Done()
			if !w.WorkerShouldTerminate() {
				t.Error("WorkerShouldTerminate() = false after broker termination")
			}
			if w.State() != StateStopped {
				t.Errorf("State() = %s, want STOPPED", w.State())
			}
			if _, err := w.GetJob(context.Background()); !errors.Is(err, ErrWorkerStopped) {
				t.Errorf("GetJob() error = %v, want ErrWorkerStopped", err)
			}

			// nothing but heartbeats may have been sent back
			for {
				select {
				case m := <-b.received:
					if m.Service == proto.TerminateJobAndWorker {
						t.Fatal("worker acknowledged broker termination")
					}
				case <-time.After(50 * time.Millisecond):
					return
				}
			}
		})
	}
}

func TestWorkerBrokerTerminationReleasesBlockedGetJob(t *testing.T) {
	b := newFakeBroker(t)
	w, rec := startWorker(t, b)
	b.next(t)

	errs := make(chan error, 1)
	go func() {
		_, err := w.GetJob(context.Background())
		errs <- err
	}()
	b.next(t) // MAKE_MESH request

	b.send(t, proto.Message{Service: proto.TerminateWorker, Type: testType})
	rec.wait(t)

	select {
	case err := <-errs:
		if !errors.Is(err, ErrWorkerStopped) {
			t.Errorf("GetJob() error = %v, want ErrWorkerStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked GetJob() not released")
	}
}

func TestWorkerStopIsGraceful(t *testing.T) {
	b := newFakeBroker(t)
	w, rec := startWorker(t, b)
	b.next(t)

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	m := b.next(t)
	if m.Service != proto.TerminateJobAndWorker {
		t.Errorf("last message = %s, want TERMINATE_JOB_AND_WORKER", m.Service)
	}
	if w.State() != StateStopped {
		t.Errorf("State() = %s, want STOPPED", w.State())
	}
	select {
	case <-rec.codes:
		t.Error("graceful stop must not exit the process")
	default:
	}

	// idempotent
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := w.UpdateStatus(proto.NewJobStatus("x", proto.StatusFailed)); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("UpdateStatus() after Stop error = %v, want ErrWorkerStopped", err)
	}
}

func TestWorkerChannelFailureExits(t *testing.T) {
	b := newFakeBroker(t)
	w, rec := startWorker(t, b)
	b.next(t)

	b.conn(t).Close()

	if code := rec.wait(t); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !errors.Is(w.Err(), transport.ErrChannelFailure) {
		t.Errorf("Err() = %v, want ErrChannelFailure", w.Err())
	}
	if !w.WorkerShouldTerminate() {
		t.Error("WorkerShouldTerminate() = false after channel failure")
	}
}

func TestWorkerIgnoresMalformedBrokerMessage(t *testing.T) {
	b := newFakeBroker(t)
	w, rec := startWorker(t, b)
	defer w.Stop()
	b.next(t)

	// CAN_MESH is not valid broker->worker
	b.send(t, proto.Message{Service: proto.CanMesh, Type: testType})
	b.send(t, proto.NewMessage(proto.MakeMesh, testType, proto.Assign{Job: testJob("ok")}))

	job, err := w.queue.Wait(contextWithTimeout(t, 2*time.Second))
	if err != nil || job.ID != "ok" {
		t.Fatalf("Wait() = %q, %v", job.ID, err)
	}
	select {
	case <-rec.codes:
		t.Error("malformed message exited the process")
	default:
	}
}

func TestNewRejectsInvalidType(t *testing.T) {
	_, err := New(context.Background(), testConfig(), proto.MeshIOType{}, proto.DefaultServerConnection())
	if !errors.Is(err, ErrInvalidType) {
		t.Errorf("New() error = %v, want ErrInvalidType", err)
	}
}

func TestNewUnreachableBroker(t *testing.T) {
	ctx := contextWithTimeout(t, 2*time.Second)
	_, err := New(ctx, testConfig(), testType, proto.NewServerConnection("127.0.0.1", 1))
	if !errors.Is(err, transport.ErrChannelFailure) {
		t.Errorf("New() error = %v, want ErrChannelFailure", err)
	}
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
