package broker

import (
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
	"github.com/aceteam-ai/meshdispatch/internal/status"
	"github.com/aceteam-ai/meshdispatch/internal/statuspub"
	"github.com/aceteam-ai/meshdispatch/internal/transport"
)

// Events posted to the control goroutine.
type (
	workerConnected struct{ wc *workerConn }
	workerMessage   struct {
		id  uuid.UUID
		msg proto.Message
	}
	workerGone struct {
		id  uuid.UUID
		err error
	}
	clientRequest struct {
		msg     proto.Message
		payload proto.Payload
		reply   chan proto.Message
	}
)

// workerConn is the broker's view of one connected worker.
type workerConn struct {
	id         uuid.UUID
	conn       *transport.Conn
	typ        proto.MeshIOType
	registered bool
	lastSeen   time.Time
	waiting    int
	jobs       map[string]struct{}
	out        chan proto.Message
}

// writeLoop drains the outbox and closes the connection once it is closed.
func (wc *workerConn) writeLoop(logger *zap.Logger) {
	defer wc.conn.Close()
	for m := range wc.out {
		if err := wc.conn.Send(m); err != nil {
			logger.Debug("worker send failed", zap.String("worker", wc.id.String()), zap.Error(err))
			return
		}
	}
}

type jobState struct {
	job       proto.Job
	status    proto.JobStatus
	result    *proto.JobResult
	worker    uuid.UUID
	submitted time.Time
}

func (b *Broker) handle(ev any) {
	switch ev := ev.(type) {
	case workerConnected:
		wc := ev.wc
		b.workers[wc.id] = wc
		b.order = append(b.order, wc.id)
		b.writers.Add(1)
		go func() {
			defer b.writers.Done()
			wc.writeLoop(b.logger)
		}()
		b.metrics.LiveWorkers.Set(float64(len(b.workers)))
		b.logger.Debug("worker connected", zap.String("worker", wc.id.String()), zap.String("addr", wc.conn.RemoteAddr()))
	case workerMessage:
		if wc, ok := b.workers[ev.id]; ok {
			b.handleWorker(wc, ev.msg)
		}
	case workerGone:
		if wc, ok := b.workers[ev.id]; ok {
			b.logger.Warn("worker disconnected", zap.String("worker", wc.id.String()), zap.Stringer("type", wc.typ), zap.Error(ev.err))
			b.removeWorker(wc, proto.StatusFailed)
		}
	case clientRequest:
		ev.reply <- b.handleClient(ev.msg, ev.payload)
	}
}

func (b *Broker) handleWorker(wc *workerConn, m proto.Message) {
	wc.lastSeen = time.Now()

	p, err := m.Payload(proto.FromWorker)
	if err != nil {
		b.logger.Warn("dropping worker message", zap.String("worker", wc.id.String()), zap.Error(err))
		return
	}

	switch p := p.(type) {
	case proto.Register:
		b.register(wc, m.Type)
	case proto.AskForJobs:
		if !wc.registered {
			b.register(wc, m.Type)
		}
		wc.waiting += p.Count
		b.dispatch(wc.typ)
	case proto.Beat:
		b.metrics.Heartbeats.Inc()
	case proto.Status:
		js, ok := b.ownedJob(wc, p.Status.JobID)
		if !ok {
			return
		}
		b.updateStatus(js, p.Status)
		if p.Status.Status.Terminal() {
			delete(wc.jobs, js.job.ID)
		}
	case proto.Result:
		js, ok := b.ownedJob(wc, p.Result.JobID)
		if !ok {
			return
		}
		r := p.Result
		js.result = &r
		b.updateStatus(js, proto.NewJobStatus(js.job.ID, proto.StatusFinished))
		delete(wc.jobs, js.job.ID)
	case proto.Terminate:
		b.logger.Info("worker unregistered", zap.String("worker", wc.id.String()), zap.Stringer("type", wc.typ))
		b.removeWorker(wc, proto.StatusFailed)
	}
}

func (b *Broker) register(wc *workerConn, t proto.MeshIOType) {
	if !t.Valid() {
		b.logger.Warn("worker registered with invalid type", zap.String("worker", wc.id.String()), zap.Stringer("type", t))
		return
	}
	wc.typ = t
	wc.registered = true
	delete(b.launched, t)
	b.logger.Info("worker registered", zap.String("worker", wc.id.String()), zap.Stringer("type", t))
}

// ownedJob finds a job that is assigned to wc.
func (b *Broker) ownedJob(wc *workerConn, id string) (*jobState, bool) {
	js, ok := b.jobs[id]
	if !ok || js.worker != wc.id {
		b.logger.Debug("ignoring report for job not owned by worker", zap.String("worker", wc.id.String()), zap.String("job", id))
		return nil, false
	}
	return js, true
}

func (b *Broker) handleClient(m proto.Message, p proto.Payload) proto.Message {
	switch p := p.(type) {
	case proto.Submission:
		t := p.Request.Type
		supported := b.supports(t)
		if m.Service == proto.CanMesh {
			body := "0"
			if supported {
				body = "1"
			}
			return proto.NewMessage(proto.CanMesh, t, proto.Reply{Body: body})
		}
		if !supported {
			b.metrics.Rejected.WithLabelValues("unsupported").Inc()
			return proto.NewMessage(proto.MakeMesh, t, proto.Reply{})
		}
		return proto.NewMessage(proto.MakeMesh, t, proto.Reply{Body: b.submit(p.Request)})

	case proto.Query:
		js, ok := b.jobs[p.JobID]
		switch m.Service {
		case proto.MeshStatus:
			st := proto.NewJobStatus(p.JobID, proto.StatusInvalid)
			if ok {
				st = js.status
			}
			return proto.NewMessage(proto.MeshStatus, m.Type, proto.Status{Status: st})
		case proto.RetrieveMesh:
			res := proto.NewJobResult(p.JobID, nil)
			if ok && js.result != nil {
				res = *js.result
				b.finished.Get(p.JobID)
			}
			return proto.NewMessage(proto.RetrieveMesh, m.Type, proto.Result{Result: res})
		case proto.TerminateJob:
			body := "0"
			if ok && b.cancel(js) {
				body = "1"
			}
			return proto.NewMessage(proto.TerminateJob, m.Type, proto.Reply{Body: body})
		}
	}
	return proto.NewMessage(m.Service, m.Type, proto.Reply{})
}

// supports reports whether a live worker or the factory can serve t.
func (b *Broker) supports(t proto.MeshIOType) bool {
	for _, wc := range b.workers {
		if wc.registered && wc.typ == t {
			return true
		}
	}
	return b.factory != nil && b.factory.HaveSupport(t)
}

func (b *Broker) submit(req proto.JobRequest) string {
	js := &jobState{
		job:       proto.Job{ID: uuid.NewString(), Request: req},
		submitted: time.Now(),
	}
	js.status = proto.NewJobStatus(js.job.ID, proto.StatusQueued)
	b.jobs[js.job.ID] = js
	b.queues[req.Type] = append(b.queues[req.Type], js.job.ID)

	b.metrics.Submitted.Inc()
	b.logger.Info("job queued", zap.String("job", js.job.ID), zap.Stringer("type", req.Type), zap.Int("bytes", len(req.Info)))
	b.publish(js)

	b.dispatch(req.Type)
	b.ensureWorker(req.Type)
	return js.job.ID
}

// cancel stops a job that has not finished. A queued job leaves its queue;
// an assigned one is cancelled on its worker.
func (b *Broker) cancel(js *jobState) bool {
	if js.status.Status.Terminal() {
		return false
	}
	if wc, ok := b.workers[js.worker]; ok {
		delete(wc.jobs, js.job.ID)
		b.sendTo(wc, proto.NewMessage(proto.TerminateJob, wc.typ, proto.CancelJob{JobID: js.job.ID}))
	} else {
		t := js.job.Type()
		b.queues[t] = slices.DeleteFunc(b.queues[t], func(id string) bool { return id == js.job.ID })
		if len(b.queues[t]) == 0 {
			delete(b.queues, t)
		}
	}
	b.updateStatus(js, proto.NewJobStatus(js.job.ID, proto.StatusFailed))
	b.logger.Info("job cancelled", zap.String("job", js.job.ID))
	return true
}

// dispatch hands queued jobs of type t to workers that asked for work, in
// connection order.
func (b *Broker) dispatch(t proto.MeshIOType) {
	for _, id := range append([]uuid.UUID(nil), b.order...) {
		if len(b.queues[t]) == 0 {
			break
		}
		wc, ok := b.workers[id]
		if !ok || !wc.registered || wc.typ != t {
			continue
		}
		for wc.waiting > 0 && len(b.queues[t]) > 0 {
			jobID := b.queues[t][0]
			b.queues[t] = b.queues[t][1:]
			js := b.jobs[jobID]
			if !b.sendTo(wc, proto.NewMessage(proto.MakeMesh, t, proto.Assign{Job: js.job})) {
				b.queues[t] = append([]string{jobID}, b.queues[t]...)
				return
			}
			js.worker = wc.id
			wc.waiting--
			wc.jobs[jobID] = struct{}{}
			b.logger.Debug("job assigned", zap.String("job", jobID), zap.String("worker", wc.id.String()))
		}
	}
	if len(b.queues[t]) == 0 {
		delete(b.queues, t)
	}
}

// ensureWorker asks the factory for a process when jobs of type t are queued
// and no worker is waiting for them.
func (b *Broker) ensureWorker(t proto.MeshIOType) {
	if b.factory == nil || len(b.queues[t]) == 0 {
		return
	}
	for _, wc := range b.workers {
		if wc.registered && wc.typ == t && wc.waiting > 0 {
			return
		}
	}
	if at, ok := b.launched[t]; ok && time.Since(at) < launchGrace {
		return
	}
	if !b.factory.HaveSupport(t) {
		return
	}
	b.factory.UpdateWorkerCount()
	if !b.factory.CreateWorker(t) {
		b.logger.Debug("no worker launched", zap.Stringer("type", t),
			zap.Int("running", b.factory.CurrentWorkerCount()), zap.Int("max", b.factory.MaxWorkerCount()))
		return
	}
	b.launched[t] = time.Now()
}

// sweep drops workers that missed too many heartbeats and retries launches
// for queued work.
func (b *Broker) sweep(now time.Time) {
	timeout := b.cfg.HeartbeatTimeout()
	for _, id := range append([]uuid.UUID(nil), b.order...) {
		wc := b.workers[id]
		if silent := now.Sub(wc.lastSeen); silent > timeout {
			b.logger.Warn("worker expired", zap.String("worker", wc.id.String()),
				zap.Stringer("type", wc.typ), zap.Duration("silent", silent))
			b.metrics.ExpiredWorker.Inc()
			b.removeWorker(wc, proto.StatusExpired)
		}
	}
	if b.factory == nil {
		return
	}
	b.factory.UpdateWorkerCount()
	for t := range b.queues {
		b.ensureWorker(t)
	}
}

// removeWorker forgets wc and finishes its outstanding jobs with st.
func (b *Broker) removeWorker(wc *workerConn, st proto.StatusType) {
	b.dropWorker(wc)
	for jobID := range wc.jobs {
		if js, ok := b.jobs[jobID]; ok {
			b.updateStatus(js, proto.NewJobStatus(jobID, st))
		}
	}
	wc.jobs = map[string]struct{}{}
}

// dropWorker releases the connection without touching its jobs.
func (b *Broker) dropWorker(wc *workerConn) {
	if _, ok := b.workers[wc.id]; !ok {
		return
	}
	delete(b.workers, wc.id)
	b.order = slices.DeleteFunc(b.order, func(id uuid.UUID) bool { return id == wc.id })
	close(wc.out)
	b.metrics.LiveWorkers.Set(float64(len(b.workers)))
}

// sendTo queues m for wc. A worker whose outbox is full is removed.
func (b *Broker) sendTo(wc *workerConn, m proto.Message) bool {
	select {
	case wc.out <- m:
		return true
	default:
		b.logger.Warn("worker outbox full, dropping worker", zap.String("worker", wc.id.String()))
		b.removeWorker(wc, proto.StatusFailed)
		return false
	}
}

// updateStatus records st unless the job already reached a terminal status.
func (b *Broker) updateStatus(js *jobState, st proto.JobStatus) {
	if js.status.Status.Terminal() {
		return
	}
	js.status = st
	b.publish(js)
	if st.Status.Terminal() {
		b.metrics.Completed.WithLabelValues(st.Status.String()).Inc()
		b.logger.Info("job finished", zap.String("job", js.job.ID), zap.Stringer("status", st.Status),
			zap.Duration("elapsed", time.Since(js.submitted)))
		b.finished.Add(js.job.ID, nil)
	}
}

func (b *Broker) publish(js *jobState) {
	if b.sink == nil {
		return
	}
	ev := statuspub.Event{
		Version:   "1.0",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		NodeID:    b.nodeID,
		JobID:     js.job.ID,
		Type:      js.job.Type().String(),
		Status:    js.status.Status.String(),
		Progress:  string(js.status.Progress),
	}
	if js.worker != uuid.Nil {
		ev.Worker = js.worker.String()
	}
	select {
	case b.sinkCh <- ev:
	default:
		b.logger.Warn("status sink backlog full, dropping event", zap.String("job", js.job.ID))
	}
}

func (b *Broker) refreshSnapshot() {
	snap := status.BrokerSnapshot{
		Workers: make([]status.WorkerInfo, 0, len(b.order)),
		Jobs:    make(map[string]int),
	}
	for _, id := range b.order {
		wc := b.workers[id]
		jobs := make([]string, 0, len(wc.jobs))
		for j := range wc.jobs {
			jobs = append(jobs, j)
		}
		sort.Strings(jobs)
		snap.Workers = append(snap.Workers, status.WorkerInfo{
			ID:       wc.id.String(),
			Type:     wc.typ.String(),
			Address:  wc.conn.RemoteAddr(),
			LastSeen: wc.lastSeen,
			Jobs:     jobs,
			Waiting:  wc.waiting,
		})
	}
	for _, js := range b.jobs {
		snap.Jobs[js.status.Status.String()]++
	}
	if len(b.queues) > 0 {
		snap.QueuedByType = make(map[string]int, len(b.queues))
		queued := 0
		for t, q := range b.queues {
			snap.QueuedByType[t.String()] = len(q)
			queued += len(q)
		}
		b.metrics.QueuedJobs.Set(float64(queued))
	} else {
		b.metrics.QueuedJobs.Set(0)
	}
	if b.factory != nil {
		snap.Factory.MaxWorkers = b.factory.MaxWorkerCount()
		snap.Factory.CurrentWorkers = b.factory.CurrentWorkerCount()
		for _, w := range b.factory.Workers() {
			snap.Factory.Kinds = append(snap.Factory.Kinds, w.Type.String())
		}
	}
	b.snapshot.Store(&snap)
}
