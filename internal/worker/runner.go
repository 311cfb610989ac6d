package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

// Bridge is the application-facing side of a Worker, as used by the Runner.
type Bridge interface {
	GetJob(ctx context.Context) (proto.Job, error)
	UpdateStatus(status proto.JobStatus) error
	ReturnResult(result proto.JobResult) error
	JobShouldBeTerminated(job proto.Job) bool
	WorkerShouldTerminate() bool
}

var _ Bridge = (*Worker)(nil)

// Runner pulls jobs from a Bridge and dispatches them to handlers.
type Runner struct {
	bridge   Bridge
	handlers []JobHandler
	config   RunnerConfig
	logger   *zap.Logger
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// CancelPoll is how often a running job checks for broker cancellation (default 100ms)
	CancelPoll time.Duration

	// MaxJobs stops the runner after this many jobs; zero means unlimited
	MaxJobs int

	Logger *zap.Logger
}

// NewRunner creates a new job runner.
func NewRunner(bridge Bridge, handlers []JobHandler, config RunnerConfig) *Runner {
	if config.CancelPoll <= 0 {
		config.CancelPoll = 100 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		bridge:   bridge,
		handlers: handlers,
		config:   config,
		logger:   logger.Named("runner"),
	}
}

// RegisterHandler adds a handler to the runner.
func (r *Runner) RegisterHandler(handler JobHandler) {
	r.handlers = append(r.handlers, handler)
}

// Run processes jobs until ctx is cancelled, the worker stops, or MaxJobs
// jobs have been handled. A stopped worker is not an error.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started", zap.Int("handlers", len(r.handlers)))
	processed := 0
	for {
		if r.bridge.WorkerShouldTerminate() {
			break
		}
		job, err := r.bridge.GetJob(ctx)
		if err != nil {
			if errors.Is(err, ErrWorkerStopped) || ctx.Err() != nil {
				break
			}
			return err
		}
		r.processJob(ctx, job)

		processed++
		if r.config.MaxJobs > 0 && processed >= r.config.MaxJobs {
			break
		}
	}
	r.logger.Info("runner shutdown complete", zap.Int("jobs", processed))
	return nil
}

// processJob dispatches a job to the first handler that accepts its type.
func (r *Runner) processJob(ctx context.Context, job proto.Job) {
	log := r.logger.With(zap.String("job", job.ID), zap.Stringer("type", job.Type()))
	log.Info("received job")
	start := time.Now()

	if r.bridge.JobShouldBeTerminated(job) {
		log.Info("job cancelled before processing")
		r.report(proto.NewJobStatus(job.ID, proto.StatusFailed))
		return
	}

	var handler JobHandler
	for _, h := range r.handlers {
		if h.CanHandle(job.Type()) {
			handler = h
			break
		}
	}
	if handler == nil {
		log.Error("no handler for job type")
		r.report(proto.NewJobStatus(job.ID, proto.StatusFailed))
		return
	}

	r.report(proto.InProgress(job.ID, nil))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.watchCancel(jobCtx, cancel, job)

	output, err := handler.Execute(jobCtx, job, func(progress []byte) {
		r.report(proto.InProgress(job.ID, progress))
	})

	if r.bridge.JobShouldBeTerminated(job) {
		log.Info("job terminated by broker", zap.Duration("elapsed", time.Since(start)))
		r.report(proto.NewJobStatus(job.ID, proto.StatusFailed))
		return
	}
	if err != nil {
		log.Error("job failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		r.report(proto.NewJobStatus(job.ID, proto.StatusFailed))
		return
	}

	if err := r.bridge.ReturnResult(proto.NewJobResult(job.ID, output)); err != nil {
		log.Error("returning result failed", zap.Error(err))
		return
	}
	r.report(proto.NewJobStatus(job.ID, proto.StatusFinished))
	log.Info("job completed", zap.Duration("elapsed", time.Since(start)), zap.Int("bytes", len(output)))
}

// watchCancel cancels a running job once the broker abandons it.
func (r *Runner) watchCancel(ctx context.Context, cancel context.CancelFunc, job proto.Job) {
	ticker := time.NewTicker(r.config.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.bridge.JobShouldBeTerminated(job) {
				cancel()
				return
			}
		}
	}
}

func (r *Runner) report(status proto.JobStatus) {
	if err := r.bridge.UpdateStatus(status); err != nil {
		r.logger.Warn("status update failed", zap.String("job", status.JobID), zap.Error(err))
	}
}
