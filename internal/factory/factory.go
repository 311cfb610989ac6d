// Package factory discovers launchable mesh workers from descriptor files and
// starts worker processes on demand, up to a concurrency cap.
//
// The factory is driven from a single control loop (the broker's). Its
// tables are still guarded by a mutex so snapshots can be read from other
// goroutines such as the status server.
package factory

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aceteam-ai/meshdispatch/internal/config"
	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

// DefaultExtension is the descriptor file extension searched for by default.
const DefaultExtension = ".rw"

// process is one tracked child.
type process struct {
	id      uuid.UUID
	info    MeshWorkerInfo
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}
	err     error
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ProcessInfo is a snapshot of a tracked worker process.
type ProcessInfo struct {
	ID      string           `json:"id"`
	Type    proto.MeshIOType `json:"type"`
	PID     int              `json:"pid"`
	Path    string           `json:"path"`
	Started time.Time        `json:"started"`
	Exited  bool             `json:"exited"`
}

// Factory owns the launchable worker kinds and the running worker processes.
type Factory struct {
	mu sync.Mutex

	maxWorkers    int
	extension     string
	searchDirs    []string
	globalArgs    []string
	inheritOutput bool

	workers   map[proto.MeshIOType]MeshWorkerInfo
	processes map[uuid.UUID]*process

	logger  *zap.Logger
	metrics *Metrics
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(f *Factory) {
		if m != nil {
			f.metrics = m
		}
	}
}

// New creates a factory from cfg. An empty extension defaults to ".rw".
// MaxWorkers is used as given; zero disables launching. Search directories
// are recorded but not scanned until Discover is called.
func New(cfg config.FactoryConfig, opts ...Option) (*Factory, error) {
	ext := cfg.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
		return nil, ErrInvalidExtension
	}
	if cfg.MaxWorkers < 0 {
		return nil, ErrInvalidMaxWorkers
	}

	f := &Factory{
		maxWorkers:    cfg.MaxWorkers,
		extension:     ext,
		searchDirs:    append([]string(nil), cfg.SearchDirs...),
		globalArgs:    append([]string(nil), cfg.Args...),
		inheritOutput: cfg.InheritOutput,
		workers:       make(map[proto.MeshIOType]MeshWorkerInfo),
		processes:     make(map[uuid.UUID]*process),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = NewMetrics(nil)
	}
	f.logger = f.logger.Named("factory")
	return f, nil
}

// Extension returns the descriptor extension.
func (f *Factory) Extension() string { return f.extension }

// AddCommandLineArgument appends an argument passed to every worker launched afterwards.
func (f *Factory) AddCommandLineArgument(arg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalArgs = append(f.globalArgs, arg)
}

// AddSearchDirectory adds dir to the search path and scans it immediately.
func (f *Factory) AddSearchDirectory(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchDirs = append(f.searchDirs, dir)
	_, err := f.scanLocked(dir)
	f.metrics.WorkerKinds.Set(float64(len(f.workers)))
	return err
}

// Discover scans every search directory in order. Within a directory files
// are visited by name; a later descriptor for an already known mesh type
// replaces the earlier one. It returns the number of descriptors loaded.
func (f *Factory) Discover() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	loaded := 0
	for _, dir := range f.searchDirs {
		n, err := f.scanLocked(dir)
		loaded += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	f.metrics.WorkerKinds.Set(float64(len(f.workers)))
	return loaded, errors.Join(errs...)
}

func (f *Factory) scanLocked(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != f.extension {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := ParseDescriptor(path)
		if err != nil {
			f.logger.Warn("skipping worker descriptor", zap.String("path", path), zap.Error(err))
			continue
		}
		if prev, ok := f.workers[info.Type]; ok && prev.Descriptor != info.Descriptor {
			f.logger.Info("worker descriptor overrides earlier one",
				zap.Stringer("type", info.Type),
				zap.String("previous", prev.Descriptor),
				zap.String("descriptor", path))
		}
		f.workers[info.Type] = info
		loaded++
		f.logger.Debug("discovered worker", zap.Stringer("type", info.Type), zap.String("path", info.ExecutionPath))
	}
	return loaded, nil
}

// AddWorker registers a worker kind directly, replacing any entry for the same type.
func (f *Factory) AddWorker(info MeshWorkerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[info.Type] = info
	f.metrics.WorkerKinds.Set(float64(len(f.workers)))
}

// Workers returns the known worker kinds ordered by type.
func (f *Factory) Workers() []MeshWorkerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MeshWorkerInfo, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type.Input != out[j].Type.Input {
			return out[i].Type.Input < out[j].Type.Input
		}
		return out[i].Type.Output < out[j].Type.Output
	})
	return out
}

// HaveSupport reports whether some descriptor handles t.
func (f *Factory) HaveSupport(t proto.MeshIOType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.workers[t]
	return ok
}

// CreateWorker launches a worker for t. It returns false when the factory is
// at capacity, t is unsupported, or the process could not be started; the
// tracked process set is unchanged in those cases.
func (f *Factory) CreateWorker(t proto.MeshIOType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.processes) >= f.maxWorkers {
		f.logger.Debug("worker capacity reached", zap.Int("max", f.maxWorkers))
		f.metrics.LaunchFailed.WithLabelValues("capacity").Inc()
		return false
	}
	info, ok := f.workers[t]
	if !ok {
		f.metrics.LaunchFailed.WithLabelValues("unsupported").Inc()
		return false
	}

	args := append(append([]string(nil), info.Arguments...), f.globalArgs...)
	cmd := exec.Command(info.ExecutionPath, args...)
	cmd.Dir = filepath.Dir(info.Descriptor)
	cmd.Env = append(os.Environ(),
		"MESHDISPATCH_INPUT_TYPE="+t.Input.String(),
		"MESHDISPATCH_OUTPUT_TYPE="+t.Output.String(),
	)
	if f.inheritOutput {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		f.logger.Warn("worker launch failed", zap.Stringer("type", t), zap.String("path", info.ExecutionPath), zap.Error(err))
		f.metrics.LaunchFailed.WithLabelValues("spawn").Inc()
		return false
	}

	p := &process{
		id:      uuid.New(),
		info:    info,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	f.processes[p.id] = p

	f.metrics.Launched.Inc()
	f.metrics.Running.Set(float64(len(f.processes)))
	f.logger.Info("worker launched", zap.Stringer("type", t), zap.Int("pid", cmd.Process.Pid), zap.String("id", p.id.String()))
	return true
}

// UpdateWorkerCount drops exited processes from tracking. It never blocks
// on a live child.
func (f *Factory) UpdateWorkerCount() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.processes {
		if !p.exited() {
			continue
		}
		delete(f.processes, id)
		f.metrics.Reaped.Inc()
		f.logger.Debug("worker exited", zap.String("id", id.String()), zap.Stringer("type", p.info.Type), zap.Error(p.err))
	}
	f.metrics.Running.Set(float64(len(f.processes)))
}

// SetMaxWorkerCount sets the concurrency cap.
func (f *Factory) SetMaxWorkerCount(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 0 {
		n = 0
	}
	f.maxWorkers = n
}

// MaxWorkerCount returns the concurrency cap.
func (f *Factory) MaxWorkerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxWorkers
}

// CurrentWorkerCount is the number of tracked processes as of the last
// UpdateWorkerCount; exited children still count until then.
func (f *Factory) CurrentWorkerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processes)
}

// Processes returns a snapshot of the tracked processes ordered by start time.
func (f *Factory) Processes() []ProcessInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ProcessInfo, 0, len(f.processes))
	for _, p := range f.processes {
		out = append(out, ProcessInfo{
			ID:      p.id.String(),
			Type:    p.info.Type,
			PID:     p.cmd.Process.Pid,
			Path:    p.info.ExecutionPath,
			Started: p.started,
			Exited:  p.exited(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// TerminateAll kills every tracked process and waits up to timeout for them to exit.
func (f *Factory) TerminateAll(timeout time.Duration) {
	f.mu.Lock()
	procs := make([]*process, 0, len(f.processes))
	for _, p := range f.processes {
		procs = append(procs, p)
	}
	f.mu.Unlock()

	for _, p := range procs {
		if !p.exited() {
			_ = p.cmd.Process.Kill()
		}
	}
	deadline := time.After(timeout)
	for _, p := range procs {
		select {
		case <-p.done:
		case <-deadline:
			f.logger.Warn("worker did not exit after kill", zap.String("id", p.id.String()))
		}
	}
	f.UpdateWorkerCount()
}
