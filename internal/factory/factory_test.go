package factory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aceteam-ai/meshdispatch/internal/config"
	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

var meshType = proto.NewMeshIOType(proto.Mesh2D, proto.Mesh3D)

// TestHelperProcess is not a real test; it is the worker executable the
// factory launches in these tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	switch args[1] {
	case "sleep":
		time.Sleep(30 * time.Second)
	case "touch":
		_ = os.WriteFile(args[2], []byte(strings.Join(args[3:], " ")), 0o644)
	}
	os.Exit(0)
}

func helperBinary(t *testing.T) string {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	exe, err := filepath.Abs(os.Args[0])
	if err != nil {
		t.Fatal(err)
	}
	return exe
}

func writeDescriptor(t *testing.T, dir, name string, in, out proto.MeshType, exe string, args ...string) string {
	t.Helper()
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	body := fmt.Sprintf(`{"InputType": %q, "OutputType": %q, "ExecutableName": %q, "Arguments": [%s]}`,
		in.String(), out.String(), exe, strings.Join(quoted, ", "))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestFactory(t *testing.T, max int, dirs ...string) *Factory {
	t.Helper()
	f, err := New(config.FactoryConfig{MaxWorkers: max, SearchDirs: dirs})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := f.Discover(); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	t.Cleanup(func() { f.TerminateAll(5 * time.Second) })
	return f
}

func waitExited(t *testing.T, p *process) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestNewDefaults(t *testing.T) {
	f, err := New(config.FactoryConfig{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.MaxWorkerCount() != 0 {
		t.Errorf("MaxWorkerCount() = %d, want 0", f.MaxWorkerCount())
	}
	if f.Extension() != ".rw" {
		t.Errorf("Extension() = %q, want .rw", f.Extension())
	}
	if f.CurrentWorkerCount() != 0 {
		t.Errorf("CurrentWorkerCount() = %d, want 0", f.CurrentWorkerCount())
	}

	if _, err := New(config.FactoryConfig{Extension: "rw"}); !errors.Is(err, ErrInvalidExtension) {
		t.Errorf("New(extension without dot) error = %v, want ErrInvalidExtension", err)
	}
	if _, err := New(config.FactoryConfig{MaxWorkers: -1}); !errors.Is(err, ErrInvalidMaxWorkers) {
		t.Errorf("New(negative max workers) error = %v, want ErrInvalidMaxWorkers", err)
	}
}

func TestCapacityAndReaping(t *testing.T) {
	exe := helperBinary(t)
	dir := t.TempDir()
	writeDescriptor(t, dir, "mesher.rw", proto.Mesh2D, proto.Mesh3D, exe, "-test.run=TestHelperProcess", "--", "sleep")

	f := newTestFactory(t, 2, dir)
	if !f.HaveSupport(meshType) {
		t.Fatal("HaveSupport() = false for discovered type")
	}

	if !f.CreateWorker(meshType) || !f.CreateWorker(meshType) {
		t.Fatal("first two CreateWorker() calls should succeed")
	}
	if f.CreateWorker(meshType) {
		t.Fatal("third CreateWorker() should fail at capacity")
	}
	if f.CurrentWorkerCount() != 2 {
		t.Fatalf("CurrentWorkerCount() = %d, want 2", f.CurrentWorkerCount())
	}

	// kill one child; the count only drops after an update
	var victim *process
	f.mu.Lock()
	for _, p := range f.processes {
		victim = p
		break
	}
	f.mu.Unlock()
	_ = victim.cmd.Process.Kill()
	waitExited(t, victim)

	if f.CurrentWorkerCount() != 2 {
		t.Errorf("CurrentWorkerCount() before update = %d, want 2", f.CurrentWorkerCount())
	}
	f.UpdateWorkerCount()
	if f.CurrentWorkerCount() != 1 {
		t.Fatalf("CurrentWorkerCount() after update = %d, want 1", f.CurrentWorkerCount())
	}
	if !f.CreateWorker(meshType) {
		t.Error("CreateWorker() after reaping should succeed")
	}
	if f.CurrentWorkerCount() != 2 {
		t.Errorf("CurrentWorkerCount() = %d, want 2", f.CurrentWorkerCount())
	}

	// repeated updates are cheap and idempotent with live children
	f.UpdateWorkerCount()
	f.UpdateWorkerCount()
	if f.CurrentWorkerCount() != 2 {
		t.Errorf("CurrentWorkerCount() after idle updates = %d, want 2", f.CurrentWorkerCount())
	}
}

func TestDiscoveryOverride(t *testing.T) {
	exe := helperBinary(t)
	first, second := t.TempDir(), t.TempDir()
	out := t.TempDir()
	writeDescriptor(t, first, "a.rw", proto.Mesh2D, proto.Mesh3D, exe,
		"-test.run=TestHelperProcess", "--", "touch", filepath.Join(out, "first"))
	writeDescriptor(t, second, "b.rw", proto.Mesh2D, proto.Mesh3D, exe,
		"-test.run=TestHelperProcess", "--", "touch", filepath.Join(out, "second"))

	f := newTestFactory(t, 1, first, second)
	workers := f.Workers()
	if len(workers) != 1 {
		t.Fatalf("Workers() = %d entries, want 1", len(workers))
	}
	if !strings.HasPrefix(workers[0].Descriptor, second) {
		t.Errorf("effective descriptor = %s, want one from %s", workers[0].Descriptor, second)
	}

	if !f.CreateWorker(meshType) {
		t.Fatal("CreateWorker() failed")
	}
	f.mu.Lock()
	for _, p := range f.processes {
		waitExited(t, p)
	}
	f.mu.Unlock()

	if _, err := os.Stat(filepath.Join(out, "second")); err != nil {
		t.Errorf("second executable was not launched: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "first")); err == nil {
		t.Error("overridden executable was launched")
	}
}

func TestDiscoveryOrderWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "1-old.rw", proto.Mesh2D, proto.Mesh3D, "/bin/old")
	writeDescriptor(t, dir, "2-new.rw", proto.Mesh2D, proto.Mesh3D, "/bin/new")
	writeDescriptor(t, dir, "ignored.json", proto.MeshModel, proto.Mesh3D, "/bin/other")

	f := newTestFactory(t, 1, dir)
	workers := f.Workers()
	if len(workers) != 1 || workers[0].ExecutionPath != "/bin/new" {
		t.Errorf("Workers() = %+v, want only /bin/new", workers)
	}
	if f.HaveSupport(proto.NewMeshIOType(proto.MeshModel, proto.Mesh3D)) {
		t.Error("descriptor with wrong extension was loaded")
	}
}

func TestGlobalArgumentsAppended(t *testing.T) {
	exe := helperBinary(t)
	dir, out := t.TempDir(), t.TempDir()
	marker := filepath.Join(out, "args")
	writeDescriptor(t, dir, "m.rw", proto.Mesh2D, proto.Mesh3D, exe,
		"-test.run=TestHelperProcess", "--", "touch", marker)

	f := newTestFactory(t, 1, dir)
	f.AddCommandLineArgument("--server")
	f.AddCommandLineArgument("tcp://127.0.0.1:5556")

	if !f.CreateWorker(meshType) {
		t.Fatal("CreateWorker() failed")
	}
	f.mu.Lock()
	for _, p := range f.processes {
		waitExited(t, p)
	}
	f.mu.Unlock()

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("worker did not run: %v", err)
	}
	if string(data) != "--server tcp://127.0.0.1:5556" {
		t.Errorf("worker args = %q", data)
	}
}

func TestCreateWorkerFailures(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "missing.rw", proto.Mesh2D, proto.Mesh3D, "/nonexistent/mesher")

	reg := prometheus.NewRegistry()
	f, err := New(config.FactoryConfig{MaxWorkers: 2, SearchDirs: []string{dir}}, WithMetrics(NewMetrics(reg)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Discover(); err != nil {
		t.Fatal(err)
	}

	if !f.HaveSupport(meshType) {
		t.Fatal("HaveSupport() = false")
	}
	if f.CreateWorker(meshType) {
		t.Error("CreateWorker() with missing executable should fail")
	}
	unsupported := proto.NewMeshIOType(proto.MeshModel, proto.MeshSceneFile)
	if f.HaveSupport(unsupported) || f.CreateWorker(unsupported) {
		t.Error("unsupported type should be rejected")
	}
	if f.CurrentWorkerCount() != 0 {
		t.Errorf("CurrentWorkerCount() = %d, want 0", f.CurrentWorkerCount())
	}

	if got := testutil.ToFloat64(f.metrics.LaunchFailed.WithLabelValues("spawn")); got != 1 {
		t.Errorf("spawn failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.LaunchFailed.WithLabelValues("unsupported")); got != 1 {
		t.Errorf("unsupported failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.WorkerKinds); got != 1 {
		t.Errorf("worker kinds = %v, want 1", got)
	}
}

func TestZeroCapacity(t *testing.T) {
	cfg := config.Default()
	cfg.Factory.MaxWorkers = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	f, err := New(cfg.Factory)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.MaxWorkerCount() != 0 {
		t.Fatalf("MaxWorkerCount() = %d, want 0", f.MaxWorkerCount())
	}
	f.AddWorker(MeshWorkerInfo{Type: meshType, ExecutionPath: "/bin/true"})
	if f.CreateWorker(meshType) {
		t.Error("CreateWorker() with max_workers 0 should fail")
	}
	if f.CurrentWorkerCount() != 0 {
		t.Errorf("CurrentWorkerCount() = %d, want 0", f.CurrentWorkerCount())
	}

	f.SetMaxWorkerCount(1)
	f.SetMaxWorkerCount(-3)
	if f.MaxWorkerCount() != 0 {
		t.Errorf("SetMaxWorkerCount(-3) left cap at %d, want 0", f.MaxWorkerCount())
	}
}

func TestTerminateAll(t *testing.T) {
	exe := helperBinary(t)
	dir := t.TempDir()
	writeDescriptor(t, dir, "mesher.rw", proto.Mesh2D, proto.Mesh3D, exe, "-test.run=TestHelperProcess", "--", "sleep")

	f := newTestFactory(t, 3, dir)
	for i := 0; i < 3; i++ {
		if !f.CreateWorker(meshType) {
			t.Fatalf("CreateWorker() %d failed", i)
		}
	}
	if n := len(f.Processes()); n != 3 {
		t.Fatalf("Processes() = %d, want 3", n)
	}
	f.TerminateAll(5 * time.Second)
	if f.CurrentWorkerCount() != 0 {
		t.Errorf("CurrentWorkerCount() after TerminateAll = %d, want 0", f.CurrentWorkerCount())
	}
}

func TestAddSearchDirectory(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "m.rw", proto.MeshEdges, proto.Mesh2D, "/bin/mesher")

	f, _ := New(config.FactoryConfig{})
	if err := f.AddSearchDirectory(dir); err != nil {
		t.Fatalf("AddSearchDirectory() error = %v", err)
	}
	if !f.HaveSupport(proto.NewMeshIOType(proto.MeshEdges, proto.Mesh2D)) {
		t.Error("AddSearchDirectory() did not scan the directory")
	}
	if err := f.AddSearchDirectory(filepath.Join(dir, "missing")); err == nil {
		t.Error("AddSearchDirectory() of missing directory should fail")
	}
}
