package e2e

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aceteam-ai/meshdispatch/e2e/harness"
)

// TestBinaryFactoryLaunch runs the built binary as broker, launched worker
// and client. Set MESHDISPATCH_BINARY to the binary path to enable it.
func TestBinaryFactoryLaunch(t *testing.T) {
	binary := os.Getenv("MESHDISPATCH_BINARY")
	if binary == "" {
		t.Skip("MESHDISPATCH_BINARY not set")
	}

	h, err := harness.NewMeshdispatchHarness(binary)
	if err != nil {
		t.Fatalf("NewMeshdispatchHarness() error = %v", err)
	}
	defer h.Cleanup()

	if err := h.WriteDescriptor("echo", "Edges", "Mesh2D", "cat"); err != nil {
		t.Fatalf("WriteDescriptor() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	out, err := h.RunCommand(ctx, "workers", "--dir", h.WorkDir())
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if !strings.Contains(out, "Edges->Mesh2D") {
		t.Fatalf("workers output does not list the descriptor:\n%s", out)
	}

	const clientPort, workerPort, statusPort = 17555, 17556, 17557
	brokerCmd, err := h.StartBroker(ctx, clientPort, workerPort, statusPort)
	if err != nil {
		t.Fatalf("StartBroker() error = %v", err)
	}
	defer func() {
		_ = brokerCmd.Process.Signal(os.Interrupt)
		_ = brokerCmd.Wait()
	}()
	if err := h.WaitForHealth(ctx, statusPort, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	out, err = h.RunCommand(ctx, "submit",
		"--server", "tcp://127.0.0.1:17555",
		"--input", "Edges", "--output", "Mesh2D",
		"--data", "hello mesh", "--wait", "--timeout", "60s")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "Result: hello mesh") {
		t.Errorf("submit output missing result:\n%s", out)
	}
}
