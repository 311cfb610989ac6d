// Package harness provides test harness utilities for E2E testing
package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// MeshdispatchHarness runs the meshdispatch binary in a scratch directory
type MeshdispatchHarness struct {
	binaryPath string
	workDir    string
}

// NewMeshdispatchHarness creates a new harness for the given binary
func NewMeshdispatchHarness(binaryPath string) (*MeshdispatchHarness, error) {
	workDir, err := os.MkdirTemp("", "meshdispatch-e2e-*")
	if err != nil {
		return nil, err
	}
	return &MeshdispatchHarness{
		binaryPath: binaryPath,
		workDir:    workDir,
	}, nil
}

// RunCommand executes a meshdispatch command and returns its stdout
func (h *MeshdispatchHarness) RunCommand(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, h.binaryPath, args...)
	cmd.Dir = h.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("command failed: %w\nstdout: %s\nstderr: %s",
			err, stdout.String(), stderr.String())
	}
	return stdout.String(), nil
}

// StartBroker starts the broker in the background. The broker launches
// workers from descriptors in the work directory.
func (h *MeshdispatchHarness) StartBroker(ctx context.Context, clientPort, workerPort, statusPort int, extra ...string) (*exec.Cmd, error) {
	args := append([]string{"broker",
		"--host=127.0.0.1",
		fmt.Sprintf("--client-port=%d", clientPort),
		fmt.Sprintf("--worker-port=%d", workerPort),
		fmt.Sprintf("--status-port=%d", statusPort),
		"--worker-dir=" + h.workDir,
	}, extra...)

	cmd := exec.CommandContext(ctx, h.binaryPath, args...)
	cmd.Dir = h.workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start broker: %w", err)
	}
	return cmd, nil
}

// WriteDescriptor writes a worker descriptor that runs this binary as a
// worker executing command for each job
func (h *MeshdispatchHarness) WriteDescriptor(name, input, output, command string) error {
	desc := map[string]any{
		"InputType":      input,
		"OutputType":     output,
		"ExecutableName": h.binaryPath,
		"Arguments":      []string{"worker", "--command", command},
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(h.workDir, name+".rw"), data, 0644)
}

// WaitForHealth polls the status server until it answers
func (h *MeshdispatchHarness) WaitForHealth(ctx context.Context, statusPort int, timeout time.Duration) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", statusPort)
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("broker status server not healthy at %s", url)
}

// Cleanup removes the temporary work directory
func (h *MeshdispatchHarness) Cleanup() error {
	return os.RemoveAll(h.workDir)
}

// WorkDir returns the working directory path
func (h *MeshdispatchHarness) WorkDir() string {
	return h.workDir
}
