package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

// CommandHandler runs an external program per job. The job payload is
// written to the program's stdin and its stdout becomes the result. Each
// stderr line is reported as progress.
type CommandHandler struct {
	Type proto.MeshIOType
	Path string
	Args []string
}

// NewCommandHandler creates a handler running path with args for jobs of type t.
func NewCommandHandler(t proto.MeshIOType, path string, args ...string) *CommandHandler {
	return &CommandHandler{Type: t, Path: path, Args: args}
}

// CanHandle returns true if t is the handler's type.
func (h *CommandHandler) CanHandle(t proto.MeshIOType) bool { return t == h.Type }

// Execute runs the command to completion or until ctx is cancelled.
func (h *CommandHandler) Execute(ctx context.Context, job proto.Job, progress ProgressFunc) ([]byte, error) {
	cmd := exec.CommandContext(ctx, h.Path, h.Args...)
	cmd.Stdin = bytes.NewReader(job.Request.Info)
	cmd.Env = append(os.Environ(),
		"MESHDISPATCH_JOB_ID="+job.ID,
		"MESHDISPATCH_INPUT_TYPE="+job.Type().Input.String(),
		"MESHDISPATCH_OUTPUT_TYPE="+job.Type().Output.String(),
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", h.Path, err)
	}

	var tail []byte
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		tail = line
		if progress != nil {
			progress(line)
		}
	}

	if err := cmd.Wait(); err != nil {
		if len(tail) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", h.Path, err, tail)
		}
		return nil, fmt.Errorf("%s: %w", h.Path, err)
	}
	return stdout.Bytes(), nil
}

var _ JobHandler = (*CommandHandler)(nil)
