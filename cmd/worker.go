// cmd/worker.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
	"github.com/aceteam-ai/meshdispatch/internal/worker"
)

var (
	workerInput   string
	workerOutput  string
	workerServer  string
	workerCommand string
	workerArgs    []string
	workerMaxJobs int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker that executes jobs with an external command",
	Long: `Registers with the broker for one input/output type and runs each
assigned job by starting the given command. The job payload is written to
the command's stdin, each stderr line is reported as progress and stdout
becomes the job result.

The input and output types default to MESHDISPATCH_INPUT_TYPE and
MESHDISPATCH_OUTPUT_TYPE, which the broker's worker factory sets.`,
	Example: `  meshdispatch worker --input Mesh2D --output Mesh3D --command ./tetrahedralize
  meshdispatch worker --server tcp://broker:5556 --input Edges --output Mesh2D --command triangle --arg -q`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	t, err := parseIOType(workerInput, workerOutput)
	if err != nil {
		return err
	}
	if workerCommand == "" {
		return errors.New("--command is required")
	}
	server := cfg.WorkerConnection()
	if workerServer != "" {
		if server, err = proto.ParseServerConnection(workerServer); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zap.L()
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	w, err := worker.New(dialCtx, cfg, t, server, worker.WithLogger(logger))
	cancel()
	if err != nil {
		return err
	}

	fmt.Printf("--- meshdispatch worker %s ---\n", t)
	fmt.Printf("   - Broker: %s\n", server)
	fmt.Printf("   - Command: %s\n", workerCommand)

	runner := worker.NewRunner(w, []worker.JobHandler{
		worker.NewCommandHandler(t, workerCommand, workerArgs...),
	}, worker.RunnerConfig{MaxJobs: workerMaxJobs, Logger: logger})

	runErr := runner.Run(ctx)
	if err := w.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("worker stopped with error", zap.Error(err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	fmt.Println("   - Worker stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerInput, "input", os.Getenv("MESHDISPATCH_INPUT_TYPE"), "Input mesh type (name or number)")
	workerCmd.Flags().StringVar(&workerOutput, "output", os.Getenv("MESHDISPATCH_OUTPUT_TYPE"), "Output mesh type (name or number)")
	workerCmd.Flags().StringVar(&workerServer, "server", "", "Broker worker endpoint (default from config)")
	workerCmd.Flags().StringVar(&workerCommand, "command", "", "Command that executes one job")
	workerCmd.Flags().StringArrayVar(&workerArgs, "arg", nil, "Argument passed to the command (repeatable)")
	workerCmd.Flags().IntVar(&workerMaxJobs, "max-jobs", 0, "Exit after this many jobs (0 = unlimited)")
}
