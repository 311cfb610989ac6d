// cmd/broker.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aceteam-ai/meshdispatch/internal/broker"
	"github.com/aceteam-ai/meshdispatch/internal/factory"
	"github.com/aceteam-ai/meshdispatch/internal/status"
	"github.com/aceteam-ai/meshdispatch/internal/statuspub"
)

var (
	brokerHost       string
	brokerClientPort int
	brokerWorkerPort int
	brokerStatusPort int
	brokerWorkerDirs []string
	brokerExtension  string
	brokerMaxWorkers int
	brokerNoFactory  bool
	brokerRedisURL   string
	brokerNodeID     string
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the broker, worker factory and status server",
	Long: `Runs the broker that clients submit jobs to and workers register with.

Worker descriptors found in the search directories are launched on demand
when jobs of their type are queued and no worker is waiting. Health, stats
and prometheus metrics are served on the status port.`,
	Example: `  # Broker on the default ports, launching workers from ./workers
  meshdispatch broker --worker-dir ./workers

  # Publish job status changes to Redis
  meshdispatch broker --redis-url redis://localhost:6379`,
	RunE: runBroker,
}

func runBroker(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = brokerHost
	}
	if flags.Changed("client-port") {
		cfg.ClientPort = brokerClientPort
	}
	if flags.Changed("worker-port") {
		cfg.WorkerPort = brokerWorkerPort
	}
	if flags.Changed("status-port") {
		cfg.StatusPort = brokerStatusPort
	}
	if flags.Changed("worker-dir") {
		cfg.Factory.SearchDirs = brokerWorkerDirs
	}
	if flags.Changed("ext") {
		cfg.Factory.Extension = brokerExtension
	}
	if flags.Changed("max-workers") {
		cfg.Factory.MaxWorkers = brokerMaxWorkers
	}
	if flags.Changed("redis-url") {
		cfg.Redis.URL = brokerRedisURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := zap.L()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithMetrics(broker.NewMetrics(reg)),
	}

	var f *factory.Factory
	if !brokerNoFactory {
		var err error
		f, err = factory.New(cfg.Factory, factory.WithLogger(logger), factory.WithMetrics(factory.NewMetrics(reg)))
		if err != nil {
			return err
		}
		n, err := f.Discover()
		if err != nil {
			warnColor.Fprintf(os.Stderr, "Warning: some worker descriptors were skipped: %v\n", err)
		}
		fmt.Printf("   - Discovered %d worker descriptor(s)\n", n)
		opts = append(opts, broker.WithFactory(f))
	}

	if cfg.Redis.URL != "" {
		nodeID := brokerNodeID
		if nodeID == "" {
			nodeID, _ = os.Hostname()
		}
		pub, err := statuspub.New(cfg.Redis, nodeID, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = pub.Ping(pingCtx)
		cancel()
		if err != nil {
			warnColor.Fprintf(os.Stderr, "Warning: Redis unreachable, status events will fail: %v\n", err)
		}
		opts = append(opts, broker.WithStatusSink(pub, nodeID))
	}

	b, err := broker.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := b.Listen(); err != nil {
		return err
	}
	if f != nil {
		f.AddCommandLineArgument("--server")
		f.AddCommandLineArgument(b.WorkerAddr().Endpoint())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := status.NewServer(status.ServerConfig{
		Host:     cfg.Host,
		Port:     cfg.StatusPort,
		Version:  Version,
		Gatherer: reg,
	}, status.NewCollector(status.CollectorConfig{NodeName: brokerNodeID, Source: b}))
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("status server failed", zap.Error(err))
		}
	}()

	headerColor.Println("--- meshdispatch broker ---")
	fmt.Printf("   - Clients: %s\n", b.ClientAddr().Endpoint())
	fmt.Printf("   - Workers: %s\n", b.WorkerAddr().Endpoint())
	fmt.Printf("   - Status:  http://%s:%d/health\n", cfg.Host, srv.Port())
	goodColor.Println("   - Broker started. Press Ctrl+C to stop.")

	if err := b.Run(ctx); err != nil {
		return err
	}
	fmt.Println("   - Broker stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(brokerCmd)
	brokerCmd.Flags().StringVar(&brokerHost, "host", "", "Interface to bind")
	brokerCmd.Flags().IntVar(&brokerClientPort, "client-port", 0, "Port clients submit jobs to")
	brokerCmd.Flags().IntVar(&brokerWorkerPort, "worker-port", 0, "Port workers register with")
	brokerCmd.Flags().IntVar(&brokerStatusPort, "status-port", 0, "Port for health, stats and metrics")
	brokerCmd.Flags().StringSliceVar(&brokerWorkerDirs, "worker-dir", nil, "Directories searched for worker descriptors, in order")
	brokerCmd.Flags().StringVar(&brokerExtension, "ext", "", "Worker descriptor extension (default .rw)")
	brokerCmd.Flags().IntVar(&brokerMaxWorkers, "max-workers", 0, "Maximum worker processes launched at once (0 disables launching)")
	brokerCmd.Flags().BoolVar(&brokerNoFactory, "no-factory", false, "Never launch worker processes")
	brokerCmd.Flags().StringVar(&brokerRedisURL, "redis-url", "", "Redis URL for job status events (or REDIS_URL)")
	brokerCmd.Flags().StringVar(&brokerNodeID, "node-id", "", "Node id in status events (default hostname)")
}
