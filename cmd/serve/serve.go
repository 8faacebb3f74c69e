package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/fleetsync/fleetsync/cmd/util"
	"github.com/fleetsync/fleetsync/pkg/api"
	"github.com/fleetsync/fleetsync/pkg/config"
	"github.com/fleetsync/fleetsync/pkg/errors"
	"github.com/fleetsync/fleetsync/pkg/events"
	"github.com/fleetsync/fleetsync/pkg/scheduler"
	"github.com/fleetsync/fleetsync/pkg/store"
	"github.com/fleetsync/fleetsync/pkg/sync/orchestrator"
	"github.com/fleetsync/fleetsync/pkg/sync/transport"
	"github.com/fleetsync/fleetsync/pkg/version"
)

// New creates a new `serve` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the FleetSync server.",
		Long: "Run the sync engine, the scheduler, and the job management\n" +
			"API until interrupted.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.ServerConfigPath,
		"path to the server config file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.ParseServer(configPath)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.StoragePath(), 0755); err != nil {
		return errors.WithContext(err, "create data dir")
	}

	s, err := store.New(cfg.DatabasePath())
	if err != nil {
		return errors.WithContext(err, "open job store")
	}
	defer s.Close()

	pub := events.NewPublisher()
	locator := transport.NewStaticLocator(fs, cfg.DeviceMounts)

	orch := orchestrator.New(s, locator, pub)
	if cfg.TransferWorkers > 0 {
		orch.Workers = cfg.TransferWorkers
	}
	if deadline := cfg.ProgressDeadline(); deadline > 0 {
		orch.ProgressDeadline = deadline
	}

	sched := scheduler.New(s, orch, clockwork.NewRealClock())
	if interval := cfg.SchedulerInterval(); interval > 0 {
		sched.Interval = interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down")
		cancel()
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	log.WithFields(log.Fields{
		"version": version.Version,
		"dataDir": cfg.DataDir,
	}).Info("Starting FleetSync server")

	apiErr := make(chan error, 1)
	go func() {
		server := api.New(s, sched, pub, fs, cfg.StoragePath())
		apiErr <- server.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case err := <-apiErr:
		return errors.WithContext(err, "serve api")
	case <-ctx.Done():
		// Let active runs finish cancelling before the store closes.
		<-schedDone
		return nil
	}
}
