// Command pypelines runs the workflow coordinator daemon: it wires
// configuration, logging, the queue/KV substrate, the coordinator, and
// the manifest driver loop together and blocks until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/matthiasmullie/pypelines-go/internal/config"
	"github.com/matthiasmullie/pypelines-go/internal/coordinator"
	"github.com/matthiasmullie/pypelines-go/internal/driver"
	"github.com/matthiasmullie/pypelines-go/internal/emitter"
	"github.com/matthiasmullie/pypelines-go/internal/jobs"
	"github.com/matthiasmullie/pypelines-go/internal/logging"
	"github.com/matthiasmullie/pypelines-go/internal/substrate"
)

var workDir string

var rootCmd = &cobra.Command{
	Use:   "pypelines",
	Short: "pypelines runs the declarative workflow coordinator daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&workDir, "workdir", "", "root directory containing workflows/{system,user,example} (default: cwd)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logging.Initialize(cfg.Debug)
	logging.Info("pypelines starting (substrate=%s)", cfg.SubstrateURL)

	sub, err := substrate.NewEngine(substrate.Options{URL: cfg.SubstrateURL})
	if err != nil {
		return fmt.Errorf("substrate: %w", err)
	}
	defer sub.Close()

	runner := jobs.NewRunner(jobs.NewCLIEngine())
	coord := coordinator.New(sub, runner, cfg.ContainerPruneTimeout,
		emitter.NewLimit(),
		emitter.NewSchedule(),
		emitter.NewSSE(sub),
	)

	coordErr := make(chan error, 1)
	go func() { coordErr <- coord.Start(ctx) }()

	// System workflows are exposed the user- and example-workflows
	// directories so they can monitor and copy in new user workflows.
	// User workflows get no volumes of their own: exposing the
	// user-workflows directory to a user-authored workflow would let it
	// write new triggers back into itself, a vector for abuse.
	systemVolumes := map[string]string{
		cfg.UserWorkflowsDir:    "/workflows",
		cfg.ExampleWorkflowsDir: "/workflows_example",
	}

	fs := afero.NewOsFs()
	d := driver.New(coord, fs, cfg.SystemWorkflowsDir, cfg.UserWorkflowsDir, cfg.ExampleWorkflowsDir,
		time.Duration(cfg.PollInterval)*time.Second, systemVolumes, nil)

	driverErr := make(chan error, 1)
	go func() { driverErr <- d.Run(ctx) }()

	select {
	case <-ctx.Done():
		logging.Info("pypelines shutting down")
		return nil
	case err := <-coordErr:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("coordinator: %w", err)
		}
		return nil
	case err := <-driverErr:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("driver: %w", err)
		}
		return nil
	}
}
