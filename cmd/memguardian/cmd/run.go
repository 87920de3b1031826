package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bobmatnyc/memguardian/pkg/config"
	"github.com/bobmatnyc/memguardian/pkg/dashboard"
	"github.com/bobmatnyc/memguardian/pkg/degrade"
	"github.com/bobmatnyc/memguardian/pkg/guardian"
	"github.com/bobmatnyc/memguardian/pkg/health"
	"github.com/bobmatnyc/memguardian/pkg/logging"
	"github.com/bobmatnyc/memguardian/pkg/probe"
	"github.com/bobmatnyc/memguardian/pkg/process"
	"github.com/bobmatnyc/memguardian/pkg/protection"
	"github.com/bobmatnyc/memguardian/pkg/shutdown"
	"github.com/bobmatnyc/memguardian/pkg/state"
)

var runCmd = &cobra.Command{
	Use:   "run [-- command args...]",
	Short: "Supervise a process until interrupted",
	Long: `Starts the supervised process, monitors its memory usage and restarts
it when the emergency threshold is crossed. Runs until SIGINT/SIGTERM.

The process command comes from the config file, or from the arguments
after "--" which take precedence.`,
	RunE: runGuardian,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runGuardian(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.ProcessCommand = args
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewFileLogger("guardian", logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	if err != nil {
		logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	}

	child := process.NewChild(cfg.ProcessCommand, logger.WithComponent("process"))
	memProbe := probe.New(logger.WithComponent("probe"))

	prot := protection.New(protection.Options{
		MaxAttempts:        cfg.RestartPolicy.MaxAttempts,
		AttemptWindow:      cfg.RestartPolicy.AttemptWindow(),
		Cooldown:           cfg.RestartPolicy.Cooldown(),
		ExponentialBackoff: cfg.RestartPolicy.ExponentialBackoff,
		FailureThreshold:   cfg.RestartPolicy.MaxAttempts,
		SampleWindow:       cfg.LeakDetection.SampleWindow,
		LeakSlopeMBPerMin:  cfg.LeakDetection.SlopeMBPerMin,
		LeakMinRSquared:    cfg.LeakDetection.MinRSquared,
	}, logger.WithComponent("protection"))

	var store guardian.StateStore
	if cfg.PersistState {
		store = state.NewManager(cfg.StateFile, logger.WithComponent("state"))
	}

	g := guardian.New(cfg,
		guardian.ProbeSampler{Probe: memProbe, Child: child},
		child, prot, store,
		health.NewMonitor(),
		degrade.NewRegistry(logger.WithComponent("degrade")),
		logger)

	dash := dashboard.New(g, logger.WithComponent("dashboard"), cfg.Dashboard.HistoryLimit)
	if cfg.Dashboard.ExportPath != "" {
		exportPath := cfg.Dashboard.ExportPath
		g.SetFlush(func() error {
			dash.RecordSnapshot()
			return dash.WriteSnapshot(exportPath)
		})
	}

	ctx := context.Background()
	if err := g.Start(ctx); err != nil {
		return err
	}

	if err := dash.StartExportLoop(cfg.Dashboard.ExportInterval(), cfg.Dashboard.ExportPath); err != nil {
		return err
	}

	sd := shutdown.New(30 * time.Second)
	// Registered first so the log file closes last (LIFO order)
	sd.Register(shutdown.CloseResource(logger, "log file"))
	sd.Register(func(ctx context.Context) error {
		g.Shutdown()
		return nil
	})
	sd.Register(func(ctx context.Context) error {
		dash.Stop()
		return nil
	})

	if cfg.Dashboard.HTTPEnabled {
		server := dashboard.NewServer(dash, cfg.Dashboard.HTTPAddr, logger.WithComponent("http"))
		server.Start()
		sd.Register(shutdown.StopHTTPServer(server, "dashboard"))
	}

	sd.Wait()
	sd.Shutdown()
	return nil
}
