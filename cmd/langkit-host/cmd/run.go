package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/binary"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/cleanup"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/control"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/metrics"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/shutdown"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/supervisor"
)

var runNoControl bool

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Download the server if needed, start it and supervise it",
	Long: `Ensures a verified langkit build is present for this platform, starts it,
waits for the readiness handshake, then supervises it until interrupted.
A local control API serves status, restart, update and metrics.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runNoControl, "no-control", false, "do not serve the local control API")
}

func runRun(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log := newFileLogger(settings)
	mx := metrics.New()

	mgr, err := binary.NewManager(settings, log, binary.WithMetrics(mx))
	if err != nil {
		return err
	}

	binaryPath, err := mgr.EnsurePresent(cmd.Context())
	if err != nil {
		return fmt.Errorf("no runnable server binary: %w", err)
	}
	log.Info("Using server binary", map[string]interface{}{"path": binaryPath})

	sup := supervisor.New(binaryPath, settings, log, supervisor.WithMetrics(mx))

	// Sweep runtime files leaked by previous hosts that died uncleanly
	janitor := cleanup.New(cleanup.DefaultConfig(), log)
	janitor.Start()

	sd := shutdown.New(30 * time.Second)
	// Registered first so it runs last: everything above still logs
	// during teardown
	sd.Register(shutdown.CloseResource(log, "log file"))
	sd.Register(func(ctx context.Context) error {
		janitor.Stop()
		return nil
	})
	sd.Register(func(ctx context.Context) error {
		return sup.Stop()
	})

	if !runNoControl {
		ctl := control.New(settings.ControlAddr, Version, sup, mgr, mx, log)
		ctl.Start()
		sd.Register(shutdown.StopHTTPServer(ctl, "control"))
	}

	if err := sup.Start(); err != nil {
		sd.Shutdown()
		return err
	}

	if ep := sup.Endpoints(); ep != nil {
		fmt.Printf("langkit server ready at %s\n", ep.FrontendURL())
	}

	sd.Wait()
	sd.Shutdown()
	return nil
}
