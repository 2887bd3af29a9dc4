package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newRunCmd creates the `autoclaw run` command: the long-lived process
// driving the scheduler until interrupted.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if !a.cfg.Scheduler.Enabled {
				return fmt.Errorf("scheduler is disabled in config")
			}

			if err := a.scheduler.Start(cmd.Context()); err != nil {
				return err
			}
			defer a.scheduler.Stop()

			a.logger.Info("autoclaw running", "database", a.cfg.Database, "workspace", a.fs.Root())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			s := <-sig
			a.logger.Info("shutting down", "signal", s.String())
			return nil
		},
	}
}
