package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/scheduler"
)

// newScheduleCmd creates the `autoclaw schedule` command group.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled tasks",
		Long: `Manage scheduled tasks. Schedules are 5-field cron expressions;
natural language like "daily at 9:00" or "every 15 minutes" is also accepted.

Examples:
  autoclaw schedule list
  autoclaw schedule add "daily at 9:00" files.list --user user-1 --param path=notes
  autoclaw schedule remove <id>
  autoclaw schedule tick`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleAddCmd(),
		newScheduleRemoveCmd(),
		newScheduleEnableCmd(),
		newScheduleTickCmd(),
		newScheduleExecutionsCmd(),
	)

	return cmd
}

func newScheduleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			userID, _ := cmd.Flags().GetString("user")
			tasks, err := a.scheduler.List(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No scheduled tasks.")
				return nil
			}
			for _, t := range tasks {
				state := "disabled"
				if t.Enabled {
					state = "enabled"
				}
				fmt.Printf("%s  [%s]  %q  %s  %s\n", t.ID, state, t.Cron, t.Action, t.Name)
			}
			return nil
		},
	}

	cmd.Flags().String("user", "", "only this user's tasks")
	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <schedule> <action>",
		Short: "Add a scheduled task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			cronExpr := args[0]
			if parsed, ok := scheduler.ParseNaturalSchedule(cronExpr); ok {
				cronExpr = parsed
			}

			userID, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")
			rawParams, _ := cmd.Flags().GetStringSlice("param")
			params := map[string]any{}
			for _, kv := range rawParams {
				k, v, found := strings.Cut(kv, "=")
				if !found {
					return fmt.Errorf("invalid --param %q, expected key=value", kv)
				}
				params[k] = v
			}

			task, err := a.scheduler.Add(cmd.Context(), &scheduler.Task{
				UserID:  userID,
				Name:    name,
				Action:  args[1],
				Params:  params,
				Cron:    cronExpr,
				Enabled: true,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Scheduled %s: %q → %s\n", task.ID, task.Cron, task.Action)
			return nil
		},
	}

	cmd.Flags().String("user", "", "owning user ID (required)")
	cmd.Flags().String("name", "", "task display name")
	cmd.Flags().StringSlice("param", nil, "action parameter as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.scheduler.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Task %s removed.\n", args[0])
			return nil
		},
	}
}

func newScheduleEnableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable or disable a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			disable, _ := cmd.Flags().GetBool("off")
			if err := a.scheduler.SetEnabled(cmd.Context(), args[0], !disable); err != nil {
				return err
			}
			if disable {
				fmt.Printf("Task %s disabled\n", args[0])
			} else {
				fmt.Printf("Task %s enabled\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().Bool("off", false, "disable instead of enable")
	return cmd
}

// newScheduleTickCmd runs one scheduler tick for the current minute, for
// external timers (systemd timers, cron) driving the scheduler.
func newScheduleTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick for the current minute",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			return a.scheduler.Tick(cmd.Context(), time.Now())
		},
	}
}

func newScheduleExecutionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions <id>",
		Short: "Show a task's execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			limit, _ := cmd.Flags().GetInt("limit")
			execs, err := a.scheduler.Executions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(execs) == 0 {
				fmt.Println("No executions.")
				return nil
			}
			for _, x := range execs {
				outcome := "ok"
				if !x.Success {
					outcome = "failed: " + x.Error
				}
				fmt.Printf("%s  %s  %s\n", x.ExecutedAt.Format("2006-01-02 15:04:05"), x.ID, outcome)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 50, "maximum executions to show")
	return cmd
}
