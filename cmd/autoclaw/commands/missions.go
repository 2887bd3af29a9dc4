package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/mission"
)

// newMissionsCmd creates the `autoclaw missions` command group.
func newMissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "missions",
		Short: "Run hash-pinned self-improvement missions",
		Long: `Run self-improvement missions: the model proposes file changes for an
objective, and the changes are applied only while the files on disk still
match the content the proposal was computed against.

Examples:
  autoclaw missions start user-1 "tighten error handling" notes/todo.md
  autoclaw missions show <id>
  autoclaw missions apply <id>`,
	}

	cmd.AddCommand(
		newMissionsStartCmd(),
		newMissionsListCmd(),
		newMissionsShowCmd(),
		newMissionsApplyCmd(),
		newMissionsResumeCmd(),
	)

	return cmd
}

func newMissionsStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <user-id> <objective> <path>...",
		Short: "Start a mission over the given workspace files",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			m, err := a.missions.Start(cmd.Context(), args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			if m.Status == mission.StatusPaused {
				fmt.Printf("Mission %s paused: missing files:read cover.\n", m.ID)
				fmt.Printf("Pending request %s — approve it with 'autoclaw permissions review %s', then 'autoclaw missions resume %s'.\n",
					m.PendingRequest.ID, m.UserID, m.ID)
				return nil
			}
			printMission(m)
			return nil
		},
	}
}

func newMissionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's missions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			list, err := a.missions.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No missions.")
				return nil
			}
			for _, m := range list {
				fmt.Printf("%s  [%s]  %s\n", m.ID, m.Status, m.Objective)
			}
			return nil
		},
	}
}

func newMissionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission and its proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			m, err := a.missions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMission(m)
			return nil
		},
	}
}

func newMissionsApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <mission-id>",
		Short: "Apply a proposed mission's file changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.missions.Apply(cmd.Context(), args[0])
			if result != nil {
				for _, p := range result.Applied {
					fmt.Printf("applied   %s\n", p)
				}
				for _, p := range result.Conflicts {
					fmt.Printf("conflict  %s (changed on disk since proposal)\n", p)
				}
			}
			if errors.Is(err, mission.ErrConflict) {
				fmt.Println("Some files changed since the proposal; start a new mission to re-propose them.")
				return nil
			}
			return err
		},
	}
}

func newMissionsResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <mission-id>",
		Short: "Resume a paused mission after a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			m, err := a.missions.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMission(m)
			return nil
		},
	}
}

func printMission(m *mission.Mission) {
	fmt.Printf("Mission %s [%s]\n", m.ID, m.Status)
	fmt.Printf("  Objective: %s\n", m.Objective)
	fmt.Printf("  Targets:   %s\n", strings.Join(m.TargetPaths, ", "))
	if m.Error != "" {
		fmt.Printf("  Error:     %s\n", m.Error)
	}
	if m.Proposal == nil {
		return
	}
	fmt.Printf("  Summary:   %s\n", m.Proposal.Summary)
	for _, risk := range m.Proposal.Risks {
		fmt.Printf("  Risk:      %s\n", risk)
	}
	for _, fc := range m.Proposal.Files {
		fmt.Printf("  File:      %s (%d bytes", fc.Path, len(fc.NewContent))
		if fc.Reason != "" {
			fmt.Printf(", %s", fc.Reason)
		}
		fmt.Println(")")
	}
	for _, v := range m.Proposal.Verification.Commands {
		fmt.Printf("  Verify:    %s\n", v)
	}
}
