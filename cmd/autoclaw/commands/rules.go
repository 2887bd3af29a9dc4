package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/rules"
)

// newRulesCmd creates the `autoclaw rules` command group.
func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage automation rules",
		Long: `Manage automation rules: trigger + conditions + actions.

Examples:
  autoclaw rules list user-1
  autoclaw rules create rule.json
  autoclaw rules run <rule-id>
  autoclaw rules dispatch user-1 file.changed --context '{"path":"notes/todo.md"}'
  autoclaw rules executions <rule-id>`,
	}

	cmd.AddCommand(
		newRulesListCmd(),
		newRulesCreateCmd(),
		newRulesEnableCmd(),
		newRulesRunCmd(),
		newRulesDispatchCmd(),
		newRulesExecutionsCmd(),
	)

	return cmd
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			list, err := a.engine.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No rules.")
				return nil
			}
			for _, r := range list {
				state := "disabled"
				if r.Enabled {
					state = "enabled"
				}
				trigger := r.Trigger.Type
				if r.Trigger.EventType != "" {
					trigger += ":" + r.Trigger.EventType
				}
				fmt.Printf("%s  [%s]  %s  (%s, %d action(s))\n",
					r.ID, state, r.Name, trigger, len(r.Actions))
			}
			return nil
		},
	}
}

func newRulesCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <rule.json>",
		Short: "Create a rule from a JSON definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading rule file: %w", err)
			}
			var rule rules.Rule
			if err := json.Unmarshal(data, &rule); err != nil {
				return fmt.Errorf("parsing rule file: %w", err)
			}

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			created, err := a.engine.Create(cmd.Context(), &rule)
			if err != nil {
				return err
			}
			fmt.Printf("Created rule %s (%s)\n", created.ID, created.Name)
			return nil
		},
	}
}

func newRulesEnableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enable <rule-id>",
		Short: "Enable or disable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			disable, _ := cmd.Flags().GetBool("off")
			if err := a.engine.SetEnabled(cmd.Context(), args[0], !disable); err != nil {
				return err
			}
			if disable {
				fmt.Printf("Rule %s disabled\n", args[0])
			} else {
				fmt.Printf("Rule %s enabled\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().Bool("off", false, "disable instead of enable")
	return cmd
}

func newRulesRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <rule-id>",
		Short: "Manually execute a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctxJSON, _ := cmd.Flags().GetString("context")
			evalCtx := map[string]any{}
			if ctxJSON != "" {
				if err := json.Unmarshal([]byte(ctxJSON), &evalCtx); err != nil {
					return fmt.Errorf("parsing --context: %w", err)
				}
			}

			result, err := a.engine.Execute(cmd.Context(), args[0], rules.Invocation{
				Kind:    rules.TriggerManual,
				Context: evalCtx,
			})
			if err != nil {
				return err
			}
			printExecuteResult(args[0], result)
			return nil
		},
	}

	cmd.Flags().String("context", "", "JSON evaluation context for conditions")
	return cmd
}

func newRulesDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <user-id> <event-type>",
		Short: "Dispatch an event against a user's enabled rules",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctxJSON, _ := cmd.Flags().GetString("context")
			evtCtx := map[string]any{}
			if ctxJSON != "" {
				if err := json.Unmarshal([]byte(ctxJSON), &evtCtx); err != nil {
					return fmt.Errorf("parsing --context: %w", err)
				}
			}

			results, err := a.engine.DispatchEvent(cmd.Context(), args[0], args[1], evtCtx)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matching rules.")
				return nil
			}
			for ruleID, result := range results {
				printExecuteResult(ruleID, result)
			}
			return nil
		},
	}

	cmd.Flags().String("context", "", "JSON event context")
	return cmd
}

func newRulesExecutionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions <rule-id>",
		Short: "Show a rule's execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			limit, _ := cmd.Flags().GetInt("limit")
			execs, err := a.engine.Executions(cmd.Context(), args[0], limit)
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
					outcome = "failed"
				}
				if !x.Matched {
					outcome = "no match"
				}
				line := fmt.Sprintf("%s  %s  %s", x.ExecutedAt.Format("2006-01-02 15:04:05"), x.ID, outcome)
				if x.Error != "" {
					line += "  " + x.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 50, "maximum executions to show")
	return cmd
}

func printExecuteResult(ruleID string, result *rules.ExecuteResult) {
	if !result.Matched {
		fmt.Printf("%s: no match\n", ruleID)
		return
	}
	var failed []string
	for i, ar := range result.ActionResults {
		if !ar.Success {
			failed = append(failed, fmt.Sprintf("#%d: %s", i, ar.Error))
		}
	}
	if len(failed) == 0 {
		fmt.Printf("%s: matched, %d action(s) succeeded\n", ruleID, len(result.ActionResults))
		return
	}
	fmt.Printf("%s: matched, failures: %s\n", ruleID, strings.Join(failed, "; "))
}
