package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/permission"
)

// newPermissionsCmd creates the `autoclaw permissions` command group.
func newPermissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "Manage permission grants and requests",
		Long: `Manage permission grants and pending permission requests.

Examples:
  autoclaw permissions list user-1
  autoclaw permissions grant user-1 files read,write --paths notes/ --ttl 24h
  autoclaw permissions revoke 4f1c...
  autoclaw permissions requests user-1
  autoclaw permissions review user-1`,
	}

	cmd.AddCommand(
		newPermissionsListCmd(),
		newPermissionsGrantCmd(),
		newPermissionsRevokeCmd(),
		newPermissionsRequestsCmd(),
		newPermissionsReviewCmd(),
	)

	return cmd
}

func newPermissionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's active grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			grants, err := a.perms.ListActive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(grants) == 0 {
				fmt.Println("No active grants.")
				return nil
			}
			for _, g := range grants {
				expiry := "never expires"
				if g.ExpiresAt != nil {
					expiry = "expires " + g.ExpiresAt.Format(time.RFC3339)
				}
				scope := "unrestricted"
				if len(g.Scope.AllowedPaths) > 0 {
					scope = "paths: " + strings.Join(g.Scope.AllowedPaths, ", ")
				}
				fmt.Printf("%s  %s:%s  [%s]  %s\n",
					g.ID, g.Resource, strings.Join(g.Actions, ","), scope, expiry)
			}
			return nil
		},
	}
}

func newPermissionsGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant <user-id> <resource> <actions>",
		Short: "Grant a permission (actions comma-separated)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			spec := permission.GrantSpec{
				Resource: args[1],
				Actions:  splitNonEmpty(args[2]),
			}
			if paths, _ := cmd.Flags().GetStringSlice("paths"); len(paths) > 0 {
				spec.Scope.AllowedPaths = paths
			}
			if ttl, _ := cmd.Flags().GetDuration("ttl"); ttl > 0 {
				exp := time.Now().UTC().Add(ttl)
				spec.ExpiresAt = &exp
			}

			grant, err := a.perms.Grant(cmd.Context(), args[0], spec)
			if err != nil {
				return err
			}
			fmt.Printf("Granted %s (%s:%s)\n", grant.ID, grant.Resource, strings.Join(grant.Actions, ","))
			return nil
		},
	}

	cmd.Flags().StringSlice("paths", nil, "restrict the grant to these path prefixes")
	cmd.Flags().Duration("ttl", 0, "grant lifetime (e.g. 24h); zero means no expiry")
	return cmd
}

func newPermissionsRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <permission-id>",
		Short: "Revoke a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.perms.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	}
}

func newPermissionsRequestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests <user-id>",
		Short: "List a user's permission requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			status, _ := cmd.Flags().GetString("status")
			reqs, err := a.perms.ListRequests(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Println("No requests.")
				return nil
			}
			for _, r := range reqs {
				fmt.Printf("%s  [%s]  %s:%s  %s\n",
					r.ID, r.Status, r.Resource, strings.Join(r.Actions, ","), r.Reason)
			}
			return nil
		},
	}

	cmd.Flags().String("status", "", "filter by status (pending, approved, denied)")
	return cmd
}

// newPermissionsReviewCmd walks through pending requests interactively.
func newPermissionsReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <user-id>",
		Short: "Interactively approve or deny pending requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			pending, err := a.perms.ListRequests(cmd.Context(), args[0], permission.StatusPending)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending requests.")
				return nil
			}

			for _, req := range pending {
				scope := "unrestricted"
				if len(req.Scope.AllowedPaths) > 0 {
					scope = strings.Join(req.Scope.AllowedPaths, ", ")
				}

				var decision string
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewSelect[string]().
							Title(fmt.Sprintf("%s:%s", req.Resource, strings.Join(req.Actions, ","))).
							Description(fmt.Sprintf("Reason: %s\nScope: %s\nRequested: %s",
								req.Reason, scope, req.RequestedAt.Format(time.RFC3339))).
							Options(
								huh.NewOption("Approve", "approve"),
								huh.NewOption("Deny", "deny"),
								huh.NewOption("Skip", "skip"),
							).
							Value(&decision),
					),
				)
				if err := form.Run(); err != nil {
					return err
				}

				switch decision {
				case "approve", "deny":
					resp, err := a.perms.Respond(cmd.Context(), req.ID, decision == "approve")
					if err != nil {
						return err
					}
					fmt.Printf("%s → %s\n", req.ID, resp.Status)
				default:
					fmt.Printf("%s skipped\n", req.ID)
				}
			}
			return nil
		},
	}
}

// splitNonEmpty splits a comma-separated list, dropping empty entries.
func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
