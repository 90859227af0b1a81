package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect deployment sessions",
	}

	cmd.AddCommand(newSessionsListCommand())
	cmd.AddCommand(newSessionsShowCommand())
	return cmd
}

func newSessionsListCommand() *cobra.Command {
	var (
		tenant string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List a tenant's sessions, newest first",
		Example: `  gcrew sessions list --tenant acme --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(ctx, tenant, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tUSER\tRESOURCES\tCOST\tEXPIRES")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\n",
					s.ID, s.State, s.User, len(s.Resources), s.CostEstimate,
					s.ExpiresAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant identifier")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset into the result set")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newSessionsShowCommand() *cobra.Command {
	var (
		tenant    string
		withAudit bool
	)

	cmd := &cobra.Command{
		Use:     "show <session-id>",
		Short:   "Show one session with its audit trail",
		Args:    cobra.ExactArgs(1),
		Example: `  gcrew sessions show --tenant acme 6f1b2c3d-... --audit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			store, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			sess, err := store.GetSession(ctx, tenant, id)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			}

			fmt.Printf("id:        %s\n", sess.ID)
			fmt.Printf("tenant:    %s\n", sess.TenantID)
			fmt.Printf("state:     %s\n", sess.State)
			fmt.Printf("user:      %s\n", sess.User)
			fmt.Printf("provider:  %s\n", sess.Provider)
			fmt.Printf("digest:    %s\n", sess.ProjectDigest)
			fmt.Printf("cost:      %.2f\n", sess.CostEstimate)
			fmt.Printf("created:   %s\n", sess.CreatedAt.Format(time.RFC3339))
			fmt.Printf("expires:   %s\n", sess.ExpiresAt.Format(time.RFC3339))
			if sess.Approver != "" {
				fmt.Printf("approver:  %s\n", sess.Approver)
			}
			if sess.AppliedAt != nil {
				fmt.Printf("applied:   %s\n", sess.AppliedAt.Format(time.RFC3339))
			}
			if sess.Summary != nil {
				fmt.Printf("plan:      +%d ~%d -%d\n",
					sess.Summary.ToCreate, sess.Summary.ToUpdate, sess.Summary.ToDelete)
			}
			if sess.Progress.Total > 0 {
				fmt.Printf("progress:  %d/%d\n", sess.Progress.Completed, sess.Progress.Total)
			}
			if sess.LastError != "" {
				fmt.Printf("error:     %s\n", sess.LastError)
				for _, line := range sess.FailureExcerpt {
					fmt.Printf("  | %s\n", line)
				}
			}
			for _, r := range sess.Resources {
				fmt.Printf("resource:  %s %s (count %d, %.2f/mo)\n", r.Type, r.Name, r.Count, r.MonthlyCost)
			}

			if withAudit {
				events, err := store.ListAuditEvents(ctx, tenant, 100, 0)
				if err != nil {
					return err
				}
				fmt.Println("audit:")
				for _, ev := range events {
					if ev.SessionID != sess.ID {
						continue
					}
					fmt.Printf("  %s  %-20s %s  %s\n",
						ev.CreatedAt.Format(time.RFC3339), ev.Action, ev.Actor, ev.Details)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant identifier")
	cmd.Flags().BoolVar(&withAudit, "audit", false, "include the session's audit events")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
