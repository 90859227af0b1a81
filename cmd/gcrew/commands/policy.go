package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/groundcrew/groundcrew/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and update tenant policy profiles",
	}

	cmd.AddCommand(newPolicyShowCommand())
	cmd.AddCommand(newPolicySetCommand())
	return cmd
}

func newPolicyShowCommand() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a tenant's policy profile",
		Example: `  gcrew policy show --tenant acme
  gcrew policy show --tenant acme --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			profile, err := store.GetProfile(ctx, tenant)
			if err != nil {
				return err
			}
			if profile == nil {
				fmt.Printf("tenant %s has no stored profile; defaults apply:\n", tenant)
				profile = policy.DefaultProfile(tenant)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(profile)
			}

			fmt.Printf("tenant:            %s\n", profile.TenantID)
			fmt.Printf("budget ceiling:    %.2f\n", profile.BudgetCeiling)
			fmt.Printf("instance ceiling:  %d\n", profile.InstanceCeiling)
			fmt.Printf("disk ceiling (GB): %d\n", profile.DiskCeilingGB)
			fmt.Printf("instance types:    %s\n", allowList(profile.AllowedInstanceTypes))
			fmt.Printf("resource types:    %s\n", allowList(profile.AllowedResourceTypes))
			fmt.Printf("approval required: %v\n", profile.ApprovalRequired)
			fmt.Printf("engine:            %s\n", profile.Engine)
			if profile.Rules != "" {
				fmt.Printf("inline rules:      %d bytes\n", len(profile.Rules))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant identifier")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newPolicySetCommand() *cobra.Command {
	var (
		tenant        string
		budget        float64
		instances     int
		diskGB        int
		approval      bool
		engine        string
		rulesFile     string
		instanceTypes []string
		resourceTypes []string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update a tenant's policy profile",
		Long: `Update a tenant's policy profile. Only the flags given are changed;
everything else keeps its current (or default) value.`,
		Example: `  # Tighten the budget and require approval
  gcrew policy set --tenant acme --budget 500 --approval

  # Restrict instance types and switch the engine
  gcrew policy set --tenant acme --allow-instance-type e2-small,e2-medium --engine tofu

  # Attach inline Rego rules
  gcrew policy set --tenant acme --rules-file acme.rego`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			profile, err := store.EnsureProfile(ctx, tenant)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("budget") {
				profile.BudgetCeiling = budget
			}
			if flags.Changed("instances") {
				profile.InstanceCeiling = instances
			}
			if flags.Changed("disk") {
				profile.DiskCeilingGB = diskGB
			}
			if flags.Changed("approval") {
				profile.ApprovalRequired = approval
			}
			if flags.Changed("engine") {
				profile.Engine = policy.EngineVariant(engine)
			}
			if flags.Changed("allow-instance-type") {
				profile.AllowedInstanceTypes = instanceTypes
			}
			if flags.Changed("allow-resource-type") {
				profile.AllowedResourceTypes = resourceTypes
			}
			if flags.Changed("rules-file") {
				data, err := os.ReadFile(rulesFile)
				if err != nil {
					return fmt.Errorf("failed to read rules file: %w", err)
				}
				// Reject broken Rego before it reaches the enforcer.
				if _, err := policy.CompileRule("tenant:"+tenant, string(data)); err != nil {
					return fmt.Errorf("rules file does not compile: %w", err)
				}
				profile.Rules = string(data)
			}
			profile.UpdatedAt = time.Now().UTC()

			if err := store.UpsertProfile(ctx, profile); err != nil {
				return err
			}
			fmt.Printf("profile for tenant %s updated\n", tenant)
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant identifier")
	cmd.Flags().Float64Var(&budget, "budget", 0, "monthly budget ceiling")
	cmd.Flags().IntVar(&instances, "instances", 0, "instance count ceiling")
	cmd.Flags().IntVar(&diskGB, "disk", 0, "disk ceiling in GB")
	cmd.Flags().BoolVar(&approval, "approval", true, "require human approval before apply")
	cmd.Flags().StringVar(&engine, "engine", "", "engine variant (terraform, tofu)")
	cmd.Flags().StringVar(&rulesFile, "rules-file", "", "Rego rules file to attach")
	cmd.Flags().StringSliceVar(&instanceTypes, "allow-instance-type", nil, "allowed instance types (empty allows all)")
	cmd.Flags().StringSliceVar(&resourceTypes, "allow-resource-type", nil, "allowed resource types (empty allows all)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func allowList(types []string) string {
	if len(types) == 0 {
		return "(all)"
	}
	return strings.Join(types, ", ")
}
