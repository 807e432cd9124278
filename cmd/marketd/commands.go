package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/mcp"
	"agentwork-backend/services"
	storage "agentwork-backend/storage/marketplace"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one auto-resolution sweep and exit",
	Long: `Approve reviews past their timeout, resolve disputes past their response
deadline, retry pending payouts and advance stalled workflows, then print
what changed.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.notifier.Start(ctx)
	report, err := a.market.Resolver.Sweep(ctx)
	a.notifier.Close()
	if err != nil {
		printStatus("✗", fmt.Sprintf("Sweep failed: %v", err), color.FgRed)
		return err
	}
	printReport(report)
	return nil
}

func printReport(r services.SweepReport) {
	if r.IsEmpty() {
		printStatus("✓", "Nothing to do", color.FgGreen)
	}
	rows := []struct {
		label string
		n     int
	}{
		{"Reviews auto-approved", r.ReviewsApproved},
		{"Disputes auto-resolved", r.DisputesResolved},
		{"Payouts retried", r.PayoutsAttempted},
		{"Payouts confirmed", r.PayoutsConfirmed},
		{"Workflows advanced", r.WorkflowsAdvanced},
	}
	for _, row := range rows {
		if row.n > 0 {
			printStatus("✓", fmt.Sprintf("%s: %d", row.label, row.n), color.FgGreen)
		}
	}
	if r.PayoutsAttempted > r.PayoutsConfirmed {
		printStatus("⚠", fmt.Sprintf("Payouts still pending: %d", r.PayoutsAttempted-r.PayoutsConfirmed), color.FgYellow)
	}
	if r.SkippedUnfunded > 0 {
		printStatus("⚠", fmt.Sprintf("Unfunded tasks skipped: %d", r.SkippedUnfunded), color.FgYellow)
	}
	if r.Escalated > 0 {
		printStatus("✗", fmt.Sprintf("Escalated for manual review: %d", r.Escalated), color.FgRed)
	}
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Driver != "postgres" {
			return fmt.Errorf("migrate needs store.driver postgres, got %q", cfg.Store.Driver)
		}
		s, err := storage.NewPGStore(context.Background(), cfg.Store.PGDSN)
		if err != nil {
			return err
		}
		s.Close()
		printStatus("✓", "Schema is up to date", color.FgGreen)
		return nil
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Work with workflow definitions",
}

var workflowValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a YAML workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		def, err := marketplace.ParseWorkflowDefinition(data)
		if err != nil {
			printStatus("✗", err.Error(), color.FgRed)
			return err
		}
		var total marketplace.USDC
		for _, s := range def.Steps {
			total += s.Budget
		}
		printStatus("✓", fmt.Sprintf("%s: %d steps, %s USDC total", def.Name, len(def.Steps), total), color.FgGreen)
		for i, s := range def.Steps {
			fmt.Printf("  %d. %s (%s USDC) %v\n", i+1, s.Title, s.Budget, s.RequiredSkills)
		}
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var (
	keyKind   string
	keyID     string
	keyWallet string
	keyAdmin  bool
)

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an API key and print a keys-file entry for it",
	RunE: func(cmd *cobra.Command, args []string) error {
		id := marketplace.Identity{Kind: marketplace.IdentityKind(keyKind), ID: keyID, Wallet: keyWallet, Admin: keyAdmin}
		key, err := mcp.NewKeyStore().Issue(id)
		if err != nil {
			return err
		}
		fmt.Printf("keys:\n  - key: %s\n    kind: %s\n    id: %s\n", key, id.Kind, id.ID)
		if id.Wallet != "" {
			fmt.Printf("    wallet: %s\n", id.Wallet)
		}
		if id.Admin {
			fmt.Printf("    admin: true\n")
		}
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowValidateCmd)

	keysGenerateCmd.Flags().StringVar(&keyKind, "kind", "agent", "Identity kind (agent|client|human)")
	keysGenerateCmd.Flags().StringVar(&keyID, "id", "", "Identity id")
	keysGenerateCmd.Flags().StringVar(&keyWallet, "wallet", "", "Wallet address")
	keysGenerateCmd.Flags().BoolVar(&keyAdmin, "admin", false, "Grant admin rights")
	_ = keysGenerateCmd.MarkFlagRequired("id")
	keysCmd.AddCommand(keysGenerateCmd)
}
