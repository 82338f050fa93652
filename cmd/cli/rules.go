package main

import (
	"fmt"

	"monidesk/internal/config"
	"monidesk/internal/services"

	"github.com/spf13/cobra"
)

var rulesBusinessID uint

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List automation rules of a business",
	RunE:  runRules,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.Flags().UintVar(&rulesBusinessID, "business", 0, "business id (required)")
	_ = rulesCmd.MarkFlagRequired("business")
}

func runRules(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := cliLogger(cfg)

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	svc := services.NewAutomationService(db, logger, nil)
	rules, total, err := svc.ListRules(cmd.Context(), rulesBusinessID, &services.AutomationRuleListRequest{PageSize: 100})
	if err != nil {
		return err
	}

	fmt.Printf("%d rules\n", total)
	for _, rule := range rules {
		fmt.Printf("%6d  %-8s  v%-3d  %-24s  %s\n", rule.ID, rule.Status, rule.Version, rule.TriggerEventType, rule.Name)
	}
	return nil
}
