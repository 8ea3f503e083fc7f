package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ashureev/parcel-chat/internal/rules"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect rule tables",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Load a rule table in strict mode and print a summary",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := os.Getenv("RULES_PATH")
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			path = "./rules/rules.yaml"
		}
		return validateRules(cmd.OutOrStdout(), path)
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
}

func validateRules(out io.Writer, path string) error {
	table, err := rules.Load(path, rules.Options{Strict: true})
	if err != nil {
		return fmt.Errorf("rule table %s is invalid: %w", path, err)
	}

	fmt.Fprintf(out, "%s: ok\n", path)
	fmt.Fprintf(out, "  bot:            %s\n", table.BotName())
	fmt.Fprintf(out, "  response delay: %s\n", table.ResponseDelay())
	fmt.Fprintf(out, "  initial set:    %s\n", table.Initial().Key)
	fmt.Fprintf(out, "  option sets:    %d\n", len(table.Sets()))
	fmt.Fprintf(out, "  nodes:          %d\n", table.NodeCount())
	for _, s := range table.Sets() {
		fmt.Fprintf(out, "    %-16s %d options\n", s.Key, len(s.Nodes))
	}
	return nil
}
