package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/vexmesh/pkg/compiler"
	"github.com/polisai/vexmesh/pkg/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [rules-file]",
		Short: "Validate the configuration and compile a rule file",
		Long: `Load the configuration (from --config and the environment) and compile
every routing rule and filter in the rule file, including content regexes and
custom Rego conditions. Without an argument the configured rules_path is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "configuration: ok")

	path := cfg.RulesPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return nil
	}

	rf, err := config.LoadRuleFile(path)
	if err != nil {
		return err
	}
	rules, filters, err := rf.ToDomain()
	if err != nil {
		return err
	}

	c := compiler.New()
	_, ruleErr := c.CompileRuleSet(1, rules)
	_, filterErr := c.CompileFilterSet(1, filters)
	if err := errors.Join(ruleErr, filterErr); err != nil {
		return fmt.Errorf("rule file %s: %w", path, err)
	}
	fmt.Fprintf(out, "%s: %d rules, %d filters ok\n", path, len(rules), len(filters))
	return nil
}
