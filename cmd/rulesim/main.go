// Command rulesim runs rule simulations offline: it loads candidate rules
// from a YAML file and evaluates them against a synthetic context stream
// over a date range, without a database or a running server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/medplan/rules/rules"
)

var (
	rulesFile string
	startStr  string
	endStr    string
	ctxName   string
)

func main() {
	root := &cobra.Command{
		Use:           "rulesim",
		Short:         "Simulate scheduling rules over a date range",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&rulesFile, "rules", "f", "rules.yaml", "YAML file holding candidate rules")
	root.PersistentFlags().StringVar(&startStr, "start", "", "simulation start date (YYYY-MM-DD)")
	root.PersistentFlags().StringVar(&endStr, "end", "", "simulation end date (YYYY-MM-DD)")
	root.PersistentFlags().StringVar(&ctxName, "context", "", "context name attached to every simulated day")

	root.AddCommand(simulateCmd(), compareCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func simulateCmd() *cobra.Command {
	var ruleID string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate one rule and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadRules(rulesFile)
			if err != nil {
				return err
			}
			rule, err := pickRule(loaded, ruleID)
			if err != nil {
				return err
			}
			start, end, err := parseRange(startStr, endStr)
			if err != nil {
				return err
			}

			sim, err := rules.NewSimulator()
			if err != nil {
				return err
			}
			report, err := sim.SimulateRule(cmd.Context(), rule, start, end,
				rules.SyntheticSource{Context: ctxName})
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().StringVar(&ruleID, "rule", "", "ID of the rule to simulate (default: first in file)")
	return cmd
}

func compareCmd() *cobra.Command {
	var aID, bID string

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Simulate two rules and print their divergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadRules(rulesFile)
			if err != nil {
				return err
			}
			a, err := pickRule(loaded, aID)
			if err != nil {
				return err
			}
			var b *rules.Rule
			if bID == "" && len(loaded) > 1 {
				b = loaded[1]
			} else if b, err = pickRule(loaded, bID); err != nil {
				return err
			}
			if a.ID == b.ID {
				return fmt.Errorf("compare needs two distinct rules, got %q twice", a.ID)
			}
			start, end, err := parseRange(startStr, endStr)
			if err != nil {
				return err
			}

			sim, err := rules.NewSimulator()
			if err != nil {
				return err
			}
			cmpResult, err := sim.CompareRules(cmd.Context(), a, b, start, end,
				rules.SyntheticSource{Context: ctxName})
			if err != nil {
				return err
			}
			return printJSON(cmpResult)
		},
	}
	cmd.Flags().StringVar(&aID, "a", "", "ID of the first rule")
	cmd.Flags().StringVar(&bID, "b", "", "ID of the second rule (default: second in file)")
	return cmd
}

// ruleFile is the YAML document format: a top-level list of rules.
type ruleFile struct {
	Rules []*rules.Rule `yaml:"rules"`
}

func loadRules(path string) ([]*rules.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("no rules found in %s", path)
	}
	return f.Rules, nil
}

// pickRule returns the rule with the given ID, or the first rule in the
// file when id is empty.
func pickRule(loaded []*rules.Rule, id string) (*rules.Rule, error) {
	if id == "" {
		return loaded[0], nil
	}
	for _, r := range loaded {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("rule %q not found in file", id)
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--start and --end are required")
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date: %w", err)
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date: %w", err)
	}
	return start, end, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
