// Package cmd provides command-line interface commands for Corvus.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"corvus/bootstrap"
	"corvus/core"
	"corvus/detect"
	"corvus/storage"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

const (
	maxRuleFileSize = 10 * 1024 * 1024
	defaultTimeout  = 2 * time.Minute
)

// ruleFile is the on-disk YAML layout for rule definitions.
type ruleFile struct {
	StreamRules []streamRuleSpec `yaml:"stream_rules"`
	BatchRules  []batchRuleSpec  `yaml:"batch_rules"`
}

type streamRuleSpec struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Enabled     *bool    `yaml:"enabled"`
	Severity    string   `yaml:"severity"`
	WindowS     int      `yaml:"window_s"`
	Threshold   int      `yaml:"threshold"`
	Expr        string   `yaml:"expr"`
	EntityField string   `yaml:"entity_field"`
	GroupBy     []string `yaml:"group_by"`
}

type batchRuleSpec struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
	IntervalS   int    `yaml:"interval_s"`
	LookbackS   int    `yaml:"lookback_s"`
	SQL         string `yaml:"sql"`
}

func (s *streamRuleSpec) toRule() core.StreamRule {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return core.StreamRule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Enabled:     enabled,
		Severity:    core.Severity(s.Severity),
		Window:      time.Duration(s.WindowS) * time.Second,
		Threshold:   s.Threshold,
		Expr:        s.Expr,
		EntityField: s.EntityField,
		GroupBy:     s.GroupBy,
	}
}

func (b *batchRuleSpec) toRule() core.BatchRule {
	enabled := true
	if b.Enabled != nil {
		enabled = *b.Enabled
	}
	return core.BatchRule{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		Enabled:     enabled,
		Interval:    time.Duration(b.IntervalS) * time.Second,
		Lookback:    time.Duration(b.LookbackS) * time.Second,
		SQLTemplate: b.SQL,
	}
}

// NewRulesCmd creates the root rules command with all subcommands.
func NewRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage correlation rules",
		Long: `Validate and import correlation rule definitions.

Rule files are YAML documents with stream_rules and batch_rules lists.
Stream rule predicates are compiled during validation, so syntax errors
surface before a rule reaches the engine.`,
	}

	rulesCmd.AddCommand(newValidateCmd())
	rulesCmd.AddCommand(newImportCmd())
	return rulesCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a rule file without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := loadRuleFile(args[0])
			if err != nil {
				return err
			}
			bad := validateRules(rf)
			total := len(rf.StreamRules) + len(rf.BatchRules)
			if bad > 0 {
				errorColor.Printf("%d of %d rules invalid\n", bad, total)
				return fmt.Errorf("validation failed")
			}
			successColor.Printf("All %d rules valid\n", total)
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a rule file and write its rules to the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := loadRuleFile(args[0])
			if err != nil {
				return err
			}
			if bad := validateRules(rf); bad > 0 {
				errorColor.Printf("Refusing to import: %d invalid rules\n", bad)
				return fmt.Errorf("validation failed")
			}

			_, sugar, err := bootstrap.InitLogger()
			if err != nil {
				return err
			}
			cfg, err := bootstrap.InitConfig(sugar)
			if err != nil {
				return err
			}
			clickhouse, err := storage.NewClickHouse(cfg, sugar)
			if err != nil {
				return err
			}
			defer clickhouse.Close()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			if err := clickhouse.CreateTablesIfNotExist(ctx); err != nil {
				return err
			}
			store := storage.NewClickHouseRuleStorage(clickhouse, sugar)

			for i := range rf.StreamRules {
				rule := rf.StreamRules[i].toRule()
				if err := store.InsertStreamRule(ctx, &rule); err != nil {
					return fmt.Errorf("import stream rule %s: %w", rule.ID, err)
				}
				infoColor.Printf("  stream  %s  %s\n", rule.ID, rule.Name)
			}
			for i := range rf.BatchRules {
				rule := rf.BatchRules[i].toRule()
				if err := store.InsertBatchRule(ctx, &rule); err != nil {
					return fmt.Errorf("import batch rule %s: %w", rule.ID, err)
				}
				infoColor.Printf("  batch   %s  %s\n", rule.ID, rule.Name)
			}
			successColor.Printf("Imported %d rules\n", len(rf.StreamRules)+len(rf.BatchRules))
			return nil
		},
	}
}

func loadRuleFile(path string) (*ruleFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read rule file: %w", err)
	}
	if info.Size() > maxRuleFileSize {
		return nil, fmt.Errorf("rule file too large (%d bytes, max %d)", info.Size(), maxRuleFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read rule file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(rf.StreamRules) == 0 && len(rf.BatchRules) == 0 {
		return nil, fmt.Errorf("rule file contains no rules")
	}
	return &rf, nil
}

// validateRules checks every rule and prints a line per problem. It returns
// the number of invalid rules.
func validateRules(rf *ruleFile) int {
	bad := 0
	for i := range rf.StreamRules {
		rule := rf.StreamRules[i].toRule()
		if err := rule.Validate(); err != nil {
			warningColor.Printf("stream rule %s: %v\n", rule.ID, err)
			bad++
			continue
		}
		if _, err := detect.Compile(rule.Expr); err != nil {
			warningColor.Printf("stream rule %s: bad predicate: %v\n", rule.ID, err)
			bad++
		}
	}
	for i := range rf.BatchRules {
		rule := rf.BatchRules[i].toRule()
		if err := rule.Validate(); err != nil {
			warningColor.Printf("batch rule %s: %v\n", rule.ID, err)
			bad++
		}
	}
	return bad
}
