package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/config"
	"github.com/urfave/cli/v3"
)

var validateCmd = &cli.Command{
	Name:    "validate",
	Aliases: []string{"lint"},
	Usage:   "Validate a configuration file",
	Flags:   []cli.Flag{configFlag()},
	Action:  validateAction,
}

func validateAction(_ context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	if cmd.Args().Len() > 0 {
		configPath = cmd.Args().Get(0)
	}
	summary, err := validateFile(configPath)
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}

// validateFile loads path and renders a summary of it. Load already applies
// defaults and validates.
func validateFile(path string) (string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	return renderConfigSummary(path, cfg), nil
}

func renderConfigSummary(path string, cfg *config.Config) string {
	var summary strings.Builder

	fmt.Fprintf(&summary, "Configuration file %s is valid\n", path)
	fmt.Fprintf(&summary, "- Listen: %s%s\n", cfg.Server.Addr, cfg.Server.Path)
	if cfg.Database.Path != "" {
		fmt.Fprintf(&summary, "- Database: %s\n", cfg.Database.Path)
	}
	fmt.Fprintf(&summary, "- Tenants: %d\n", len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		names := make([]string, 0, len(t.Upstreams))
		for _, u := range t.Upstreams {
			names = append(names, u.Name)
		}
		fmt.Fprintf(&summary, "  - %s: %s\n", t.Name, strings.Join(names, ", "))
	}
	return strings.TrimRight(summary.String(), "\n")
}
