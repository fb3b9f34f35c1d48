package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:    "mcp-gateway",
		Version: Version,
		Usage:   "Route MCP clients to many upstream MCP servers through one endpoint",
		Commands: []*cli.Command{
			serveCmd,
			validateCmd,
			upstreamsCmd,
			versionCmd,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML or TOML configuration file",
		Value:   "mcp-gateway.yaml",
		Sources: cli.EnvVars("MCP_GATEWAY_CONFIG"),
	}
}
