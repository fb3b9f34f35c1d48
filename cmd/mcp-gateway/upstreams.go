package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/config"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/router"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/store"
	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/upstream"
	"github.com/urfave/cli/v3"
)

var upstreamsCmd = &cli.Command{
	Name:  "upstreams",
	Usage: "Manage upstreams registered in the gateway database",
	Flags: []cli.Flag{
		configFlag(),
		&cli.StringFlag{
			Name:  "db",
			Usage: "Path to the SQLite database; overrides database.path",
		},
		&cli.StringFlag{
			Name:    "tenant",
			Aliases: []string{"t"},
			Usage:   "Tenant to operate on",
			Value:   config.DefaultTenant,
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List a tenant's upstreams",
			Action: upstreamsListAction,
		},
		{
			Name:      "add",
			Usage:     "Register or replace an upstream",
			ArgsUsage: "NAME",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "endpoint", Usage: "MCP URL of an HTTP upstream"},
				&cli.StringFlag{Name: "command", Usage: "Command launching a stdio upstream"},
				&cli.StringSliceFlag{Name: "arg", Usage: "Argument for the stdio command (repeatable)"},
				&cli.StringSliceFlag{Name: "header", Usage: "HTTP header as Key=Value (repeatable)"},
				&cli.StringFlag{Name: "credentials", Usage: "Credentials reference, for example env:API_TOKEN"},
				&cli.DurationFlag{Name: "timeout", Usage: "Per-call timeout for this upstream"},
				&cli.BoolFlag{Name: "disabled", Usage: "Register the upstream disabled"},
			},
			Action: upstreamsAddAction,
		},
		{
			Name:      "remove",
			Aliases:   []string{"rm"},
			Usage:     "Remove an upstream",
			ArgsUsage: "NAME",
			Action:    upstreamsRemoveAction,
		},
	},
}

// openStore resolves the database path from --db or the configuration file.
func openStore(cmd *cli.Command) (*store.Store, error) {
	path := cmd.String("db")
	if path == "" {
		cfg, err := config.Load(cmd.String("config"))
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Database.Path
	}
	if path == "" {
		return nil, errors.New("no database configured (set database.path or pass --db)")
	}
	return store.Open(path, nil)
}

func upstreamsListAction(ctx context.Context, cmd *cli.Command) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	insts, err := st.Upstreams(ctx, cmd.String("tenant"))
	if err != nil {
		return err
	}
	return printUpstreams(os.Stdout, insts)
}

func printUpstreams(w io.Writer, insts []upstream.Instance) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTRANSPORT\tTARGET\tENABLED\tID")
	for _, inst := range insts {
		target := inst.Endpoint
		if inst.IsStdio() {
			target = strings.TrimSpace(inst.Command + " " + strings.Join(inst.Args, " "))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", inst.Name, inst.TransportOf(), target, inst.Enabled, inst.ID)
	}
	return tw.Flush()
}

func upstreamsAddAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("exactly one upstream name is required")
	}
	inst, err := instanceFromFlags(cmd.Args().First(), cmd)
	if err != nil {
		return err
	}
	if err := inst.Validate(router.DefaultSeparator); err != nil {
		return err
	}

	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	stored, err := st.PutUpstream(ctx, cmd.String("tenant"), inst)
	if err != nil {
		return err
	}
	fmt.Printf("upstream %s registered for tenant %s (id %s)\n", stored.Name, cmd.String("tenant"), stored.ID)
	return nil
}

func instanceFromFlags(name string, cmd *cli.Command) (upstream.Instance, error) {
	inst := upstream.Instance{
		Name:           name,
		Endpoint:       cmd.String("endpoint"),
		Command:        cmd.String("command"),
		Args:           cmd.StringSlice("arg"),
		CredentialsRef: cmd.String("credentials"),
		Timeout:        cmd.Duration("timeout"),
		Enabled:        !cmd.Bool("disabled"),
	}
	for _, h := range cmd.StringSlice("header") {
		key, value, ok := strings.Cut(h, "=")
		if !ok || key == "" {
			return upstream.Instance{}, fmt.Errorf("header %q must be Key=Value", h)
		}
		if inst.Headers == nil {
			inst.Headers = make(map[string]string)
		}
		inst.Headers[key] = value
	}
	return inst, nil
}

func upstreamsRemoveAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("exactly one upstream name is required")
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	name := cmd.Args().First()
	if err := st.DeleteUpstream(ctx, cmd.String("tenant"), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no upstream named %q for tenant %s", name, cmd.String("tenant"))
		}
		return err
	}
	fmt.Printf("upstream %s removed\n", name)
	return nil
}
