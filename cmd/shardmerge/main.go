package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/block/shardmerge/pkg/buildinfo"
	"github.com/block/shardmerge/pkg/config"
	"github.com/block/shardmerge/pkg/sharding"
	"github.com/block/shardmerge/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
)

// Set with -ldflags by release builds.
var (
	version string
	commit  string
	date    string
)

type Globals struct {
	Config       string        `name:"config" short:"c" help:"Path to the YAML configuration file." type:"existingfile"`
	DefaultsFile string        `name:"defaults-file" help:"MySQL option file with a [client] section holding credentials." type:"existingfile"`
	Timeout      time.Duration `name:"timeout" help:"Abort the command after this long." default:"1m"`
}

var stdout io.Writer = os.Stdout

type QueryCmd struct {
	SQL  string   `arg:"" help:"SELECT statement against logical tables."`
	Args []string `arg:"" optional:"" help:"Values of the ? parameters."`
}

type ExplainCmd struct {
	SQL  string   `arg:"" help:"SELECT statement against logical tables."`
	Args []string `arg:"" optional:"" help:"Values of the ? parameters."`
}

type InitCmd struct{}

type VersionCmd struct{}

var cli struct {
	Globals

	Query   QueryCmd   `cmd:"" help:"Run a query across shards and print the merged rows."`
	Explain ExplainCmd `cmd:"" help:"Print the shards a query routes to and the SQL each one runs."`
	Init    InitCmd    `cmd:"" help:"Register the physical tables and create the missing ones."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("shardmerge"),
		kong.Description("shardmerge: query sharded tables as if they were one"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

// open loads the configuration and returns an initialized runtime.
func (g *Globals) open(ctx context.Context) (*sharding.Runtime, error) {
	if g.Config == "" {
		return nil, errors.New("--config is required")
	}
	cfg, err := config.LoadConfig(g.Config)
	if err != nil {
		return nil, err
	}
	creds, err := config.LoadCredentials(g.DefaultsFile)
	if err != nil {
		return nil, fmt.Errorf("could not read defaults file: %w", err)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	sink, err := sharding.NewSink(cfg.Metrics, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	return sharding.Open(ctx, cfg, creds, logger, sink)
}

func (g *Globals) context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func (c *QueryCmd) Run(g *Globals) error {
	ctx, cancel := g.context()
	defer cancel()
	r, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer utils.CloseAndLog(r)
	rows, err := r.Query(ctx, c.SQL, parseArgs(c.Args)...)
	if err != nil {
		return err
	}
	defer utils.CloseAndLog(rows)
	return printRows(stdout, rows)
}

func (c *ExplainCmd) Run(g *Globals) error {
	ctx, cancel := g.context()
	defer cancel()
	r, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer utils.CloseAndLog(r)
	plan, err := r.Explain(c.SQL, parseArgs(c.Args)...)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, plan.String())
	return err
}

func (c *InitCmd) Run(g *Globals) error {
	ctx, cancel := g.context()
	defer cancel()
	// opening the runtime initializes it
	r, err := g.open(ctx)
	if err != nil {
		return err
	}
	for _, meta := range r.Metadata().Entities() {
		names, err := r.Router().DataSourceNames(meta.Entity)
		if err != nil {
			return errors.Join(err, r.Close())
		}
		tails, err := r.Router().Tails(meta.Entity)
		if err != nil {
			return errors.Join(err, r.Close())
		}
		fmt.Fprintf(stdout, "%s: %d data source(s), %d table(s) each\n", meta.Entity, len(names), len(tails))
	}
	return r.Close()
}

func (c *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintln(stdout, buildinfo.Resolve(version, commit, date))
	return err
}

// parseArgs turns command line parameters into integers or floats where
// they parse as such, and leaves the rest as strings.
func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
			out[i] = n
		} else if f, err := strconv.ParseFloat(arg, 64); err == nil {
			out[i] = f
		} else {
			out[i] = arg
		}
	}
	return out
}

func printRows(w io.Writer, rows *sharding.Rows) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(rows.Columns(), "\t"))
	n := 0
	for rows.Next() {
		values := rows.Values()
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n", n)
	return err
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
