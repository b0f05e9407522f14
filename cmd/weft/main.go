// Package main provides the CLI entry point for weft.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ndisidore/weft/internal/logfmt"
	"github.com/ndisidore/weft/pkg/address"
	"github.com/ndisidore/weft/pkg/fetch"
	"github.com/ndisidore/weft/pkg/include"
	"github.com/ndisidore/weft/pkg/slogctx"
)

// app bundles dependencies so CLI action handlers become testable methods.
type app struct {
	stdout io.Writer
	stdin  io.Reader
	isTTY  bool
}

func main() {
	a := &app{
		stdout: os.Stdout,
		stdin:  os.Stdin,
		isTTY:  term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("CI") == "",
	}

	if err := a.command().Run(context.Background(), os.Args); err != nil {
		os.Exit(1)
	}
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:  "weft",
		Usage: "flatten text resources by expanding include directives",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Usage:   "log output format (auto, pretty, json, text)",
				Value:   "auto",
				Sources: cli.EnvVars("WEFT_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("WEFT_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			format := cmd.String("format")
			if format == "auto" {
				if a.isTTY {
					format = "pretty"
				} else {
					format = "text"
				}
			}
			var level slog.Level
			if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
				return ctx, fmt.Errorf("invalid log level %q: %w", cmd.String("log-level"), err)
			}
			logger, err := logfmt.NewLogger(os.Stderr, format, level)
			if err != nil {
				return ctx, fmt.Errorf("initializing logger: %w", err)
			}
			slog.SetDefault(logger)
			return slogctx.ContextWithLogger(ctx, logger), nil
		},
		Commands: []*cli.Command{
			{
				Name:      "flatten",
				Usage:     "expand all includes of one root and write the result",
				ArgsUsage: "<file|url|->",
				Flags: append(engineFlags(),
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "write the flattened result to this file (default stdout)",
					},
					&cli.BoolFlag{
						Name:  "temp",
						Usage: "materialize into a temporary file and print its path",
					},
				),
				Action: a.flattenAction,
			},
			{
				Name:      "check",
				Usage:     "drain each root, verifying every include resolves",
				ArgsUsage: "<file|url>...",
				Flags: append(engineFlags(),
					&cli.IntFlag{
						Name:    "jobs",
						Aliases: []string{"j"},
						Usage:   "max roots checked concurrently",
						Value:   4,
					},
				),
				Action: a.checkAction,
			},
		},
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		},
	}
}

// engineFlags returns the flag set shared by commands that build a processor.
func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "pattern",
			Usage:   "include directive pattern (one capture group for the reference)",
			Value:   include.DefaultPattern,
			Sources: cli.EnvVars("WEFT_PATTERN"),
		},
		&cli.IntFlag{
			Name:    "max-nesting",
			Usage:   "max simultaneously open sources (include depth)",
			Value:   include.DefaultMaxNesting,
			Sources: cli.EnvVars("WEFT_MAX_NESTING"),
		},
		&cli.DurationFlag{
			Name:    "http-timeout",
			Usage:   "timeout for fetching network resources",
			Value:   fetch.DefaultTimeout,
			Sources: cli.EnvVars("WEFT_HTTP_TIMEOUT"),
		},
	}
}

// newProcessor builds a processor for one root argument. "-" reads stdin,
// with relative references resolving against the working directory.
func (a *app) newProcessor(ctx context.Context, cmd *cli.Command, root string) (*include.Processor, error) {
	opener := fetch.Auto{HTTP: fetch.HTTP{Client: &http.Client{Timeout: cmd.Duration("http-timeout")}}}
	opts := []include.Option{
		include.WithPattern(cmd.String("pattern")),
		include.WithMaxNesting(int(cmd.Int("max-nesting"))),
		include.WithOpener(opener),
		include.WithLogger(slogctx.FromContext(ctx)),
	}

	if root == "-" {
		return include.NewFromReader(a.stdin, opts...)
	}
	addr, err := address.Parse(root)
	if err != nil {
		return nil, err
	}
	return include.New(addr, opts...)
}

func (a *app) flattenAction(ctx context.Context, cmd *cli.Command) error {
	root := cmd.Args().First()
	if root == "" || cmd.Args().Len() > 1 {
		return errors.New("usage: weft flatten <file|url|->")
	}
	if cmd.Bool("temp") && cmd.String("output") != "" {
		return errors.New("--temp and --output are mutually exclusive")
	}

	p, err := a.newProcessor(ctx, cmd, root)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			slogctx.FromContext(ctx).Warn("closing processor", slog.String("error", cerr.Error()))
		}
	}()

	start := time.Now()
	switch {
	case cmd.Bool("temp"):
		path, err := include.Materialize(p)
		if err != nil {
			return fmt.Errorf("flattening %s: %w", root, err)
		}
		_, _ = fmt.Fprintln(a.stdout, path)
	case cmd.String("output") != "":
		if err := a.flattenToFile(p, cmd.String("output")); err != nil {
			return fmt.Errorf("flattening %s: %w", root, err)
		}
	default:
		if err := include.MaterializeTo(a.stdout, p); err != nil {
			return fmt.Errorf("flattening %s: %w", root, err)
		}
	}

	slogctx.FromContext(ctx).Debug("flatten complete",
		slog.String("root", root),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (a *app) flattenToFile(p *include.Processor, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", path, cerr)
		}
	}()
	return include.MaterializeTo(f, p)
}

func (a *app) checkAction(ctx context.Context, cmd *cli.Command) error {
	roots := cmd.Args().Slice()
	if len(roots) == 0 {
		return errors.New("usage: weft check <file|url>...")
	}

	// Each root gets its own processor; a processor is never shared across
	// goroutines.
	var g errgroup.Group
	g.SetLimit(int(cmd.Int("jobs")))
	counts := make([]int, len(roots))
	for i, root := range roots {
		g.Go(func() error {
			rctx := slogctx.With(ctx, slog.String("root", root))
			p, err := a.newProcessor(rctx, cmd, root)
			if err != nil {
				return fmt.Errorf("%s: %w", root, err)
			}
			defer func() { _ = p.Close() }()
			n := 0
			for _, err := range p.All() {
				if err != nil {
					return fmt.Errorf("%s: %w", root, err)
				}
				n++
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, root := range roots {
		_, _ = fmt.Fprintf(a.stdout, "%s: %d line(s)\n", root, counts[i])
	}
	return nil
}
