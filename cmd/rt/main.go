// rt runs declarative API tests against a REST service.
//
// Usage:
//
//	rt run [--config config.yaml]      Run every identity against its test groups
//	rt groups [--config config.yaml]   List discovered groups and the identities covering them
//	rt convert <file> [--out dir]      Convert an OpenAPI document or Postman collection
//	rt version                         Print the version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/bigthinkcode/rest-tester/internal/config"
	"github.com/bigthinkcode/rest-tester/internal/discovery"
	"github.com/bigthinkcode/rest-tester/internal/logging"
	"github.com/bigthinkcode/rest-tester/internal/metrics"
	"github.com/bigthinkcode/rest-tester/internal/normalize"
	"github.com/bigthinkcode/rest-tester/internal/registry"
	"github.com/bigthinkcode/rest-tester/internal/report"
	"github.com/bigthinkcode/rest-tester/internal/runner"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// errRunFailed is returned when the run completed but assertions failed or an
// identity was aborted. The summary has already been printed.
var errRunFailed = errors.New("test run failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "rt: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "rt",
		Usage:     "declarative REST API test runner",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "run the configured identities against their test groups",
				Flags: append(configFlags(),
					&cli.StringFlag{Name: "results", Usage: "write JSON results to `FILE`"},
					&cli.StringFlag{Name: "metrics", Usage: "write Prometheus metrics to `FILE`"},
					&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "print inferred schemas for failed schema assertions"},
				),
				Action: runAction,
			},
			{
				Name:   "groups",
				Usage:  "list discovered test groups",
				Flags:  configFlags(),
				Action: groupsAction,
			},
			{
				Name:      "convert",
				Usage:     "convert an OpenAPI document or Postman collection into test groups",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "parent `DIR` of the generated tree"},
					&cli.Uint64Flag{Name: "seed", Usage: "sample-data seed, 0 for random"},
					&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
					&cli.StringFlag{Name: "log-format", Value: logging.FormatText, Usage: "pretty, text or json"},
				},
				Action: convertAction,
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(c *cli.Context) error {
					_, err := fmt.Fprintf(c.App.Writer, "rt %s\n", version)
					return err
				},
			},
		},
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   config.DefaultConfigFile,
			EnvVars: []string{"RT_CONFIG"},
			Usage:   "path to the config `FILE` (yaml or json)",
		},
		&cli.StringFlag{Name: "base-url", Usage: "override http_request_settings.base_url"},
		&cli.StringFlag{Name: "dir", Usage: "override execution_settings.dir_groups_to_test"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: "log-format", Usage: "pretty, text or json"},
	}
}

// setup loads the config, applies flag overrides and builds the logger.
func setup(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}

	if v := c.String("base-url"); v != "" {
		cfg.HTTP.BaseURL = v
	}
	if v := c.String("dir"); v != "" {
		cfg.Execution.TestsDir = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.Execution.LogFormat = strings.ToLower(v)
	}
	if c.IsSet("results") {
		cfg.Execution.ResultsFile = c.String("results")
	}
	if c.IsSet("metrics") {
		cfg.Execution.MetricsFile = c.String("metrics")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level := logging.ResolveLevel(c.String("log-level"), cfg.Execution.LogLevel)
	logger, err := logging.New(cfg.Execution.LogFormat, level, c.App.ErrWriter)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		return err
	}

	sinks := report.Multi{report.NewConsole(c.App.Writer, c.Bool("verbose"))}
	if cfg.Execution.ResultsFile != "" {
		sinks = append(sinks, report.NewJSONFile(cfg.Execution.ResultsFile))
	}
	m := metrics.NewMetrics()

	logger.Info("starting run",
		"base_url", cfg.HTTP.BaseURL,
		"method", cfg.HTTP.Method,
		"dir", cfg.Execution.TestsDir,
		"identities", len(cfg.Users))

	summary, runErr := runner.New(runner.Options{
		Config:   cfg,
		Registry: reg,
		Sink:     sinks,
		Metrics:  m,
		Logger:   logger,
	}).Run(c.Context)

	if path := cfg.Execution.MetricsFile; path != "" {
		if err := m.WriteTextfile(path); err != nil {
			logger.Error("writing metrics", "error", err)
		}
	}

	if runErr != nil {
		if runner.IsFatal(runErr) {
			return fmt.Errorf("run aborted: %w", runErr)
		}
		return runErr
	}
	if !summary.OK() {
		return errRunFailed
	}
	return nil
}

func loadRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New()
	if dir := cfg.Execution.PayloadsDir; dir != "" {
		n, err := reg.LoadPayloadDir(dir)
		if err != nil {
			return nil, err
		}
		logger.Debug("loaded payloads", "dir", dir, "count", n)
	}
	if dir := cfg.Execution.ModelsDir; dir != "" {
		n, err := reg.LoadModelDir(dir)
		if err != nil {
			return nil, err
		}
		logger.Debug("loaded models", "dir", dir, "count", n)
	}
	return reg, nil
}

func groupsAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	var norm discovery.Normalizer
	if cfg.Execution.AutoConvert {
		opts := normalize.Options{Seed: cfg.Execution.Seed}
		norm = func(path string) (string, error) {
			return normalize.Normalize(path, opts, logger)
		}
	}
	repo, err := discovery.Discover(cfg.Execution.TestsDir, norm, logger)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "root: %s\n\n", repo.Root())
	for _, g := range repo.Groups() {
		var identities []string
		for _, u := range cfg.Users {
			if discovery.InScope(g.Path, u.TestGroups) {
				identities = append(identities, u.Name)
			}
		}
		covered := "-"
		if len(identities) > 0 {
			covered = strings.Join(identities, ", ")
		}
		fmt.Fprintf(w, "  %-30s %3d cases  %s\n", g.Path, len(g.Cases), covered)
	}
	return nil
}

func convertAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: rt convert <file> [--out dir]")
	}

	level := logging.ResolveLevel(c.String("log-level"), "info")
	logger, err := logging.New(c.String("log-format"), level, c.App.ErrWriter)
	if err != nil {
		return err
	}

	path := c.Args().First()
	root, err := normalize.Normalize(path, normalize.Options{
		OutputDir: c.String("out"),
		Seed:      c.Uint64("seed"),
	}, logger)
	if err != nil {
		return err
	}
	if root == path {
		return fmt.Errorf("%s is not an OpenAPI document or Postman collection", path)
	}
	_, err = fmt.Fprintln(c.App.Writer, root)
	return err
}
