package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"banggood-pipeline/api"
	"banggood-pipeline/config"
	"banggood-pipeline/models"
	"banggood-pipeline/pipeline"
	"banggood-pipeline/scraper"
	"banggood-pipeline/services"
	"banggood-pipeline/storage"
	"banggood-pipeline/utils"
)

func main() {
	app := &cli.App{
		Name:  "banggood-pipeline",
		Usage: "Scrape product listings into a scored daily snapshot store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); overrides LOG_LEVEL",
				EnvVars: []string{"PIPELINE_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			topCommand(),
			rollupCommand(),
			trendCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env holds what every command needs.
type env struct {
	cfg    *config.Config
	logger *utils.Logger
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return &env{cfg: cfg, logger: utils.NewLoggerWith(cfg.Env, cfg.LogLevel)}, nil
}

func openStore(ctx context.Context, e *env, dryRun bool) (storage.Store, error) {
	if dryRun {
		e.logger.Info("[main] Dry run: using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(ctx, e.cfg.DSN(), e.logger)
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(models.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be YYYY-MM-DD", raw)
	}
	return t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// RUN COMMAND
// =============================================================================

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run one scrape batch and print the insights report",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "Target as kind:value (category:power-tools, search:usb drill); overrides TARGETS",
			},
			&cli.StringFlag{
				Name:  "snapshot-date",
				Usage: "Stamp every record with this date (YYYY-MM-DD) instead of the scrape day",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Keep results in memory instead of PostgreSQL",
			},
			&cli.IntFlag{
				Name:  "top",
				Value: 5,
				Usage: "Number of products in each report list",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			cfg, logger := e.cfg, e.logger

			targets := cfg.Targets
			if raw := c.StringSlice("target"); len(raw) > 0 {
				targets = nil
				for _, t := range raw {
					parsed, err := config.ParseTargets(t)
					if err != nil {
						return err
					}
					targets = append(targets, parsed...)
				}
			}
			if len(targets) == 0 {
				return errors.New("no targets: set TARGETS or pass --target")
			}
			snapshotDate, err := parseDate(c.String("snapshot-date"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("=== Product pipeline starting ===")
			logger.Info("Config: %d targets | pages: %d | concurrency: %d | interval: %v | bounds: %s/%s",
				len(targets), cfg.Policy.MaxPages, cfg.Policy.MaxConcurrency, cfg.Policy.MinInterval,
				cfg.NormalizationScope, cfg.BoundsStrategy)

			store, err := openStore(ctx, e, c.Bool("dry-run"))
			if err != nil {
				logger.Error("Failed to open product store: %v", err)
				logger.Error("Make sure Docker is running: docker compose up -d")
				return err
			}
			defer store.Close()

			var loader scraper.PageLoader
			if cfg.FetchMode == config.FetchBrowser {
				browser, err := scraper.NewBrowserLoader(cfg.ChromeBin, cfg.UserAgent, logger)
				if err != nil {
					return err
				}
				defer browser.Close()
				loader = browser
			} else {
				loader = scraper.NewHTTPLoader(nil, cfg.UserAgent)
			}

			selectors := services.DefaultSelectors()
			selectors.Card = cfg.CardSelector
			runner := pipeline.NewRunner(cfg,
				scraper.NewFetcher(cfg, loader, logger),
				services.NewParser(selectors, logger),
				services.NewCleaner(cfg, logger),
				store, logger)

			if cfg.BoundsStrategy == config.BoundsRunning {
				bounds, err := storage.NewRedisBoundsStore(ctx, cfg.RedisAddr, cfg.RedisDB, logger)
				if err != nil {
					return err
				}
				defer bounds.Close()
				runner.WithBounds(bounds)
			}

			rejects, err := storage.NewRejectsCSVWriter(cfg.RejectsCSVPath)
			if err != nil {
				logger.Warn("Rejected records will not be audited: %v", err)
			} else {
				defer rejects.Close()
				runner.WithRejects(rejects)
			}

			summary, runErr := runner.Run(ctx, pipeline.BatchRequest{
				Targets:      targets,
				Policy:       cfg.Policy,
				Weights:      cfg.Weights,
				SnapshotDate: snapshotDate,
			})

			insights := services.NewInsightService(store, logger).WithAliases(cfg.CategoryAliases)
			asOf := snapshotDate
			if asOf.IsZero() {
				asOf = models.DateOf(summary.StartedAt, cfg.SnapshotLocation)
			}
			report, err := insights.Generate(context.Background(), asOf, c.Int("top"))
			if err != nil {
				logger.Error("Failed to build insights report: %v", err)
				report = &services.Report{AsOf: asOf}
			}
			report.Summary = &summary
			insights.Print(os.Stdout, report)

			return runErr
		},
	}
}

// =============================================================================
// QUERY COMMANDS
// =============================================================================

func withInsights(c *cli.Context, fn func(ctx context.Context, s *services.InsightService) error) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	store, err := openStore(c.Context, e, false)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(c.Context, services.NewInsightService(store, e.logger).WithAliases(e.cfg.CategoryAliases))
}

var includeInvalidFlag = &cli.BoolFlag{
	Name:  "include-invalid",
	Usage: "Include snapshots flagged invalid",
}

func topCommand() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "List the top products of a category by a metric",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Category (empty for all)"},
			&cli.StringFlag{Name: "metric", Aliases: []string{"m"}, Value: string(models.MetricValueScore),
				Usage: "value_score, popularity_index, price, rating or review_count"},
			&cli.IntFlag{Name: "n", Value: 10, Usage: "Number of products"},
			&cli.StringFlag{Name: "as-of", Usage: "Snapshot date YYYY-MM-DD (default today)"},
			includeInvalidFlag,
		},
		Action: func(c *cli.Context) error {
			asOf, err := parseDate(c.String("as-of"))
			if err != nil {
				return err
			}
			return withInsights(c, func(ctx context.Context, s *services.InsightService) error {
				rows, err := s.TopN(ctx, models.TopQuery{
					Category:       c.String("category"),
					Metric:         models.Metric(c.String("metric")),
					N:              c.Int("n"),
					AsOf:           asOf,
					IncludeInvalid: c.Bool("include-invalid"),
				})
				if err != nil {
					return err
				}
				return printJSON(rows)
			})
		},
	}
}

func rollupCommand() *cli.Command {
	return &cli.Command{
		Name:  "rollup",
		Usage: "Aggregate the latest snapshot of every product per category",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "as-of", Usage: "Snapshot date YYYY-MM-DD (default today)"},
			includeInvalidFlag,
		},
		Action: func(c *cli.Context) error {
			asOf, err := parseDate(c.String("as-of"))
			if err != nil {
				return err
			}
			return withInsights(c, func(ctx context.Context, s *services.InsightService) error {
				rows, err := s.CategoryRollup(ctx, models.RollupQuery{AsOf: asOf, IncludeInvalid: c.Bool("include-invalid")})
				if err != nil {
					return err
				}
				return printJSON(rows)
			})
		},
	}
}

func trendCommand() *cli.Command {
	return &cli.Command{
		Name:  "trend",
		Usage: "Show the snapshot history of one product",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Required: true, Usage: "Product id"},
			&cli.StringFlag{Name: "from", Usage: "First date YYYY-MM-DD (default: beginning of history)"},
			&cli.StringFlag{Name: "to", Usage: "Last date YYYY-MM-DD (default today)"},
			includeInvalidFlag,
		},
		Action: func(c *cli.Context) error {
			from, err := parseDate(c.String("from"))
			if err != nil {
				return err
			}
			to, err := parseDate(c.String("to"))
			if err != nil {
				return err
			}
			return withInsights(c, func(ctx context.Context, s *services.InsightService) error {
				rows, err := s.Trend(ctx, models.TrendQuery{
					ProductID:      c.String("id"),
					From:           from,
					To:             to,
					IncludeInvalid: c.Bool("include-invalid"),
				})
				if err != nil {
					return err
				}
				return printJSON(rows)
			})
		},
	}
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the read-only query API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address; overrides API_ADDR"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			addr := e.cfg.APIAddr
			if a := c.String("addr"); a != "" {
				addr = a
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, e, false)
			if err != nil {
				return err
			}
			defer store.Close()

			insights := services.NewInsightService(store, e.logger).WithAliases(e.cfg.CategoryAliases)
			handler := api.NewQueryHandler(e.logger.Zap(), insights)
			app := api.NewApp(store, handler)

			errCh := make(chan error, 1)
			go func() {
				e.logger.Info("[api] Listening on %s", addr)
				errCh <- app.Listen(addr)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				e.logger.Info("[api] Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return app.ShutdownWithContext(shutdownCtx)
			}
		},
	}
}
