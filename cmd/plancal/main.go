package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"plancal/internal/config"
	appLog "plancal/internal/log"
	"plancal/internal/pipeline"
	"plancal/internal/source"
)

const version = "0.1.0"

// cliEnv carries the effective configuration from Before into the
// command actions.
type cliEnv struct {
	cfg *config.Config
	loc *time.Location
}

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	rt := &cliEnv{}
	app := &cli.App{
		Name:    "plancal",
		Usage:   "Translate plan/netplan calendars to iCalendar and publish them.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "/etc/plancal/config.yaml",
				Usage:   "Path to config file",
				EnvVars: []string{"PLANCAL_CONFIG"},
			},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides config)"},
		},
		Before: rt.setup,
		After: func(*cli.Context) error {
			return appLog.Close()
		},
		Commands: []*cli.Command{
			convertCommand(rt),
			uploadCommand(rt),
			serveCommand(rt),
			inspectCommand(rt),
		},
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		appLog.Error("plancal failed", err)
		os.Exit(1)
	}
}

func (rt *cliEnv) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		if cfg == nil {
			return fmt.Errorf("load config: %w", err)
		}
		// First run without a writable config dir: go on with defaults.
		appLog.Warn("could not write default config", "config_path", c.String("config"), "err", err)
	}
	cfg.ApplyEnv(nil)
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}

	appLog.SetLevel(appLog.ParseLevel(cfg.Log.Level))
	appLog.EnableFile(appLog.FileOptions{Path: cfg.Log.File})

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	rt.cfg = cfg
	rt.loc = loc

	appLog.Debug("effective config",
		"config_path", c.String("config"),
		"timezone", loc.String(),
		"charset", cfg.Charset,
		"lookback_weeks", cfg.LookbackWeeks,
		"calendars", len(cfg.Calendars),
		"state_path", cfg.StatePath,
		"caldav_url", cfg.CalDAV.URL,
	)
	return nil
}

// converter builds a pipeline over local files and cached HTTP sources.
// A set --weeks flag replaces the configured look-back.
func (rt *cliEnv) converter(c *cli.Context) (*pipeline.Converter, error) {
	charset, err := source.ParseCharset(rt.cfg.Charset)
	if err != nil {
		return nil, err
	}
	window := rt.cfg.Window()
	if c.IsSet("weeks") {
		if c.Int("weeks") < 0 {
			return nil, fmt.Errorf("--weeks must not be negative")
		}
		window = time.Duration(c.Int("weeks")) * 7 * 24 * time.Hour
	}
	router := &source.Router{
		Files: source.NewFileProvider(nil, charset),
		HTTP:  source.NewHTTPProvider(nil, rt.cfg.CacheDir, charset),
	}
	return pipeline.NewConverter(router, pipeline.Options{
		Location:      rt.loc,
		Window:        window,
		Transliterate: rt.cfg.Transliterate,
		Workers:       rt.cfg.Workers,
	}), nil
}

// jobs returns one job per argument, or every configured calendar when
// there are no arguments. An argument naming a configured calendar uses
// its source.
func (rt *cliEnv) jobs(args []string) []pipeline.Job {
	if len(args) == 0 {
		jobs := make([]pipeline.Job, 0, len(rt.cfg.Calendars))
		for _, cal := range rt.cfg.Calendars {
			jobs = append(jobs, pipeline.Job{Name: cal.Name, Source: cal.Source})
		}
		return jobs
	}
	jobs := make([]pipeline.Job, 0, len(args))
	for _, arg := range args {
		if cal, ok := rt.cfg.Calendar(arg); ok {
			jobs = append(jobs, pipeline.Job{Name: cal.Name, Source: cal.Source})
			continue
		}
		jobs = append(jobs, pipeline.Job{Name: config.NameFromSource(arg), Source: arg})
	}
	return jobs
}

func weeksFlag() cli.Flag {
	return &cli.IntFlag{
		Name:  "weeks",
		Usage: "Drop events that ended more than N weeks ago (0 keeps everything)",
	}
}
