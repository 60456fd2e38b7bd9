package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"plancal/internal/ics"
	appLog "plancal/internal/log"
	"plancal/internal/pipeline"
	"plancal/internal/plan"
	"plancal/internal/state"
	"plancal/internal/upload"
	"plancal/internal/web"
)

func convertCommand(rt *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Convert plan files to iCalendar.",
		ArgsUsage: "[FILES...]",
		Flags: []cli.Flag{
			weeksFlag(),
			&cli.BoolFlag{Name: "save", Usage: "Write identity markers back into the plan files"},
			&cli.StringFlag{Name: "out", Usage: "Write <name>.ics files into `DIR` instead of stdout"},
		},
		Action: func(c *cli.Context) error {
			conv, err := rt.converter(c)
			if err != nil {
				return err
			}
			jobs := rt.jobs(c.Args().Slice())
			if len(jobs) == 0 {
				return errors.New("no calendars configured and no files given")
			}
			outDir := c.String("out")
			if outDir == "" && len(jobs) > 1 {
				return errors.New("--out is required when converting more than one calendar")
			}

			var failed int
			for _, res := range conv.ConvertAll(c.Context, jobs) {
				if res.Err != nil {
					failed++
					continue
				}
				if err := writeCalendar(outDir, res.Job.Name, res.Calendar.Serialize()); err != nil {
					appLog.Error("write calendar failed", err, "calendar", res.Job.Name)
					failed++
					continue
				}
				if c.Bool("save") {
					if _, err := conv.SaveBack(c.Context, res.Job, res.Calendar); err != nil {
						appLog.Error("save-back failed", err, "calendar", res.Job.Name)
						failed++
					}
				}
			}
			if failed > 0 {
				return cli.Exit(fmt.Sprintf("%d of %d calendars failed", failed, len(jobs)), 1)
			}
			return nil
		},
	}
}

func writeCalendar(dir, name, body string) error {
	if dir == "" {
		_, err := os.Stdout.WriteString(body)
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name+".ics")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return err
	}
	appLog.Info("calendar written", "calendar", name, "path", path)
	return nil
}

func uploadCommand(rt *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Convert the configured calendars and upload them to CalDAV.",
		ArgsUsage: "[CALENDARS...]",
		Flags: []cli.Flag{
			weeksFlag(),
			&cli.BoolFlag{Name: "save", Usage: "Write identity markers back into the plan files"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be uploaded without making changes"},
			&cli.BoolFlag{Name: "watch", Usage: "Keep running and upload on the configured refresh schedule"},
		},
		Action: func(c *cli.Context) error {
			conv, err := rt.converter(c)
			if err != nil {
				return err
			}
			jobs := rt.jobs(c.Args().Slice())
			if len(jobs) == 0 {
				return errors.New("no calendars configured")
			}

			ledger, err := state.Open(rt.cfg.StatePath)
			if err != nil {
				return fmt.Errorf("open state: %w", err)
			}
			defer ledger.Close()

			dav := rt.cfg.CalDAV
			uploader, err := upload.NewCalDAV(upload.Config{
				URL:          dav.URL,
				Username:     dav.Username,
				Password:     dav.Password,
				CalendarPath: dav.CalendarPath,
				DryRun:       c.Bool("dry-run"),
			}, ledger)
			if err != nil {
				return err
			}

			run := func(ctx context.Context) error {
				return uploadAll(ctx, conv, uploader, ledger, jobs, c.Bool("save"), c.Bool("dry-run"))
			}
			if !c.Bool("watch") {
				return run(c.Context)
			}
			return watch(c.Context, rt, run)
		},
	}
}

func uploadAll(ctx context.Context, conv *pipeline.Converter, up upload.Uploader, ledger *state.Ledger, jobs []pipeline.Job, save, dryRun bool) error {
	var errs []error
	for _, res := range conv.ConvertAll(ctx, jobs) {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		if save && !dryRun {
			if _, err := conv.SaveBack(ctx, res.Job, res.Calendar); err != nil {
				appLog.Error("save-back failed", err, "calendar", res.Job.Name)
				errs = append(errs, err)
			}
		}

		if _, err := up.Upload(ctx, res.Job.Name, []byte(res.Calendar.Serialize())); err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", res.Job.Name, err))
			continue
		}
		if dryRun {
			continue
		}
		// Entries of events that left the calendar are dropped so that a
		// returning event is uploaded again.
		exported := res.Calendar.Exported()
		keep := make([]string, 0, len(exported))
		for _, ev := range exported {
			keep = append(keep, ev.UID)
		}
		if n, err := ledger.Forget(ctx, res.Job.Name, keep); err != nil {
			appLog.Error("ledger cleanup failed", err, "calendar", res.Job.Name)
		} else if n > 0 {
			appLog.Debug("ledger entries dropped", "calendar", res.Job.Name, "count", n)
		}
	}
	return errors.Join(errs...)
}

// cronLogger routes scheduler messages to the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

// watchWrappers wrap every scheduled run. A tick that fires while the
// previous run is still uploading or saving is skipped. Recover sits
// inside the skip guard, which does not release its slot on panic.
func watchWrappers() []cron.JobWrapper {
	return []cron.JobWrapper{
		cron.SkipIfStillRunning(cronLogger{}),
		cron.Recover(cronLogger{}),
	}
}

// watch runs fn once, then on every tick of the refresh schedule until
// ctx is canceled.
func watch(ctx context.Context, rt *cliEnv, fn func(context.Context) error) error {
	sched := cron.New(
		cron.WithLocation(rt.loc),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(watchWrappers()...),
	)
	_, err := sched.AddFunc(rt.cfg.Refresh, func() {
		if err := fn(ctx); err != nil {
			appLog.Error("scheduled upload failed", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", rt.cfg.Refresh, err)
	}

	if err := fn(ctx); err != nil {
		appLog.Error("initial upload failed", err)
	}

	appLog.Info("watching for changes", "refresh", rt.cfg.Refresh)
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	appLog.Info("watcher stopped")
	return nil
}

func serveCommand(rt *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the configured calendars as subscription feeds.",
		Flags: []cli.Flag{
			weeksFlag(),
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config)"},
		},
		Action: func(c *cli.Context) error {
			if c.IsSet("listen") {
				rt.cfg.Listen = c.String("listen")
			}
			conv, err := rt.converter(c)
			if err != nil {
				return err
			}
			return web.StartServer(c.Context, rt.cfg, conv)
		},
	}
}

func inspectCommand(rt *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Read an iCalendar file and list its events, or print them as plan records.",
		ArgsUsage: "FILE.ics",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "plan", Usage: "Print the events in plan format"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("inspect takes exactly one file", 2)
			}
			body, err := os.ReadFile(c.Args().First())
			if err != nil {
				return err
			}
			events, err := ics.ReadEvents(body, rt.loc)
			if err != nil {
				return err
			}
			if c.Bool("plan") {
				return plan.Save(os.Stdout, events)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "START\tEND\tRULE\tSUMMARY")
			for _, ev := range events {
				layout := "2006-01-02 15:04"
				if ev.AllDay {
					layout = time.DateOnly
				}
				rule := "-"
				if ev.Recurring() {
					rule = ev.Rule.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Start.Format(layout), ev.End.Format(layout), rule, ev.Summary)
			}
			return tw.Flush()
		},
	}
}
