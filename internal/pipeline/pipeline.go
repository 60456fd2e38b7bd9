// Package pipeline runs plan files through the translator: load the
// source text, build events, assemble the calendar, and optionally write
// identity markers back into the source.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	appLog "plancal/internal/log"
	"plancal/internal/ics"
	"plancal/internal/plan"
	"plancal/internal/source"
)

// Job is one plan file to convert.
type Job struct {
	// Name is the calendar name (X-WR-CALNAME, upload target).
	Name string
	// Source is a file path or http(s) URL.
	Source string
}

// Options apply to every job of a Converter.
type Options struct {
	// Location is the timezone plan times are read in.
	Location *time.Location
	// Window is the staleness look-back; zero keeps everything.
	Window        time.Duration
	Transliterate bool
	// Workers bounds ConvertAll parallelism. Zero or less means 4.
	Workers int
	// Now overrides the clock, mostly in tests.
	Now func() time.Time
}

// Result is the outcome of one job in ConvertAll.
type Result struct {
	Job      Job
	Calendar *ics.Calendar
	Err      error
}

// Converter holds no per-file state and may be used concurrently.
type Converter struct {
	provider source.Provider
	opts     Options
}

func NewConverter(p source.Provider, opts Options) *Converter {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Converter{provider: p, opts: opts}
}

// Convert loads and translates a single file. A malformed header fails
// the whole file; the returned error wraps *plan.HeaderError.
func (c *Converter) Convert(ctx context.Context, job Job) (*ics.Calendar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := c.provider.Load(ctx, job.Source)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", job.Source, err)
	}

	events, err := plan.Parse(text, plan.Options{
		Location:      c.opts.Location,
		Transliterate: c.opts.Transliterate,
	})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", job.Source, err)
	}

	cal := ics.Assemble(events, ics.AssembleOptions{
		Name:     job.Name,
		Location: c.opts.Location,
		Window:   c.opts.Window,
		Now:      c.opts.Now(),
	})
	appLog.Info("calendar converted",
		"calendar", job.Name,
		"events", len(cal.Events),
		"exported", len(cal.Exported()),
		"pruned", cal.Pruned(),
	)
	return cal, nil
}

// ConvertAll converts jobs in parallel. Results are in job order and each
// carries its own error; one bad file does not stop the others.
func (c *Converter) ConvertAll(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	p := pool.New().WithMaxGoroutines(c.opts.Workers)
	for i, job := range jobs {
		i, job := i, job
		p.Go(func() {
			cal, err := c.Convert(ctx, job)
			if err != nil {
				appLog.Error("calendar conversion failed", err, "calendar", job.Name)
			}
			results[i] = Result{Job: job, Calendar: cal, Err: err}
		})
	}
	p.Wait()
	return results
}

// SaveBack writes the calendar's events back to the job source when at
// least one of them gained a new identity marker. It reports whether the
// source was written.
func (c *Converter) SaveBack(ctx context.Context, job Job, cal *ics.Calendar) (bool, error) {
	minted := 0
	for _, ev := range cal.Events {
		if ev.Trailer != "" {
			minted++
		}
	}
	if minted == 0 {
		appLog.Debug("save-back skipped; all events carry markers", "calendar", job.Name)
		return false, nil
	}

	var b strings.Builder
	if err := cal.SavePlan(&b); err != nil {
		return false, fmt.Errorf("encode %s: %w", job.Source, err)
	}
	if err := c.provider.Store(ctx, job.Source, b.String()); err != nil {
		return false, fmt.Errorf("store %s: %w", job.Source, err)
	}
	appLog.Info("identity markers saved", "calendar", job.Name, "new_markers", minted)
	return true, nil
}
