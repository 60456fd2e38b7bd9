// Package upload pushes generated calendars to a CalDAV collection, one
// calendar object resource per event UID.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"plancal/internal/ics"
	appLog "plancal/internal/log"
)

// Ledger remembers the content hash last uploaded for each event.
type Ledger interface {
	Hash(ctx context.Context, calendar, uid string) (string, error)
	Record(ctx context.Context, calendar, uid, hash string) error
}

// Uploader publishes a serialized calendar under the given name.
type Uploader interface {
	Upload(ctx context.Context, name string, doc []byte) (Report, error)
}

// Report summarizes one Upload call.
type Report struct {
	Calendar string
	Uploaded int
	Skipped  int
	Failed   int
}

// Config configures a CalDAV uploader.
type Config struct {
	// URL is the CalDAV endpoint, e.g. https://dav.example.com/caldav/.
	URL      string
	Username string
	Password string
	// CalendarPath names the target collection directly and disables
	// discovery. "{name}" is replaced by the calendar name.
	CalendarPath string
	DryRun       bool
	// Attempts per object, default 3.
	Attempts   uint
	RetryDelay time.Duration
	Timeout    time.Duration
}

// basicAuthTransport adds Basic Auth and a User-Agent to each request.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.Username != "" || t.Password != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	req.Header.Set("User-Agent", "plancal/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAV uploads to a CalDAV server.
type CalDAV struct {
	client *caldav.Client
	cfg    Config
	ledger Ledger

	mu          sync.Mutex
	collections map[string]string
}

// NewCalDAV builds an uploader for cfg. The ledger may be nil, in which
// case every event is uploaded on each call.
func NewCalDAV(cfg Config, ledger Ledger) (*CalDAV, error) {
	if cfg.URL == "" {
		return nil, errors.New("caldav url is empty")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("caldav url: %w", err)
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &basicAuthTransport{
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: http.DefaultTransport,
		},
	}
	client, err := caldav.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	return &CalDAV{
		client:      client,
		cfg:         cfg,
		ledger:      ledger,
		collections: make(map[string]string),
	}, nil
}

// Upload splits doc into one object per UID and PUTs each object whose
// hash differs from the ledger. Per-object failures are counted and
// logged; the returned error joins them.
func (c *CalDAV) Upload(ctx context.Context, name string, doc []byte) (Report, error) {
	report := Report{Calendar: name}

	objects, err := SplitObjects(doc)
	if err != nil {
		return report, err
	}
	collection, err := c.collection(ctx, name)
	if err != nil {
		return report, err
	}

	var errs []error
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if c.ledger != nil && obj.Hash != "" {
			prev, err := c.ledger.Hash(ctx, name, obj.UID)
			if err != nil {
				return report, err
			}
			if prev == obj.Hash {
				report.Skipped++
				continue
			}
		}

		objectPath := path.Join(collection, url.PathEscape(obj.UID)+".ics")
		if c.cfg.DryRun {
			appLog.Info("dry-run: would upload event", "calendar", name, "uid", obj.UID, "path", objectPath)
			report.Uploaded++
			continue
		}

		err := retry.Do(
			func() error {
				_, err := c.client.PutCalendarObject(ctx, objectPath, obj.Calendar)
				return err
			},
			retry.Context(ctx),
			retry.Attempts(c.cfg.Attempts),
			retry.Delay(c.cfg.RetryDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				appLog.Warn("event upload retry", "calendar", name, "uid", obj.UID, "attempt", n+1, "err", err)
			}),
		)
		if err != nil {
			appLog.Error("event upload failed", err, "calendar", name, "uid", obj.UID)
			report.Failed++
			errs = append(errs, fmt.Errorf("upload %s: %w", obj.UID, err))
			continue
		}
		report.Uploaded++

		if c.ledger != nil && obj.Hash != "" {
			if err := c.ledger.Record(ctx, name, obj.UID, obj.Hash); err != nil {
				return report, fmt.Errorf("record %s: %w", obj.UID, err)
			}
		}
	}

	appLog.Info("calendar upload done",
		"calendar", name,
		"uploaded", report.Uploaded,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"dry_run", c.cfg.DryRun,
	)
	return report, errors.Join(errs...)
}

// collection returns the collection path for a calendar, discovering it
// on first use.
func (c *CalDAV) collection(ctx context.Context, name string) (string, error) {
	if c.cfg.CalendarPath != "" {
		return strings.ReplaceAll(c.cfg.CalendarPath, "{name}", url.PathEscape(name)), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.collections[name]; ok {
		return p, nil
	}

	appLog.Info("finding caldav calendar", "calendar", name)
	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSet, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}
	calendars, err := c.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}
	p, err := matchCalendar(calendars, name)
	if err != nil {
		return "", err
	}
	appLog.Info("found caldav calendar", "calendar", name, "path", p)
	c.collections[name] = p
	return p, nil
}

// matchCalendar prefers a display name match and falls back to the last
// path segment of the collection.
func matchCalendar(calendars []caldav.Calendar, name string) (string, error) {
	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}
	for _, cal := range calendars {
		if path.Base(strings.TrimSuffix(cal.Path, "/")) == name {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name %q", name)
}

// Object is a single calendar object resource.
type Object struct {
	UID      string
	Hash     string
	Calendar *ical.Calendar
}

// SplitObjects decodes an iCalendar document and groups its VEVENTs by
// UID. Each object keeps VERSION and PRODID and every VTIMEZONE of the
// source; METHOD is dropped since stored resources must not carry it.
func SplitObjects(doc []byte) ([]Object, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(doc)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}

	var timezones []*ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompTimezone {
			timezones = append(timezones, child)
		}
	}

	var objects []Object
	index := make(map[string]int)
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		uidProp := child.Props.Get(ical.PropUID)
		if uidProp == nil || uidProp.Value == "" {
			appLog.Warn("skipping VEVENT without UID")
			continue
		}
		uid := uidProp.Value

		i, ok := index[uid]
		if !ok {
			obj := ical.NewCalendar()
			for _, name := range []string{ical.PropVersion, ical.PropProductID} {
				if p := cal.Props.Get(name); p != nil {
					obj.Props.Set(p)
				}
			}
			obj.Children = append(obj.Children, timezones...)

			var hash string
			if p := child.Props.Get(string(ics.PropertyHash)); p != nil {
				hash = p.Value
			}
			objects = append(objects, Object{UID: uid, Hash: hash, Calendar: obj})
			i = len(objects) - 1
			index[uid] = i
		}
		objects[i].Calendar.Children = append(objects[i].Calendar.Children, child)
	}
	return objects, nil
}
