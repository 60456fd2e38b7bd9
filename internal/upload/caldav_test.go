package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plancal/internal/ics"
	"plancal/internal/plan"
)

const twoEvents = `9/11/2009  99:99:99  0:0:0
R    0 0 0 0 1
N    Birthday
7/25/2009  16:0:0  1:30:0
R    0 0 64 0 0
N    Gym @ Main St
`

type memLedger struct {
	mu     sync.Mutex
	hashes map[string]string
}

func newMemLedger() *memLedger { return &memLedger{hashes: map[string]string{}} }

func (l *memLedger) Hash(_ context.Context, calendar, uid string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hashes[calendar+"/"+uid], nil
}

func (l *memLedger) Record(_ context.Context, calendar, uid, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hashes[calendar+"/"+uid] = hash
	return nil
}

type fakeServer struct {
	mu       sync.Mutex
	puts     map[string]string
	failures int
	auth     string
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Method != http.MethodPut {
		http.Error(w, "unexpected", http.StatusMethodNotAllowed)
		return
	}
	if s.failures > 0 {
		s.failures--
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	user, pass, _ := r.BasicAuth()
	s.auth = user + ":" + pass
	body, _ := io.ReadAll(r.Body)
	s.puts[r.URL.Path] = string(body)
	w.Header().Set("ETag", `"1"`)
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusCreated)
}

func buildDoc(t *testing.T) (string, []string) {
	t.Helper()
	events, err := plan.Parse(twoEvents, plan.Options{Location: time.UTC})
	require.NoError(t, err)
	cal := ics.Assemble(events, ics.AssembleOptions{Name: "work", Location: time.UTC, Now: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)})
	return cal.Serialize(), []string{events[0].UID, events[1].UID}
}

func newTestUploader(t *testing.T, srv *httptest.Server, ledger Ledger, dryRun bool) *CalDAV {
	t.Helper()
	u, err := NewCalDAV(Config{
		URL:          srv.URL + "/dav/",
		Username:     "alice",
		Password:     "secret",
		CalendarPath: "/dav/calendars/{name}/",
		DryRun:       dryRun,
		RetryDelay:   time.Millisecond,
	}, ledger)
	require.NoError(t, err)
	return u
}

func TestSplitObjects(t *testing.T) {
	doc, uids := buildDoc(t)
	objects, err := SplitObjects([]byte(doc))
	require.NoError(t, err)
	require.Len(t, objects, 2)

	for i, obj := range objects {
		assert.Equal(t, uids[i], obj.UID)
		assert.NotEmpty(t, obj.Hash)
		assert.Nil(t, obj.Calendar.Props.Get(ical.PropMethod))
		assert.NotNil(t, obj.Calendar.Props.Get(ical.PropVersion))
		require.Len(t, obj.Calendar.Children, 1)
		assert.Equal(t, ical.CompEvent, obj.Calendar.Children[0].Name)
	}

	_, err = SplitObjects([]byte("not a calendar"))
	assert.Error(t, err)
}

func TestSplitObjects_GroupsOverridesByUID(t *testing.T) {
	doc := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:a",
		"DTSTAMP:20100101T000000Z",
		"DTSTART:20100105T100000Z",
		"RRULE:FREQ=DAILY;COUNT=3",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:a",
		"DTSTAMP:20100101T000000Z",
		"RECURRENCE-ID:20100106T100000Z",
		"DTSTART:20100106T120000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"DTSTAMP:20100101T000000Z",
		"DTSTART:20100106T120000Z",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	objects, err := SplitObjects([]byte(doc))
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "a", objects[0].UID)
	assert.Empty(t, objects[0].Hash)
	assert.Len(t, objects[0].Calendar.Children, 2)
}

func TestUpload_SkipsUnchanged(t *testing.T) {
	fake := &fakeServer{puts: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ledger := newMemLedger()
	u := newTestUploader(t, srv, ledger, false)
	doc, uids := buildDoc(t)

	report, err := u.Upload(context.Background(), "work", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, Report{Calendar: "work", Uploaded: 2}, report)
	assert.Equal(t, "alice:secret", fake.auth)

	body, ok := fake.puts["/dav/calendars/work/"+uids[0]+".ics"]
	require.True(t, ok)
	assert.Contains(t, body, "SUMMARY:Birthday")
	assert.NotContains(t, body, "Gym")
	assert.NotContains(t, body, "METHOD:")

	report, err = u.Upload(context.Background(), "work", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, Report{Calendar: "work", Skipped: 2}, report)
}

func TestUpload_RetriesTransientFailures(t *testing.T) {
	fake := &fakeServer{puts: map[string]string{}, failures: 2}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	u := newTestUploader(t, srv, nil, false)
	doc, _ := buildDoc(t)
	report, err := u.Upload(context.Background(), "work", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)
	assert.Len(t, fake.puts, 2)
}

func TestUpload_FailureIsReported(t *testing.T) {
	fake := &fakeServer{puts: map[string]string{}, failures: 100}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ledger := newMemLedger()
	u := newTestUploader(t, srv, ledger, false)
	doc, uids := buildDoc(t)
	report, err := u.Upload(context.Background(), "work", []byte(doc))
	require.Error(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Contains(t, err.Error(), uids[0])

	h, _ := ledger.Hash(context.Background(), "work", uids[0])
	assert.Empty(t, h)
}

func TestUpload_DryRun(t *testing.T) {
	fake := &fakeServer{puts: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ledger := newMemLedger()
	u := newTestUploader(t, srv, ledger, true)
	doc, uids := buildDoc(t)
	report, err := u.Upload(context.Background(), "work", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)
	assert.Empty(t, fake.puts)

	h, _ := ledger.Hash(context.Background(), "work", uids[0])
	assert.Empty(t, h, "dry-run does not touch the ledger")
}

func TestMatchCalendar(t *testing.T) {
	cals := []caldav.Calendar{
		{Path: "/cal/u/home/", Name: "Personal"},
		{Path: "/cal/u/work/", Name: "Office"},
	}
	p, err := matchCalendar(cals, "Office")
	require.NoError(t, err)
	assert.Equal(t, "/cal/u/work/", p)

	p, err = matchCalendar(cals, "home")
	require.NoError(t, err)
	assert.Equal(t, "/cal/u/home/", p)

	_, err = matchCalendar(cals, "nope")
	assert.Error(t, err)
}

func TestNewCalDAV_RequiresURL(t *testing.T) {
	_, err := NewCalDAV(Config{}, nil)
	assert.Error(t, err)
}
