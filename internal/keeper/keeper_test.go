package keeper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"cryptkeeper/internal/enrich"
	"cryptkeeper/internal/entry"
	"cryptkeeper/internal/notifier"
	"cryptkeeper/internal/scrape"
	"cryptkeeper/internal/storage"
	"cryptkeeper/internal/transport"
	logx "cryptkeeper/pkg/logx"
)

const newsPage = `<html><body>
<div class="heading">Hidden Palace news</div>
<div class="cell"><dl><dd><b>1 Jan:</b> <a href="/a">X</a></dd></dl></div>
</body></html>`

type captureDeliverer struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (c *captureDeliverer) Name() string { return "capture" }
func (c *captureDeliverer) Deliver(_ context.Context, m transport.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *captureDeliverer) messages() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.msgs...)
}

type site struct {
	srv        *httptest.Server
	homeStatus atomic.Int32
	detailOK   atomic.Bool
	home       atomic.Value // string
}

func newSite(t *testing.T, home string) *site {
	t.Helper()
	s := &site{}
	s.homeStatus.Store(http.StatusOK)
	s.detailOK.Store(true)
	s.home.Store(home)
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Main_Page":
			if code := int(s.homeStatus.Load()); code != http.StatusOK {
				w.WriteHeader(code)
				return
			}
			_, _ = w.Write([]byte(s.home.Load().(string)))
		case "/a":
			if !s.detailOK.Load() {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`<div class="mw-parser-output"><p>Article body.</p></div>`))
		case "/r1":
			_, _ = w.Write([]byte(`<table><tr><td>System</td><td>Mega Drive</td></tr></table>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

type harness struct {
	keeper *Keeper
	store  storage.Store
	out    *captureDeliverer
	site   *site
}

func newHarness(t *testing.T, home string, maxPerWindow int) *harness {
	t.Helper()
	s := newSite(t, home)
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ck.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	out := &captureDeliverer{}
	n := notifier.New(notifier.Config{Enabled: true, MaxPerWindow: maxPerWindow, RatePerSec: 1000}, st, out, logx.Nop(), nil)
	client := scrape.NewClient(scrape.ClientConfig{Timeout: 5 * time.Second})
	en := enrich.New(enrich.Config{Concurrency: 5}, scrape.Resolver{Fetcher: client}.Resolve, st.SetSecondary, logx.Nop(), nil)
	k, err := New(Config{HomepageURL: s.srv.URL + "/Main_Page"}, client, st, en, n, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	return &harness{keeper: k, store: st, out: out, site: s}
}

func TestCycleEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newsPage, 10)
	ctx := context.Background()

	rep, err := h.keeper.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if got := rep.InsertedCount(); got != 1 {
		t.Fatalf("cycle 1 inserted = %d, want 1", got)
	}
	fp := entry.Fingerprint("X", h.site.srv.URL+"/a", "1 Jan")
	if ok, _ := h.store.HasSecondary(ctx, entry.KindNews, fp); !ok {
		t.Fatal("news entry was not enriched")
	}
	msgs := h.out.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Title != "There are 1 new Hidden Palace News!" {
		t.Fatalf("title = %q", msgs[0].Title)
	}
	if !strings.Contains(msgs[0].Body, "<a href='"+h.site.srv.URL+"/a'>X</a>") {
		t.Fatalf("body = %q", msgs[0].Body)
	}
	if n, _ := h.store.CountEventsSince(ctx, time.Now().Add(-time.Hour)); n != 1 {
		t.Fatalf("recorded events = %d, want 1", n)
	}
	if rep.Notified[entry.KindNews] != notifier.Sent {
		t.Fatalf("notified = %v", rep.Notified)
	}

	rep, err = h.keeper.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if rep.InsertedCount() != 0 || rep.Pending != 0 {
		t.Fatalf("cycle 2 inserted=%d pending=%d, want 0/0", rep.InsertedCount(), rep.Pending)
	}
	if len(h.out.messages()) != 1 {
		t.Fatal("second identical cycle sent a notification")
	}
	if n, _ := h.store.CountEventsSince(ctx, time.Now().Add(-time.Hour)); n != 1 {
		t.Fatalf("recorded events = %d, want 1", n)
	}
}

func TestCycleHomepageFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newsPage, 10)
	h.site.homeStatus.Store(http.StatusServiceUnavailable)

	_, err := h.keeper.RunCycle(context.Background())
	var he *scrape.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want HTTPError 503", err)
	}
	if n, _ := h.store.Count(context.Background(), entry.KindNews); n != 0 {
		t.Fatalf("stored %d entries after failed fetch", n)
	}
	if len(h.out.messages()) != 0 {
		t.Fatal("failed cycle sent a notification")
	}
}

func TestCycleBackfillsOnLaterCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newsPage, 10)
	ctx := context.Background()
	h.site.detailOK.Store(false)

	rep, err := h.keeper.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if rep.EnrichFailed != 1 {
		t.Fatalf("enrich failed = %d, want 1", rep.EnrichFailed)
	}
	fp := entry.Fingerprint("X", h.site.srv.URL+"/a", "1 Jan")
	if ok, _ := h.store.HasSecondary(ctx, entry.KindNews, fp); ok {
		t.Fatal("failed fetch stored content")
	}
	// New entry is still announced.
	if len(h.out.messages()) != 1 {
		t.Fatalf("messages = %d, want 1", len(h.out.messages()))
	}

	h.site.detailOK.Store(true)
	rep, err = h.keeper.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if rep.InsertedCount() != 0 || rep.Pending != 1 || rep.Enriched != 1 {
		t.Fatalf("cycle 2 = %+v, want 0 inserted, 1 pending, 1 enriched", rep)
	}
	if ok, _ := h.store.HasSecondary(ctx, entry.KindNews, fp); !ok {
		t.Fatal("backfill did not converge")
	}
	if len(h.out.messages()) != 1 {
		t.Fatal("backfill of an old entry sent a notification")
	}
}

func TestCycleReleaseCarriesSystem(t *testing.T) {
	t.Parallel()
	home := `<div class="heading">Community releases</div>
<div class="cell"><ul><li>5 Mar: <a href="/r1">Sonic Beta</a> by alice</li></ul></div>`
	h := newHarness(t, home, 10)
	if _, err := h.keeper.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	msgs := h.out.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Title != "There are 1 new Community Releases!" {
		t.Fatalf("title = %q", msgs[0].Title)
	}
	if !strings.Contains(msgs[0].Body, ">[Mega Drive] Sonic Beta</a>") {
		t.Fatalf("body = %q", msgs[0].Body)
	}
}

func TestCycleQuotaExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newsPage, 1)
	ctx := context.Background()
	if err := h.store.RecordEvent(ctx, time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rep, err := h.keeper.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Notified[entry.KindNews] != notifier.Suppressed {
		t.Fatalf("notified = %v, want suppressed", rep.Notified)
	}
	if len(h.out.messages()) != 0 {
		t.Fatal("message sent over quota")
	}
	if rep.InsertedCount() != 1 {
		t.Fatal("suppressed notification must not undo persistence")
	}
}

type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingFetcher) FetchDocument(ctx context.Context, _ string) (*goquery.Document, error) {
	close(b.entered)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, errors.New("stop")
}

type nopNotifier struct{}

func (nopNotifier) Purge(context.Context) (int64, error) { return 0, nil }
func (nopNotifier) Send(context.Context, transport.Message) notifier.Result {
	return notifier.Disabled
}

func TestCycleRunsOneAtATime(t *testing.T) {
	t.Parallel()
	f := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	en := enrich.New(enrich.Config{}, nil, nil, logx.Nop(), nil)
	k, err := New(Config{HomepageURL: "https://hp.example/Main_Page"}, f, nil, en, nopNotifier{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = k.RunCycle(context.Background())
		close(done)
	}()
	<-f.entered
	if _, err := k.RunCycle(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("err = %v, want ErrCycleRunning", err)
	}
	close(f.release)
	<-done
}

func TestCompose(t *testing.T) {
	t.Parallel()
	es := []entry.Entry{
		entry.NewRelease("A & B", "1 Jan", "https://e.org/a?x=1&y=2", ""),
		entry.NewRelease("C", "1 Jan", "https://e.org/c", ""),
	}
	es[0].Secondary = "Saturn"
	m := Compose(entry.KindRelease, es, DefaultSiteName)
	want := "New Community Releases:\n\n<ul>" +
		"<li><a href='https://e.org/a?x=1&amp;y=2'>[Saturn] A &amp; B</a></li>" +
		"<li><a href='https://e.org/c'>C</a></li></ul>"
	if m.Body != want || !m.HTML {
		t.Fatalf("body = %q\nwant %q", m.Body, want)
	}

	m = Compose(entry.KindNews, es[:1], "Example")
	if m.Title != "There are 1 new Example News!" || !strings.HasPrefix(m.Body, "New Example News:\n\n<ul>") {
		t.Fatalf("news message = %+v", m)
	}
}

func TestNewValidatesURLs(t *testing.T) {
	t.Parallel()
	en := enrich.New(enrich.Config{}, nil, nil, logx.Nop(), nil)
	if _, err := New(Config{HomepageURL: "not a url"}, nil, nil, en, nopNotifier{}, logx.Nop(), nil); err == nil {
		t.Fatal("expected error for invalid homepage url")
	}
	k, err := New(Config{HomepageURL: "https://hp.example/wiki/Main_Page"}, nil, nil, en, nopNotifier{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, base := k.snapshot(); base.String() != "https://hp.example/" {
		t.Fatalf("base = %s", base)
	}
}
