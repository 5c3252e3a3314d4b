package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ericselin/proxy-relay/cache"
	httptask "github.com/ericselin/proxy-relay/pkg/http-task"
	rangefilter "github.com/ericselin/proxy-relay/pkg/range-filter"

	"github.com/rs/zerolog"
)

type fakeDownstream struct {
	bodyTasks []httptask.Task
	readErr   error
	idx       int
	written   []httptask.Task
	header    http.Header
}

func (d *fakeDownstream) ReadRequestTask(ctx context.Context) (httptask.Task, error) {
	if d.idx < len(d.bodyTasks) {
		t := d.bodyTasks[d.idx]
		d.idx++
		return t, nil
	}
	if d.readErr != nil {
		return httptask.Task{}, d.readErr
	}
	return httptask.Done(), nil
}

func (d *fakeDownstream) WriteResponseTask(ctx context.Context, t httptask.Task) error {
	d.written = append(d.written, t)
	return nil
}

func (d *fakeDownstream) IsBodyEmpty() bool { return len(d.bodyTasks) == 0 && d.readErr == nil }
func (d *fakeDownstream) IsBodyDone() bool  { return d.idx >= len(d.bodyTasks) }

func (d *fakeDownstream) GetHeader(name string) (string, bool) {
	if d.header == nil {
		return "", false
	}
	v := d.header.Get(name)
	return v, v != ""
}

type fakeUpstream struct {
	responseTasks []httptask.Task
	idx           int
	written       []httptask.Task
}

func (u *fakeUpstream) ReadResponseTask(ctx context.Context) (httptask.Task, error) {
	if u.idx < len(u.responseTasks) {
		t := u.responseTasks[u.idx]
		u.idx++
		return t, nil
	}
	return httptask.Done(), nil
}

func (u *fakeUpstream) WriteRequestTask(ctx context.Context, t httptask.Task) error {
	u.written = append(u.written, t)
	return nil
}

func writtenBody(tasks []httptask.Task) []byte {
	var buf bytes.Buffer
	for _, t := range tasks {
		if t.Kind == httptask.KindBody {
			buf.Write(t.Data)
		}
	}
	return buf.Bytes()
}

func writtenHeader(t *testing.T, tasks []httptask.Task) httptask.Task {
	t.Helper()
	for _, task := range tasks {
		if task.Kind == httptask.KindHeader {
			return task
		}
	}
	t.Fatal("no header task written downstream")
	return httptask.Task{}
}

func newCacheServe(store cache.Store) *ServeFromCache {
	return NewServeFromCache(store, zerolog.Nop())
}

func runRelay(t *testing.T, r *BodyRelay) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.Run(ctx)
}

// Cache miss, no range: the response streams purely from upstream and both
// directions finish.
func TestRelayUpstreamPassthrough(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{responseTasks: []httptask.Task{
		httptask.NewHeader(http.StatusOK, http.Header{"Content-Type": {"text/plain"}}, false),
		httptask.NewBody([]byte("hello "), false),
		httptask.NewBody([]byte("world"), true),
	}}
	r := NewBodyRelay(down, up, newCacheServe(cache.NewMemStore()), zerolog.Nop())

	if err := runRelay(t, r); err != nil {
		t.Fatal(err)
	}

	if got := string(writtenBody(down.written)); got != "hello world" {
		t.Errorf("body = %q, want %q", got, "hello world")
	}
	if !r.State().IsBodyDone() {
		t.Error("IsBodyDone = false after relay")
	}
	if !r.State().UpstreamDone() {
		t.Error("UpstreamDone = false after relay")
	}
}

// Request body is forwarded upstream task by task on a miss.
func TestRelayForwardsRequestBody(t *testing.T) {
	down := &fakeDownstream{bodyTasks: []httptask.Task{
		httptask.NewBody([]byte("part1"), false),
		httptask.NewBody([]byte("part2"), true),
	}}
	up := &fakeUpstream{responseTasks: []httptask.Task{
		httptask.NewHeader(http.StatusOK, http.Header{}, false),
		httptask.NewBody([]byte("ok"), true),
	}}
	r := NewBodyRelay(down, up, newCacheServe(cache.NewMemStore()), zerolog.Nop())

	if err := runRelay(t, r); err != nil {
		t.Fatal(err)
	}

	if got := string(writtenBody(up.written)); got != "part1part2" {
		t.Errorf("upstream got %q, want %q", got, "part1part2")
	}
}

// A fully cache-served exchange drains the request body instead of
// forwarding it anywhere.
func TestRelayCacheOnlyDrainsRequestBody(t *testing.T) {
	store := cache.NewMemStore()
	entry := &cache.Entry{
		Key:        "k",
		Status:     http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Expires:    time.Now().Add(time.Minute),
		ReceivedAt: time.Now(),
	}
	if err := store.Put(entry, []byte("cached body")); err != nil {
		t.Fatal(err)
	}

	down := &fakeDownstream{bodyTasks: []httptask.Task{
		httptask.NewBody([]byte("request body"), true),
	}}
	sfc := newCacheServe(store)
	sfc.Enable(entry, time.Now())
	if !sfc.ServingFromCache() {
		t.Fatal("expected cache-only state for a fresh entry")
	}
	r := NewBodyRelay(down, nil, sfc, zerolog.Nop())

	if err := runRelay(t, r); err != nil {
		t.Fatal(err)
	}

	if got := string(writtenBody(down.written)); got != "cached body" {
		t.Errorf("body = %q, want %q", got, "cached body")
	}
	head := writtenHeader(t, down.written)
	if head.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", head.Status)
	}
	if head.Header.Get("Age") == "" {
		t.Error("cache-served head is missing Age")
	}
	if !r.State().IsBodyDone() {
		t.Error("IsBodyDone = false after relay")
	}
}

// Range on a cached entry: the filtered output is exactly the requested
// bytes, nothing unfiltered reaches downstream.
func TestRelayCacheHitWithRange(t *testing.T) {
	store := cache.NewMemStore()
	body := make([]byte, 500)
	for i := range body {
		body[i] = byte(i)
	}
	entry := &cache.Entry{
		Key:        "k",
		Status:     http.StatusOK,
		Header:     http.Header{"Content-Length": {"500"}},
		Expires:    time.Now().Add(time.Minute),
		ReceivedAt: time.Now(),
	}
	if err := store.Put(entry, body); err != nil {
		t.Fatal(err)
	}

	down := &fakeDownstream{}
	sfc := newCacheServe(store)
	sfc.Enable(entry, time.Now())

	ranges, err := rangefilter.ParseRange("bytes=0-99", 500)
	if err != nil {
		t.Fatal(err)
	}
	sfc.SetRangeFilter(rangefilter.New(ranges, 500))
	r := NewBodyRelay(down, nil, sfc, zerolog.Nop())

	if err := runRelay(t, r); err != nil {
		t.Fatal(err)
	}

	got := writtenBody(down.written)
	if !bytes.Equal(got, body[:100]) {
		t.Errorf("filtered body is %d bytes, want exactly the first 100", len(got))
	}
	head := writtenHeader(t, down.written)
	if head.Status != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", head.Status)
	}
	if cr := head.Header.Get("Content-Range"); cr != "bytes 0-99/500" {
		t.Errorf("Content-Range = %q", cr)
	}
}

// Stale entry, upstream confirms with 304: the remaining body comes from
// cache, not from upstream.
func TestRelayRevalidation304ServesFromCache(t *testing.T) {
	store := cache.NewMemStore()
	entry := &cache.Entry{
		Key:        "k",
		Status:     http.StatusOK,
		Header:     http.Header{"Etag": {`"v1"`}},
		Expires:    time.Now().Add(-time.Minute),
		ReceivedAt: time.Now().Add(-time.Hour),
	}
	if err := store.Put(entry, []byte("stale-but-valid")); err != nil {
		t.Fatal(err)
	}

	down := &fakeDownstream{}
	sfc := newCacheServe(store)
	sfc.Enable(entry, time.Now())
	if sfc.State() != CacheServeCacheThenUpstream {
		t.Fatalf("state = %v, want cache-then-upstream", sfc.State())
	}
	sfc.StartRevalidate()
	if sfc.ShouldSendToDownstream() {
		t.Error("ShouldSendToDownstream = true while verdict pending")
	}

	up := &fakeUpstream{responseTasks: []httptask.Task{
		httptask.NewHeader(http.StatusNotModified, http.Header{}, true),
	}}
	r := NewBodyRelay(down, up, sfc, zerolog.Nop())

	if err := runRelay(t, r); err != nil {
		t.Fatal(err)
	}

	if got := string(writtenBody(down.written)); got != "stale-but-valid" {
		t.Errorf("body = %q, want %q", got, "stale-but-valid")
	}
	head := writtenHeader(t, down.written)
	if head.Status != http.StatusOK {
		t.Errorf("status = %d, want stored 200, not 304", head.Status)
	}
	if !r.State().UpstreamDone() {
		t.Error("UpstreamDone = false after 304")
	}
}

// Stale entry, upstream answers 200 with a new body: cache serving turns
// off for good, the new body streams through, the old entry is gone.
func TestRelayRevalidation200SwitchesToUpstream(t *testing.T) {
	store := cache.NewMemStore()
	entry := &cache.Entry{
		Key:        "k",
		Status:     http.StatusOK,
		Header:     http.Header{"Etag": {`"v1"`}},
		Expires:    time.Now().Add(-time.Minute),
		ReceivedAt: time.Now().Add(-time.Hour),
	}
	if err := store.Put(entry, []byte("old cached body")); err != nil {
		t.Fatal(err)
	}

	down := &fakeDownstream{}
	sfc := newCacheServe(store)
	sfc.Enable(entry, time.Now())
	sfc.StartRevalidate()

	up := &fakeUpstream{responseTasks: []httptask.Task{
		httptask.NewHeader(http.StatusOK, http.Header{"Etag": {`"v2"`}}, false),
		httptask.NewBody([]byte("brand new body"), true),
	}}
	r := NewBodyRelay(down, up, sfc, zerolog.Nop())

	if err := runRelay(t, r); err != nil {
		t.Fatal(err)
	}

	if sfc.State() != CacheServeOff {
		t.Errorf("state = %v, want off", sfc.State())
	}
	if got := string(writtenBody(down.written)); got != "brand new body" {
		t.Errorf("body = %q, want only the new upstream body", got)
	}
	if stored, _ := store.Lookup("k"); stored != nil {
		t.Error("superseded entry still present in cache")
	}
}

// Downstream closing mid-exchange ends the relay cleanly, scoped to this
// exchange.
func TestRelayDownstreamCloseMidExchange(t *testing.T) {
	down := &fakeDownstream{
		bodyTasks: []httptask.Task{httptask.NewBody([]byte("partial"), false)},
		readErr:   io.EOF,
	}
	up := &fakeUpstream{responseTasks: []httptask.Task{
		httptask.NewHeader(http.StatusOK, http.Header{}, false),
	}}
	r := NewBodyRelay(down, up, newCacheServe(cache.NewMemStore()), zerolog.Nop())

	err := runRelay(t, r)

	if err == nil {
		t.Fatal("expected an error when downstream closes mid-exchange")
	}
	if !IsPeerClosed(err) {
		t.Errorf("err = %v, want a peer-closed error", err)
	}
	if errors.Is(err, ErrProtocolViolation) {
		t.Error("peer close must not be classified as a protocol violation")
	}
}

// The response-head hook sees the head before it goes downstream.
func TestRelayHeaderHook(t *testing.T) {
	down := &fakeDownstream{}
	up := &fakeUpstream{responseTasks: []httptask.Task{
		httptask.NewHeader(http.StatusOK, http.Header{}, false),
		httptask.NewBody([]byte("x"), true),
	}}
	r := NewBodyRelay(down, up, newCacheServe(cache.NewMemStore()), zerolog.Nop())
	r.OnResponseHeader(func(t *httptask.Task) error {
		t.Header.Set("Cache-Status", "Proxy-Relay; fwd=miss")
		return nil
	})

	if err := runRelay(t, r); err != nil {
		t.Fatal(err)
	}

	head := writtenHeader(t, down.written)
	if head.Header.Get("Cache-Status") == "" {
		t.Error("hook did not run on the response head")
	}
}
