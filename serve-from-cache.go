package relay

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ericselin/proxy-relay/cache"
	httptask "github.com/ericselin/proxy-relay/pkg/http-task"
	rangefilter "github.com/ericselin/proxy-relay/pkg/range-filter"

	"github.com/rs/zerolog"
)

// CacheServeState is the source decision for the response direction of one
// exchange.
type CacheServeState uint8

const (
	// CacheServeOff: response data comes from upstream. Terminal: once
	// entered the exchange never serves from cache again.
	CacheServeOff CacheServeState = iota
	// CacheServeCacheOnly: the stored entry is fresh, the whole body is
	// served from cache.
	CacheServeCacheOnly
	// CacheServeCacheThenUpstream: the stored entry is stale but carries
	// validators; a revalidation will decide the source.
	CacheServeCacheThenUpstream
	// CacheServeRevalidatePending: the revalidation request has been
	// issued and no verdict has arrived yet. Nothing is sent downstream
	// in this state.
	CacheServeRevalidatePending
)

func (s CacheServeState) String() string {
	switch s {
	case CacheServeOff:
		return "off"
	case CacheServeCacheOnly:
		return "cache-only"
	case CacheServeCacheThenUpstream:
		return "cache-then-upstream"
	case CacheServeRevalidatePending:
		return "revalidate-pending"
	}
	return "unknown"
}

// ServeFromCache decides, task by task, whether response data is sourced
// from cache or upstream, and whether it may be forwarded downstream. One
// instance lives for one exchange.
type ServeFromCache struct {
	store cache.Store
	entry *cache.Entry
	state CacheServeState
	// sticky: once the exchange has been in Off after a serving state,
	// it can never transition back
	wasOff bool
	offset int64
	primed []byte
	filter *rangefilter.Filter
	log    zerolog.Logger
}

func NewServeFromCache(store cache.Store, log zerolog.Logger) *ServeFromCache {
	return &ServeFromCache{store: store, log: log}
}

func (s *ServeFromCache) State() CacheServeState { return s.state }
func (s *ServeFromCache) Entry() *cache.Entry    { return s.entry }

// SetRangeFilter activates range filtering for the cache-served body.
// Upstream-sourced responses are not filtered here; their Range header was
// forwarded to the origin instead.
func (s *ServeFromCache) SetRangeFilter(f *rangefilter.Filter) { s.filter = f }

// FilterBody runs one cache-sourced body task through the range filter, if
// one was requested. The second return is false when the chunk produced
// nothing and the stream silently advances.
func (s *ServeFromCache) FilterBody(t httptask.Task) (httptask.Task, bool) {
	if s.filter == nil {
		return t, true
	}
	return s.filter.Filter(t)
}

// Enabled reports whether any cache source is in play for the exchange.
func (s *ServeFromCache) Enabled() bool { return s.state != CacheServeOff }

// ServingFromCache reports whether the body source is definitively the
// cache entry.
func (s *ServeFromCache) ServingFromCache() bool { return s.state == CacheServeCacheOnly }

// ShouldSendToDownstream is false exactly while a revalidation verdict is
// pending, so that no speculative bytes leak to the client before the
// origin has spoken.
func (s *ServeFromCache) ShouldSendToDownstream() bool {
	return s.state != CacheServeRevalidatePending
}

// Enable transitions Off into a cache-serving state after a successful
// lookup: CacheOnly when the entry is fresh, CacheThenUpstream when it is
// stale but revalidatable. A degraded exchange stays Off.
func (s *ServeFromCache) Enable(entry *cache.Entry, now time.Time) {
	if s.wasOff || s.state != CacheServeOff {
		return
	}
	s.entry = entry
	if entry.Fresh(now) {
		s.state = CacheServeCacheOnly
	} else {
		s.state = CacheServeCacheThenUpstream
	}
	s.log.Trace().Str("state", s.state.String()).Str("key", entry.Key).Msg("cache serving enabled")
}

// ServeStale commits to serving the stale entry without a revalidation
// verdict: the revalidation was throttled, or the configured policy keeps
// serving stale when the origin is unreachable.
func (s *ServeFromCache) ServeStale() {
	if s.state == CacheServeCacheThenUpstream || s.state == CacheServeRevalidatePending {
		s.state = CacheServeCacheOnly
	}
}

// StartRevalidate records that the revalidation request went upstream.
func (s *ServeFromCache) StartRevalidate() {
	if s.state == CacheServeCacheThenUpstream {
		s.state = CacheServeRevalidatePending
	}
}

// OnRevalidateResponse resolves the pending verdict. A 304 confirms the
// stored entry, extends its freshness, and the remaining body is served
// from cache; anything else invalidates the entry and switches the
// exchange to upstream for good.
func (s *ServeFromCache) OnRevalidateResponse(status int, header http.Header) {
	if s.state != CacheServeRevalidatePending {
		return
	}
	if status == http.StatusNotModified {
		s.state = CacheServeCacheOnly
		s.refresh(header)
		s.log.Trace().Str("key", s.entry.Key).Msg("revalidated, serving from cache")
		return
	}
	s.log.Trace().Int("status", status).Str("key", s.entry.Key).Msg("cache entry superseded by origin")
	if err := s.store.Invalidate(s.entry.Key); err != nil {
		s.log.Error().Err(err).Str("key", s.entry.Key).Msg("could not invalidate cache entry")
	}
	s.disable()
}

// refresh extends the stored entry's expiry from the 304's Cache-Control,
// falling back to the entry's original lifetime.
func (s *ServeFromCache) refresh(header http.Header) {
	maxAge, ok := ParseCacheControl(header.Get("Cache-Control")).MaxAge()
	if !ok {
		maxAge = s.entry.Expires.Sub(s.entry.ReceivedAt)
	}
	if maxAge <= 0 {
		return
	}
	if err := s.store.Refresh(s.entry.Key, time.Now().Add(maxAge)); err != nil {
		s.log.Error().Err(err).Str("key", s.entry.Key).Msg("could not refresh cache entry")
	}
}

// Degrade turns cache serving off after a cache I/O failure, failing open
// to upstream. The error stays inside the proxy; the client never sees it.
func (s *ServeFromCache) Degrade(err error) {
	s.log.Error().Err(err).Msg("cache read failed, falling through to upstream")
	s.disable()
}

func (s *ServeFromCache) disable() {
	s.state = CacheServeOff
	s.wasOff = true
}

// Prime reads the first body chunk ahead of the response head, so that an
// unreadable entry surfaces while the exchange can still fall through to
// upstream. A failure degrades to Off; ReadBodyTask hands out the primed
// chunk later without touching the store again.
func (s *ServeFromCache) Prime() error {
	if s.state == CacheServeOff || s.entry.BodyLen == 0 {
		return nil
	}
	chunk, err := s.store.ReadBodyChunk(s.entry.Key, 0)
	if err != nil {
		err = fmt.Errorf("%w: read body chunk at 0: %v", ErrCacheIO, err)
		s.Degrade(err)
		return err
	}
	s.primed = chunk
	return nil
}

// HeaderTask synthesizes the response head for a cache-served exchange,
// with the Age of the stored entry.
func (s *ServeFromCache) HeaderTask() httptask.Task {
	header := make(http.Header, len(s.entry.Header)+1)
	for name, values := range s.entry.Header {
		header[name] = append([]string(nil), values...)
	}
	age := int64(time.Since(s.entry.ReceivedAt).Seconds())
	if age < 0 {
		age = 0
	}
	header.Set("Age", strconv.FormatInt(age, 10))
	head := httptask.NewHeader(s.entry.Status, header, s.entry.BodyLen == 0)
	if s.filter != nil {
		s.filter.ApplyResponseHeader(&head)
	}
	return head
}

// ReadBodyTask reads the next chunk of the cached body, advancing the
// cursor. The returned task carries the end-of-stream flag when the cursor
// reaches the stored body length.
func (s *ServeFromCache) ReadBodyTask() (httptask.Task, error) {
	chunk := s.primed
	if chunk != nil {
		s.primed = nil
	} else {
		var err error
		chunk, err = s.store.ReadBodyChunk(s.entry.Key, s.offset)
		if err != nil {
			return httptask.Task{}, fmt.Errorf("%w: read body chunk at %d: %v", ErrCacheIO, s.offset, err)
		}
	}
	if len(chunk) == 0 {
		return httptask.Done(), nil
	}
	s.offset += int64(len(chunk))
	return httptask.NewBody(chunk, s.offset >= s.entry.BodyLen), nil
}
