package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ericselin/proxy-relay/cache"
	normalizer "github.com/ericselin/proxy-relay/pkg/header-normalizer"
	httpsession "github.com/ericselin/proxy-relay/pkg/http-session"
	httptask "github.com/ericselin/proxy-relay/pkg/http-task"
	"github.com/ericselin/proxy-relay/pkg/metrics"
	rangefilter "github.com/ericselin/proxy-relay/pkg/range-filter"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// BypassCacheHeader asks the proxy to skip cache serving for one request.
	BypassCacheHeader = "X-Bypass-Cache"

	// CacheLockWaitHeader reports how long the exchange waited for the
	// per-key revalidation lease, in milliseconds.
	CacheLockWaitHeader = "X-Cache-Lock-Wait-Ms"
)

// Fallback behaviors for a Range request the cached body cannot satisfy.
const (
	RangeFallback416  = "416"
	RangeFallbackFull = "full"
)

// Headers that are connection-scoped and must not travel upstream.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Upgrade",
}

type Config struct {
	// Cache provides entry storage. Required.
	Cache cache.Store

	// OriginAddr is the origin host:port to dial.
	OriginAddr string

	// OriginHost overrides the Host header sent upstream. The downstream
	// request's host is used if empty.
	OriginHost string

	// Logger to use. A console logger is created if nil.
	Logger *zerolog.Logger

	// Metrics collectors. Nil disables instrumentation.
	Metrics *metrics.Metrics

	// Timeout bounds each read and write on both connections.
	Timeout time.Duration

	// ServeStaleOnUpstreamError serves the stale entry instead of a 502
	// when the origin cannot be reached during revalidation.
	ServeStaleOnUpstreamError bool

	// RangeFallback selects what to do when a Range request cannot be
	// satisfied from the cached body: respond 416, or serve the full body.
	RangeFallback string

	// RevalidatePerSecond limits how often a single key may be
	// revalidated. Zero means no limit.
	RevalidatePerSecond float64

	// Dial overrides how the origin connection is made.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Proxy accepts downstream connections and relays exchanges to the origin,
// serving and populating the cache along the way.
type Proxy struct {
	cache         cache.Store
	locks         *cache.RevalidateLock
	originHost    string
	metrics       *metrics.Metrics
	timeout       time.Duration
	serveStale    bool
	rangeFallback string
	dial          func(ctx context.Context) (net.Conn, error)
	log           zerolog.Logger
}

func NewProxy(config Config) *Proxy {
	var log zerolog.Logger
	if config.Logger != nil {
		log = *config.Logger
	} else {
		log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	}
	log = log.With().Str("origin", config.OriginAddr).Logger()

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dial := config.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: timeout}
		addr := config.OriginAddr
		dial = func(ctx context.Context) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		}
	}

	fallback := config.RangeFallback
	if fallback == "" {
		fallback = RangeFallback416
	}

	return &Proxy{
		cache:         config.Cache,
		locks:         cache.NewRevalidateLock(rate.Limit(config.RevalidatePerSecond), 1),
		originHost:    config.OriginHost,
		metrics:       config.Metrics,
		timeout:       timeout,
		serveStale:    config.ServeStaleOnUpstreamError,
		rangeFallback: fallback,
		dial:          dial,
		log:           log,
	}
}

// Serve accepts connections from the listener until the context is canceled
// or the listener fails.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go p.ServeConn(ctx, conn)
	}
}

// ServeConn handles one downstream connection, running exchanges back to
// back until the peer hangs up or the connection cannot be reused.
func (p *Proxy) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	down := httpsession.NewDownstream(conn, p.timeout, p.log)

	for {
		req, err := down.ReadRequestHead(ctx)
		if err != nil {
			if !IsPeerClosed(err) {
				p.log.Debug().Err(err).Msg("could not read request head")
			}
			return
		}

		log := p.log.With().
			Str("exchange", uuid.NewString()).
			Str("method", req.Method).
			Str("uri", req.URL.RequestURI()).
			Logger()

		start := time.Now()
		err = p.handleExchange(ctx, log, down, req)
		if err != nil {
			log.Debug().Err(err).Dur("elapsed", time.Since(start)).Msg("exchange failed")
			p.countError(err)
			// a connection still owed response bytes is out of sync,
			// the next head would be read as body continuation
			if !ReusableAfter(err) || !down.ResponseComplete() {
				return
			}
		} else {
			log.Trace().Dur("elapsed", time.Since(start)).Msg("exchange done")
		}

		if !down.KeepAlive() {
			return
		}
	}
}

func (p *Proxy) handleExchange(ctx context.Context, log zerolog.Logger, down *httpsession.Downstream, req *http.Request) error {
	if p.metrics != nil {
		p.metrics.Exchanges.Inc()
	}

	key := cacheKey(req)
	var cs CacheStatus
	sfc := NewServeFromCache(p.cache, log)

	switch {
	case req.Method != http.MethodGet && req.Method != http.MethodHead:
		cs.Forward(CacheStatusFwdMethod)
	case req.Header.Get(BypassCacheHeader) != "":
		cs.Forward(CacheStatusFwdBypass)
		p.countCacheEvent("bypass")
	default:
		entry, err := p.cache.Lookup(key)
		if err != nil {
			sfc.Degrade(fmt.Errorf("%w: lookup %q: %v", ErrCacheIO, key, err))
			cs.Forward(CacheStatusFwdMiss)
			cs.Detail("cache-degraded")
			p.countCacheEvent("degraded")
		} else if entry == nil {
			cs.Forward(CacheStatusFwdMiss)
		} else {
			sfc.Enable(entry, time.Now())
		}
	}

	if rangeValue := req.Header.Get("Range"); rangeValue != "" && sfc.Enabled() {
		if err := p.applyRange(sfc, rangeValue); err != nil {
			if p.rangeFallback == RangeFallback416 {
				return p.respondRangeUnsatisfiable(ctx, down, sfc.Entry().BodyLen)
			}
			// serve the full body instead
			log.Debug().Str("range", rangeValue).Msg("unsatisfiable range, serving full body")
		}
	}

	// An unreadable body must surface before the stored head is committed
	// downstream, while the exchange can still go to the origin instead.
	if sfc.Enabled() {
		if err := sfc.Prime(); err != nil {
			cs.Forward(CacheStatusFwdMiss)
			cs.Detail("cache-degraded")
			p.countCacheEvent("degraded")
		}
	}

	var up *httpsession.Upstream
	var lockWait time.Duration

	switch sfc.State() {
	case CacheServeCacheOnly:
		cs.Hit()
		p.countCacheEvent("hit")

	case CacheServeCacheThenUpstream:
		release, wait, err := p.locks.Acquire(ctx, key)
		lockWait = wait
		if p.metrics != nil {
			p.metrics.LockWait.Observe(wait.Seconds())
		}
		switch {
		case errors.Is(err, cache.ErrRevalidateThrottled):
			sfc.ServeStale()
			cs.Hit()
			cs.Detail("stale-throttled")
			p.countCacheEvent("stale")
		case err != nil:
			return err
		default:
			defer release()
			up, err = p.connectRevalidate(ctx, log, req, sfc)
			if err != nil {
				if !p.serveStale {
					return p.failExchange(ctx, down, err)
				}
				sfc.ServeStale()
				cs.Hit()
				cs.Detail("stale-origin-error")
				p.countCacheEvent("stale")
				log.Debug().Err(err).Msg("origin unreachable, serving stale")
			} else {
				cs.Forward(CacheStatusFwdStale)
			}
		}

	case CacheServeOff:
		upstream, err := p.connectForward(ctx, log, req, down)
		if err != nil {
			return p.failExchange(ctx, down, err)
		}
		up = upstream
		if cs.FwdReason() == CacheStatusFwdMiss {
			p.countCacheEvent("miss")
		}
	}

	if up != nil {
		defer up.Close()
	}

	// Tee the response into the cache on plain misses. Revalidations keep
	// or invalidate the existing entry instead.
	var downSide Downstream = down
	var saver *ResponseSaver
	if up != nil && sfc.State() == CacheServeOff &&
		cs.FwdReason() == CacheStatusFwdMiss && req.Method == http.MethodGet {
		saver = NewResponseSaver(down)
		downSide = saver
	}

	// a nil *Upstream must become a nil interface, or the relay would
	// start an upstream reader on a cache-only exchange
	var upSide Upstream
	if up != nil {
		upSide = up
	}

	r := NewBodyRelay(downSide, upSide, sfc, log)
	r.OnResponseHeader(func(t *httptask.Task) error {
		if sfc.ServingFromCache() && cs.FwdReason() == CacheStatusFwdStale {
			// the origin confirmed the entry mid-exchange
			cs.Hit()
			cs.Detail("revalidated")
			p.countCacheEvent("revalidated")
		} else if cs.FwdReason() == CacheStatusFwdStale {
			p.countCacheEvent("superseded")
		}
		if err := normalizer.SetHeader(t.Header, "Cache-Status", cs.String()); err != nil {
			return err
		}
		if lockWait > 0 {
			ms := strconv.FormatInt(lockWait.Milliseconds(), 10)
			return normalizer.SetHeader(t.Header, CacheLockWaitHeader, ms)
		}
		return nil
	})

	err := r.Run(ctx)
	if p.metrics != nil {
		p.metrics.RelayedBytes.WithLabelValues("request").Add(float64(r.RequestBytes()))
		p.metrics.RelayedBytes.WithLabelValues("response").Add(float64(r.ResponseBytes()))
	}
	if err != nil {
		return err
	}

	if saver != nil {
		if entry, body := saver.Entry(key); entry != nil {
			if err := p.cache.Put(entry, body); err != nil {
				log.Error().Err(err).Str("key", key).Msg("could not store response")
			} else {
				log.Trace().Str("key", key).Int64("bytes", entry.BodyLen).Msg("stored response")
			}
		}
	}
	return nil
}

// applyRange parses the Range header against the cached body and installs
// the matching filter.
func (p *Proxy) applyRange(sfc *ServeFromCache, value string) error {
	entry := sfc.Entry()
	ranges, err := rangefilter.ParseRange(value, entry.BodyLen)
	if err != nil {
		return err
	}
	if len(ranges) == 1 {
		sfc.SetRangeFilter(rangefilter.New(ranges, entry.BodyLen))
	} else {
		contentType := entry.Header.Get("Content-Type")
		sfc.SetRangeFilter(rangefilter.NewMultipart(ranges, entry.BodyLen, contentType))
	}
	return nil
}

func (p *Proxy) connectForward(ctx context.Context, log zerolog.Logger, req *http.Request, down *httpsession.Downstream) (*httpsession.Upstream, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrUpstreamIO, err)
	}
	up := httpsession.NewUpstream(conn, p.timeout, log)

	outbound := p.outboundRequest(req)
	if err := normalizer.NormalizeOutbound(outbound, !down.IsBodyEmpty()); err != nil {
		conn.Close()
		return nil, err
	}
	if err := up.WriteRequestHead(ctx, outbound); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write request head: %v", ErrUpstreamIO, err)
	}
	return up, nil
}

// connectRevalidate sends a conditional request built from the cached
// entry's validators and arms the pending-revalidation state.
func (p *Proxy) connectRevalidate(ctx context.Context, log zerolog.Logger, req *http.Request, sfc *ServeFromCache) (*httpsession.Upstream, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrUpstreamIO, err)
	}
	up := httpsession.NewUpstream(conn, p.timeout, log)

	outbound := p.outboundRequest(req)
	outbound.Header.Del("Content-Length")
	entry := sfc.Entry()
	if etag := entry.ETag(); etag != "" {
		outbound.Header.Set("If-None-Match", etag)
	}
	if lastModified := entry.LastModified(); lastModified != "" {
		outbound.Header.Set("If-Modified-Since", lastModified)
	}
	if err := normalizer.NormalizeOutbound(outbound, false); err != nil {
		conn.Close()
		return nil, err
	}
	if err := up.WriteRequestHead(ctx, outbound); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write request head: %v", ErrUpstreamIO, err)
	}
	sfc.StartRevalidate()
	return up, nil
}

// outboundRequest clones the request head for the origin, dropping
// connection-scoped headers.
func (p *Proxy) outboundRequest(req *http.Request) *http.Request {
	outbound := &http.Request{
		Method:     req.Method,
		URL:        req.URL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       req.Host,
		Header:     req.Header.Clone(),
	}
	if p.originHost != "" {
		outbound.Host = p.originHost
	}
	for _, name := range hopByHopHeaders {
		outbound.Header.Del(name)
	}
	outbound.Header.Del(BypassCacheHeader)
	return outbound
}

// failExchange answers 502 and reports the original error. The connection
// is poisoned if the request body was never consumed.
func (p *Proxy) failExchange(ctx context.Context, down *httpsession.Downstream, cause error) error {
	head := httptask.NewHeader(http.StatusBadGateway, http.Header{
		"Content-Length": {"0"},
	}, true)
	if !down.IsBodyEmpty() && !down.IsBodyDone() {
		down.PoisonReuse()
	}
	if err := down.WriteResponseTask(ctx, head); err != nil {
		down.PoisonReuse()
	}
	return cause
}

func (p *Proxy) respondRangeUnsatisfiable(ctx context.Context, down *httpsession.Downstream, size int64) error {
	var cs CacheStatus
	cs.Hit()
	cs.Detail("range-unsatisfiable")
	head := httptask.NewHeader(http.StatusRequestedRangeNotSatisfiable, http.Header{
		"Content-Range":  {fmt.Sprintf("bytes */%d", size)},
		"Content-Length": {"0"},
		"Cache-Status":   {cs.String()},
	}, true)
	p.countCacheEvent("hit")
	if !down.IsBodyEmpty() && !down.IsBodyDone() {
		down.PoisonReuse()
	}
	if err := down.WriteResponseTask(ctx, head); err != nil {
		down.PoisonReuse()
		return err
	}
	return nil
}

func (p *Proxy) countCacheEvent(event string) {
	if p.metrics != nil {
		p.metrics.CacheEvents.WithLabelValues(event).Inc()
	}
}

func (p *Proxy) countError(err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.ExchangeErrors.WithLabelValues(errorKind(err)).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrHeaderRejected):
		return "header_rejected"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrCacheIO):
		return "cache_io"
	case errors.Is(err, ErrUpstreamIO):
		return "upstream_io"
	case errors.Is(err, ErrRangeUnsatisfiable):
		return "range_unsatisfiable"
	case IsPeerClosed(err):
		return "peer_closed"
	}
	return "other"
}

// cacheKey derives the storage key for a request. HEAD and GET cache
// separately.
func cacheKey(req *http.Request) string {
	return req.Method + " " + req.Host + req.URL.RequestURI()
}
