// Package relay implements the HTTP/1 body-relay and cache-serving
// pipeline of the proxy: once request and response heads have been
// negotiated, it streams body tasks between the downstream client and
// either the upstream origin or the local cache, normalizing a small set of
// headers and tracking independent completion state for each direction.
package relay

import (
	"context"
	"fmt"

	httptask "github.com/ericselin/proxy-relay/pkg/http-task"

	"github.com/rs/zerolog"
)

type taskSource uint8

const (
	srcDownstream taskSource = iota
	srcUpstream
	srcCache
)

func (s taskSource) String() string {
	switch s {
	case srcDownstream:
		return "downstream"
	case srcUpstream:
		return "upstream"
	case srcCache:
		return "cache"
	}
	return "unknown"
}

type event struct {
	src  taskSource
	task httptask.Task
	err  error
}

// BodyRelay is the duplex pump for one exchange. It cooperatively
// multiplexes the two directions in a single loop: session readers feed an
// event channel, the loop consumes one task at a time, runs the response
// direction through the cache-serve decision and the range filter, and
// updates the completion state. There is exactly one pump; the data source
// is selected by the ServeFromCache state, not by parallel code paths.
type BodyRelay struct {
	downstream Downstream
	upstream   Upstream // nil when the exchange is fully cache-served
	cacheServe *ServeFromCache
	state      ResponseState
	onHeader   func(*httptask.Task) error
	log        zerolog.Logger

	requestBytes  int64
	responseBytes int64

	// fixed at Run start: the client body only travels upstream when the
	// exchange began as a plain forward. A revalidation sends a synthesized
	// bodyless request, so client body tasks are drained even if the
	// verdict later switches the response source to upstream.
	forwardRequest bool

	// set for the duration of Run so the pump can start the cache reader
	// mid-stream after a 304 verdict
	runCtx context.Context
	events chan event
}

func NewBodyRelay(downstream Downstream, upstream Upstream, cacheServe *ServeFromCache, log zerolog.Logger) *BodyRelay {
	return &BodyRelay{
		downstream: downstream,
		upstream:   upstream,
		cacheServe: cacheServe,
		log:        log,
	}
}

// OnResponseHeader installs a hook run on the response head before it is
// written downstream. The caller uses it for Cache-Status and diagnostic
// headers.
func (r *BodyRelay) OnResponseHeader(fn func(*httptask.Task) error) { r.onHeader = fn }

// State exposes the completion flags, for the caller's teardown decisions.
func (r *BodyRelay) State() *ResponseState { return &r.state }

// RequestBytes reports how much request body was read from the downstream.
func (r *BodyRelay) RequestBytes() int64 { return r.requestBytes }

// ResponseBytes reports how much response body was written downstream.
func (r *BodyRelay) ResponseBytes() int64 { return r.responseBytes }

// Run pumps tasks until both directions are done, a peer closes, or a
// non-recoverable I/O error occurs. The returned error is scoped to this
// exchange.
func (r *BodyRelay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.runCtx = ctx
	r.events = make(chan event, 2)
	r.forwardRequest = r.upstream != nil && r.cacheServe.State() == CacheServeOff

	if r.downstream.IsBodyEmpty() {
		r.state.SetRequestBodyDone(true)
	} else {
		go r.readRequestLoop(ctx)
	}

	if r.upstream != nil {
		go r.readResponseLoop(ctx)
	} else {
		go r.readCacheLoop(ctx, true)
	}

	for !r.state.IsBodyDone() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			if ev.err != nil {
				return r.relayError(ev)
			}
			r.log.Trace().
				Stringer("src", ev.src).
				Stringer("kind", ev.task.Kind).
				Int("bytes", len(ev.task.Data)).
				Bool("eos", ev.task.EndOfStream).
				Msg("relaying task")
			var err error
			if ev.src == srcDownstream {
				err = r.relayRequestTask(ctx, ev.task)
			} else {
				err = r.relayResponseTask(ctx, ev.src, ev.task)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// relayRequestTask forwards one request-direction task to upstream. When
// the response is served from cache, or the upstream request was
// synthesized without the client body, the task is drained instead: the
// client must still be read to completion for the downstream framing to
// stay correct on keep-alive reuse.
func (r *BodyRelay) relayRequestTask(ctx context.Context, t httptask.Task) error {
	if t.IsEnd() {
		r.state.SetRequestBodyDone(true)
	}
	r.requestBytes += int64(len(t.Data))
	if !r.forwardRequest || r.cacheServe.ServingFromCache() {
		return nil
	}
	if err := r.upstream.WriteRequestTask(ctx, t); err != nil {
		return fmt.Errorf("%w: write request task: %v", ErrUpstreamIO, err)
	}
	return nil
}

func (r *BodyRelay) relayResponseTask(ctx context.Context, src taskSource, t httptask.Task) error {
	switch t.Kind {
	case httptask.KindHeader:
		if src == srcUpstream && r.cacheServe.State() == CacheServeRevalidatePending {
			return r.resolveRevalidation(ctx, t)
		}
		if src == srcUpstream {
			r.state.MaybeSetUpstreamDone(t.EndOfStream)
		}
		// an end-of-stream head means there is no body at all
		r.state.SetResponseBodyDone(t.EndOfStream)
		return r.writeResponseTask(ctx, t)

	case httptask.KindBody:
		if src == srcUpstream {
			r.state.MaybeSetUpstreamDone(t.EndOfStream)
			if r.cacheServe.ServingFromCache() {
				// leftover upstream bytes after the cache was chosen
				return nil
			}
		}
		if !r.cacheServe.ShouldSendToDownstream() {
			return nil
		}
		// completion derives from the source's end-of-stream marker,
		// never from the (possibly shorter) filtered stream
		r.state.SetResponseBodyDone(t.EndOfStream)
		out := t
		if src == srcCache {
			filtered, ok := r.cacheServe.FilterBody(t)
			if !ok {
				return nil
			}
			out = filtered
		}
		return r.writeResponseTask(ctx, out)

	case httptask.KindTrailer:
		if src == srcUpstream {
			r.state.MaybeSetUpstreamDone(true)
			if r.cacheServe.ServingFromCache() {
				return nil
			}
		}
		r.state.SetResponseBodyDone(true)
		return r.writeResponseTask(ctx, t)

	case httptask.KindDone:
		if src == srcUpstream {
			r.state.MaybeSetUpstreamDone(true)
			if r.cacheServe.ServingFromCache() {
				return nil
			}
		}
		r.state.SetResponseBodyDone(true)
		return r.writeResponseTask(ctx, t)
	}
	return nil
}

// resolveRevalidation applies the origin's verdict on a stale entry. A 304
// confirms the entry: its stored head goes downstream and the cache reader
// takes over the body. Anything else supersedes the entry: the fresh
// upstream head flows through and the exchange is upstream-sourced for
// good.
func (r *BodyRelay) resolveRevalidation(ctx context.Context, t httptask.Task) error {
	r.cacheServe.OnRevalidateResponse(t.Status, t.Header)
	if r.cacheServe.ServingFromCache() {
		r.state.MaybeSetUpstreamDone(t.EndOfStream)
		head := r.cacheServe.HeaderTask()
		go r.readCacheLoop(r.runCtx, false)
		return r.writeResponseTask(ctx, head)
	}
	r.state.MaybeSetUpstreamDone(t.EndOfStream)
	r.state.SetResponseBodyDone(t.EndOfStream)
	return r.writeResponseTask(ctx, t)
}

func (r *BodyRelay) writeResponseTask(ctx context.Context, t httptask.Task) error {
	if t.Kind == httptask.KindHeader && r.onHeader != nil {
		if err := r.onHeader(&t); err != nil {
			return err
		}
	}
	r.responseBytes += int64(len(t.Data))
	return r.downstream.WriteResponseTask(ctx, t)
}

func (r *BodyRelay) relayError(ev event) error {
	if IsPeerClosed(ev.err) {
		r.log.Debug().Stringer("src", ev.src).Err(ev.err).Msg("peer closed mid-exchange")
		return fmt.Errorf("%s closed: %w", ev.src, ev.err)
	}
	switch ev.src {
	case srcUpstream:
		return fmt.Errorf("%w: %v", ErrUpstreamIO, ev.err)
	case srcCache:
		return fmt.Errorf("%w: %v", ErrCacheIO, ev.err)
	}
	return ev.err
}

func (r *BodyRelay) send(ctx context.Context, ev event) bool {
	select {
	case <-ctx.Done():
		return false
	case r.events <- ev:
		return true
	}
}

func (r *BodyRelay) readRequestLoop(ctx context.Context) {
	for {
		t, err := r.downstream.ReadRequestTask(ctx)
		if err != nil {
			r.send(ctx, event{src: srcDownstream, err: err})
			return
		}
		if !r.send(ctx, event{src: srcDownstream, task: t}) {
			return
		}
		if t.IsEnd() {
			return
		}
	}
}

func (r *BodyRelay) readResponseLoop(ctx context.Context) {
	for {
		t, err := r.upstream.ReadResponseTask(ctx)
		if err != nil {
			r.send(ctx, event{src: srcUpstream, err: err})
			return
		}
		if !r.send(ctx, event{src: srcUpstream, task: t}) {
			return
		}
		if t.IsEnd() {
			return
		}
	}
}

// readCacheLoop feeds the response direction from the cache entry. With
// includeHeader it first emits the stored head, which is how a fully
// cache-served exchange starts; after a mid-exchange 304 verdict the head
// has already been written and only body chunks follow.
func (r *BodyRelay) readCacheLoop(ctx context.Context, includeHeader bool) {
	if includeHeader {
		head := r.cacheServe.HeaderTask()
		if !r.send(ctx, event{src: srcCache, task: head}) || head.EndOfStream {
			return
		}
	}
	for {
		t, err := r.cacheServe.ReadBodyTask()
		if err != nil {
			r.send(ctx, event{src: srcCache, err: err})
			return
		}
		if !r.send(ctx, event{src: srcCache, task: t}) {
			return
		}
		if t.IsEnd() {
			return
		}
	}
}
