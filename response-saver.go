package relay

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/ericselin/proxy-relay/cache"
	httptask "github.com/ericselin/proxy-relay/pkg/http-task"
)

// ResponseSaver is a Downstream wrapper that saves the response passing
// through it, so an upstream-sourced exchange can be written to the cache
// after it completes. It tees: every task still reaches the client.
type ResponseSaver struct {
	Downstream

	status    int
	header    http.Header
	body      bytes.Buffer
	sawHead   bool
	complete  bool
	createdAt time.Time
}

// NewResponseSaver wraps a downstream session for one exchange.
func NewResponseSaver(down Downstream) *ResponseSaver {
	return &ResponseSaver{Downstream: down, createdAt: time.Now()}
}

func (s *ResponseSaver) WriteResponseTask(ctx context.Context, t httptask.Task) error {
	switch t.Kind {
	case httptask.KindHeader:
		s.sawHead = true
		s.status = t.Status
		s.header = t.Header.Clone()
		s.complete = t.EndOfStream
	case httptask.KindBody:
		s.body.Write(t.Data)
		s.complete = s.complete || t.EndOfStream
	case httptask.KindTrailer, httptask.KindDone:
		s.complete = true
	}
	return s.Downstream.WriteResponseTask(ctx, t)
}

// StatusCode returns the status code of the recorded response.
func (s *ResponseSaver) StatusCode() int { return s.status }

// Entry builds a cache entry from the recorded response, or nil when the
// response was incomplete, carried no head, or is not storable. Only full
// 200 responses are stored: a 206 is a partial body the store would later
// replay to range-less clients, and a 304 has no body at all. Freshness
// comes from the response's own Cache-Control.
func (s *ResponseSaver) Entry(key string) (*cache.Entry, []byte) {
	if !s.sawHead || !s.complete {
		return nil, nil
	}
	if s.status != http.StatusOK {
		return nil, nil
	}
	cc := ParseCacheControl(s.header.Get("Cache-Control"))
	maxAge, ok := cc.MaxAge()
	if !ok || cc.NoStore() {
		return nil, nil
	}
	header := s.header.Clone()
	header.Del("Connection")
	header.Del("Keep-Alive")
	header.Del("Cache-Status")
	header.Del(CacheLockWaitHeader)
	now := time.Now()
	return &cache.Entry{
		Key:         key,
		Status:      s.status,
		Header:      header,
		Expires:     now.Add(maxAge),
		RequestedAt: s.createdAt,
		ReceivedAt:  now,
	}, s.body.Bytes()
}
