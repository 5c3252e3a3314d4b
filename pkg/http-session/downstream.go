// Package httpsession implements the downstream and upstream HTTP/1
// sessions the relay pumps between. Read-side framing leans on the
// standard library (http.ReadRequest / http.ReadResponse); write-side
// framing is done here, chunked via net/http/httputil.
package httpsession

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"strconv"
	"time"

	httptask "github.com/ericselin/proxy-relay/pkg/http-task"

	"github.com/rs/zerolog"
)

// ErrProtocolViolation is returned for malformed framing or a body length
// that does not match its declaration. The connection must not be reused
// after it.
var ErrProtocolViolation = errors.New("protocol violation")

const bodyChunkSize = 32 << 10

// Downstream is the client side of one connection. One request/response
// exchange at a time; ReadRequestHead starts the next exchange on a
// keep-alive connection.
type Downstream struct {
	conn    net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	timeout time.Duration
	log     zerolog.Logger

	req       *http.Request
	bodyEmpty bool
	bodyDone  bool
	violated  bool
	keepAlive bool

	wroteHead     bool
	respChunked   bool
	respRemaining int64
	chunkedWriter io.WriteCloser
	responseDone  bool
}

func NewDownstream(conn net.Conn, timeout time.Duration, log zerolog.Logger) *Downstream {
	return &Downstream{
		conn:    conn,
		br:      bufio.NewReader(conn),
		bw:      bufio.NewWriter(conn),
		timeout: timeout,
		log:     log,
	}
}

func (s *Downstream) setReadDeadline(ctx context.Context) {
	s.conn.SetReadDeadline(deadlineFrom(ctx, s.timeout))
}

func (s *Downstream) setWriteDeadline(ctx context.Context) {
	s.conn.SetWriteDeadline(deadlineFrom(ctx, s.timeout))
}

// ReadRequestHead reads the next request head off the connection and
// resets the per-exchange state. An idle timeout here reads the same as
// the client closing the connection.
func (s *Downstream) ReadRequestHead(ctx context.Context) (*http.Request, error) {
	s.setReadDeadline(ctx)
	req, err := http.ReadRequest(s.br)
	if err != nil {
		return nil, err
	}
	s.req = req
	s.bodyEmpty = req.ContentLength == 0 && len(req.TransferEncoding) == 0
	s.bodyDone = s.bodyEmpty
	s.keepAlive = !req.Close
	s.wroteHead = false
	s.respChunked = false
	s.respRemaining = 0
	s.chunkedWriter = nil
	s.responseDone = false
	return req, nil
}

// Request returns the head of the exchange in progress.
func (s *Downstream) Request() *http.Request { return s.req }

func (s *Downstream) IsBodyEmpty() bool { return s.bodyEmpty }
func (s *Downstream) IsBodyDone() bool  { return s.bodyDone }

func (s *Downstream) GetHeader(name string) (string, bool) {
	v := s.req.Header.Get(name)
	return v, v != ""
}

// KeepAlive reports whether the connection may serve another exchange.
func (s *Downstream) KeepAlive() bool { return s.keepAlive && !s.violated }

// ResponseComplete reports whether the current exchange's response was
// written to completion. False after an exchange that died with the
// response head committed but the body cut short.
func (s *Downstream) ResponseComplete() bool { return s.responseDone }

// PoisonReuse marks the connection as not reusable, after a violation
// detected outside this session.
func (s *Downstream) PoisonReuse() { s.violated = true }

func (s *Downstream) Close() error { return s.conn.Close() }

// ReadRequestTask yields the next piece of the request body. The standard
// library body reader deals with both framings; malformed chunked framing
// surfaces as a protocol violation and poisons the connection.
func (s *Downstream) ReadRequestTask(ctx context.Context) (httptask.Task, error) {
	if s.bodyDone {
		return httptask.Done(), nil
	}
	s.setReadDeadline(ctx)
	buf := make([]byte, bodyChunkSize)
	n, err := s.req.Body.Read(buf)
	if n > 0 {
		if errors.Is(err, io.EOF) {
			s.bodyDone = true
			return httptask.NewBody(buf[:n], true), nil
		}
		if err == nil {
			return httptask.NewBody(buf[:n], false), nil
		}
	}
	if errors.Is(err, io.EOF) {
		s.bodyDone = true
		return httptask.Done(), nil
	}
	return httptask.Task{}, s.readBodyError(err)
}

func (s *Downstream) readBodyError(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	s.violated = true
	return fmt.Errorf("%w: request body: %v", ErrProtocolViolation, err)
}

// WriteResponseTask writes one response task to the client. The head
// decides the framing: a Content-Length is honored and counted down,
// anything else goes chunked.
func (s *Downstream) WriteResponseTask(ctx context.Context, t httptask.Task) error {
	s.setWriteDeadline(ctx)
	switch t.Kind {
	case httptask.KindHeader:
		return s.writeResponseHead(t)
	case httptask.KindBody:
		return s.writeResponseBody(t)
	case httptask.KindTrailer:
		return s.finishResponse(t.Header)
	case httptask.KindDone:
		if s.responseDone {
			return s.bw.Flush()
		}
		return s.finishResponse(nil)
	}
	return nil
}

func (s *Downstream) writeResponseHead(t httptask.Task) error {
	if s.wroteHead {
		return fmt.Errorf("%w: response head written twice", ErrProtocolViolation)
	}
	s.wroteHead = true
	header := t.Header
	noBody := t.EndOfStream ||
		t.Status == http.StatusNoContent || t.Status == http.StatusNotModified ||
		t.Status < 200 || s.req.Method == http.MethodHead

	switch {
	case noBody:
		s.responseDone = true
	case header.Get("Content-Length") != "":
		n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: bad Content-Length %q", ErrProtocolViolation, header.Get("Content-Length"))
		}
		s.respRemaining = n
		header.Del("Transfer-Encoding")
	default:
		header.Set("Transfer-Encoding", "chunked")
		s.respChunked = true
	}
	if !s.keepAlive {
		header.Set("Connection", "close")
	}

	fmt.Fprintf(s.bw, "HTTP/1.1 %d %s\r\n", t.Status, http.StatusText(t.Status))
	if err := header.Write(s.bw); err != nil {
		return err
	}
	if _, err := s.bw.WriteString("\r\n"); err != nil {
		return err
	}
	if s.respChunked {
		s.chunkedWriter = httputil.NewChunkedWriter(s.bw)
	}
	if s.responseDone {
		return s.bw.Flush()
	}
	return nil
}

func (s *Downstream) writeResponseBody(t httptask.Task) error {
	if !s.wroteHead {
		return fmt.Errorf("%w: body before response head", ErrProtocolViolation)
	}
	if len(t.Data) > 0 {
		if s.responseDone {
			s.violated = true
			return fmt.Errorf("%w: body bytes after response end", ErrProtocolViolation)
		}
		if s.respChunked {
			if _, err := s.chunkedWriter.Write(t.Data); err != nil {
				return err
			}
		} else {
			s.respRemaining -= int64(len(t.Data))
			if s.respRemaining < 0 {
				s.violated = true
				return fmt.Errorf("%w: body longer than declared Content-Length", ErrProtocolViolation)
			}
			if _, err := s.bw.Write(t.Data); err != nil {
				return err
			}
		}
	}
	if t.EndOfStream {
		return s.finishResponse(nil)
	}
	return s.bw.Flush()
}

func (s *Downstream) finishResponse(trailer http.Header) error {
	if s.responseDone {
		return s.bw.Flush()
	}
	if s.respChunked {
		if err := s.chunkedWriter.Close(); err != nil {
			return err
		}
		if trailer != nil {
			if err := trailer.Write(s.bw); err != nil {
				return err
			}
		}
		if _, err := s.bw.WriteString("\r\n"); err != nil {
			return err
		}
	} else if s.respRemaining > 0 {
		s.violated = true
		return fmt.Errorf("%w: body shorter than declared Content-Length", ErrProtocolViolation)
	}
	s.responseDone = true
	return s.bw.Flush()
}

func deadlineFrom(ctx context.Context, timeout time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	if timeout > 0 {
		return time.Now().Add(timeout)
	}
	return time.Time{}
}
