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
	"strconv"
	"strings"
	"time"

	httptask "github.com/ericselin/proxy-relay/pkg/http-task"

	"github.com/rs/zerolog"
)

// Upstream is the origin side of one exchange: the request head and body
// tasks go out, the response head and body tasks come back.
type Upstream struct {
	conn    net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	timeout time.Duration
	log     zerolog.Logger

	req           *http.Request
	reqChunked    bool
	reqRemaining  int64
	chunkedWriter io.WriteCloser
	requestDone   bool

	resp         *http.Response
	respBodyDone bool
}

func NewUpstream(conn net.Conn, timeout time.Duration, log zerolog.Logger) *Upstream {
	return &Upstream{
		conn:    conn,
		br:      bufio.NewReader(conn),
		bw:      bufio.NewWriter(conn),
		timeout: timeout,
		log:     log,
	}
}

func (s *Upstream) Close() error { return s.conn.Close() }

// WriteRequestHead sends the outbound request line and headers. Framing of
// the request body follows the head: a chunked Transfer-Encoding opens a
// chunked writer, a Content-Length is counted down, neither means there is
// no body.
func (s *Upstream) WriteRequestHead(ctx context.Context, req *http.Request) error {
	s.conn.SetWriteDeadline(deadlineFrom(ctx, s.timeout))
	s.req = req

	target := req.URL.RequestURI()
	fmt.Fprintf(s.bw, "%s %s HTTP/1.1\r\n", req.Method, target)
	fmt.Fprintf(s.bw, "Host: %s\r\n", req.Host)
	header := req.Header.Clone()
	header.Del("Host")
	if err := header.Write(s.bw); err != nil {
		return err
	}
	if _, err := s.bw.WriteString("\r\n"); err != nil {
		return err
	}

	switch {
	case strings.Contains(req.Header.Get("Transfer-Encoding"), "chunked"):
		s.reqChunked = true
		s.chunkedWriter = httputil.NewChunkedWriter(s.bw)
	case req.Header.Get("Content-Length") != "":
		n, err := strconv.ParseInt(req.Header.Get("Content-Length"), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: bad Content-Length %q", ErrProtocolViolation, req.Header.Get("Content-Length"))
		}
		s.reqRemaining = n
		s.requestDone = n == 0
	default:
		s.requestDone = true
	}
	return s.bw.Flush()
}

// WriteRequestTask streams one request body task to the origin.
func (s *Upstream) WriteRequestTask(ctx context.Context, t httptask.Task) error {
	s.conn.SetWriteDeadline(deadlineFrom(ctx, s.timeout))
	switch t.Kind {
	case httptask.KindBody:
		if len(t.Data) > 0 {
			if s.requestDone {
				return fmt.Errorf("%w: request body after end", ErrProtocolViolation)
			}
			if s.reqChunked {
				if _, err := s.chunkedWriter.Write(t.Data); err != nil {
					return err
				}
			} else {
				s.reqRemaining -= int64(len(t.Data))
				if s.reqRemaining < 0 {
					return fmt.Errorf("%w: request body longer than declared", ErrProtocolViolation)
				}
				if _, err := s.bw.Write(t.Data); err != nil {
					return err
				}
			}
		}
		if t.EndOfStream {
			return s.finishRequest()
		}
		return s.bw.Flush()
	case httptask.KindTrailer, httptask.KindDone:
		return s.finishRequest()
	}
	return nil
}

func (s *Upstream) finishRequest() error {
	if s.requestDone {
		return s.bw.Flush()
	}
	if s.reqChunked {
		if err := s.chunkedWriter.Close(); err != nil {
			return err
		}
		if _, err := s.bw.WriteString("\r\n"); err != nil {
			return err
		}
	} else if s.reqRemaining > 0 {
		return fmt.Errorf("%w: request body shorter than declared", ErrProtocolViolation)
	}
	s.requestDone = true
	return s.bw.Flush()
}

// ReadResponseTask yields the response head first, then body tasks, then
// trailers if the origin sent any.
func (s *Upstream) ReadResponseTask(ctx context.Context) (httptask.Task, error) {
	s.conn.SetReadDeadline(deadlineFrom(ctx, s.timeout))
	if s.resp == nil {
		resp, err := http.ReadResponse(s.br, s.req)
		if err != nil {
			return httptask.Task{}, err
		}
		s.resp = resp
		noBody := resp.StatusCode == http.StatusNoContent ||
			resp.StatusCode == http.StatusNotModified ||
			resp.StatusCode < 200 ||
			(s.req != nil && s.req.Method == http.MethodHead) ||
			(resp.ContentLength == 0 && len(resp.TransferEncoding) == 0)
		s.respBodyDone = noBody
		return httptask.NewHeader(resp.StatusCode, resp.Header, noBody), nil
	}
	if s.respBodyDone {
		return httptask.Done(), nil
	}
	buf := make([]byte, bodyChunkSize)
	n, err := s.resp.Body.Read(buf)
	if n > 0 {
		if errors.Is(err, io.EOF) {
			s.respBodyDone = true
			return httptask.NewBody(buf[:n], true), nil
		}
		if err == nil {
			return httptask.NewBody(buf[:n], false), nil
		}
	}
	if errors.Is(err, io.EOF) {
		s.respBodyDone = true
		if len(s.resp.Trailer) > 0 {
			return httptask.NewTrailer(s.resp.Trailer), nil
		}
		return httptask.Done(), nil
	}
	return httptask.Task{}, err
}
