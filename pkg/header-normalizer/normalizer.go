// Package normalizer adjusts an outbound request head before it is sent
// upstream. It only ever touches the head; body framing is the session's
// concern.
package normalizer

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/net/http/httpguts"
)

// ErrHeaderRejected is returned when a header value cannot be set on the
// outbound head. It is always recoverable: the exchange fails, the process
// does not.
var ErrHeaderRejected = errors.New("header rejected")

// NormalizeOutbound prepares req for transmission upstream.
//
// If the request carries a body but declares no explicit length, chunked
// transfer encoding is inserted. If no Host is present one is synthesized
// from the request authority; an empty authority yields an empty Host,
// which is a documented fallback rather than an error.
//
// No keep-alive header is added here. That decision belongs to the
// connection pool boundary.
func NormalizeOutbound(req *http.Request, hasBody bool) error {
	if hasBody && req.Header.Get("Content-Length") == "" {
		if err := SetHeader(req.Header, "Transfer-Encoding", "chunked"); err != nil {
			return err
		}
	}
	if req.Host == "" && req.Header.Get("Host") == "" {
		req.Host = req.URL.Host
	}
	return nil
}

// SetHeader validates the value before setting it, mapping invalid bytes to
// ErrHeaderRejected instead of silently writing garbage to the wire.
func SetHeader(h http.Header, name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("%w: invalid field name %q", ErrHeaderRejected, name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%w: invalid value for %s", ErrHeaderRejected, name)
	}
	h.Set(name, value)
	return nil
}
