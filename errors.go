package relay

import (
	"errors"
	"io"
	"net"
	"os"

	normalizer "github.com/ericselin/proxy-relay/pkg/header-normalizer"
	httpsession "github.com/ericselin/proxy-relay/pkg/http-session"
	rangefilter "github.com/ericselin/proxy-relay/pkg/range-filter"
)

// The error taxonomy of the relay path. Every failure is scoped to a single
// exchange; a protocol violation additionally poisons the connection for
// keep-alive reuse. Nothing here may ever terminate the process.
var (
	// ErrHeaderRejected: a header value could not be set on an outbound
	// message. The exchange fails with a 5xx, the connection survives.
	ErrHeaderRejected = normalizer.ErrHeaderRejected
	// ErrUpstreamIO: a read or write talking to the origin failed.
	ErrUpstreamIO = errors.New("upstream io error")
	// ErrCacheIO: the cache store failed. Degrades cache serving to off;
	// never surfaced to the client by itself.
	ErrCacheIO = errors.New("cache io error")
	// ErrProtocolViolation: malformed framing or a body length that does
	// not match its declaration. Terminates the exchange and forbids
	// keep-alive reuse of the connection.
	ErrProtocolViolation = httpsession.ErrProtocolViolation
	// ErrRangeUnsatisfiable: the requested range lies outside the
	// resource. Handled at the header level per configuration.
	ErrRangeUnsatisfiable = rangefilter.ErrUnsatisfiable
)

// IsPeerClosed reports whether err is a peer having gone away or an idle
// read timing out. Both end the exchange with a clean teardown rather than
// an error that propagates anywhere else.
func IsPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// ReusableAfter reports whether the downstream connection may be kept alive
// after the exchange failed with err.
func ReusableAfter(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrProtocolViolation) && !IsPeerClosed(err)
}
