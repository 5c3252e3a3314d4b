package relay

import "strings"

// cacheIdentity names this proxy in the Cache-Status header.
const cacheIdentity = "Proxy-Relay"

type CacheStatusStatus string

const (
	CacheStatusHit = "hit"
	CacheStatusFwd = "fwd"
)

type CacheStatusFwdReason string

const (
	// The request asked to bypass the cache.
	CacheStatusFwdBypass = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod = "method"

	// The cache did not contain any responses that matched the
	// request key.
	CacheStatusFwdMiss = "miss"

	// The cache was able to select a response for the request, but
	// it was stale.
	CacheStatusFwdStale = "stale"

	// The cache held a partial response that did not contain all of
	// the requested ranges.
	CacheStatusFwdPartial = "partial"
)

// CacheStatus renders the Cache-Status response header in the RFC 9211
// shape: a cache identity followed by hit or fwd=reason parameters.
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

// FwdReason returns the forward reason, empty for hits.
func (cs *CacheStatus) FwdReason() CacheStatusFwdReason {
	return cs.fwdReason
}

func (cs *CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(cacheIdentity)
	b.WriteString("; ")
	b.WriteString(string(cs.status))
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		b.WriteByte('=')
		b.WriteString(string(cs.fwdReason))
	}
	if cs.detail != "" {
		b.WriteString("; detail=")
		b.WriteString(cs.detail)
	}
	return b.String()
}
