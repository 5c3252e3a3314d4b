// Package rangefilter clips a body stream to the byte ranges requested by
// the client. The filter sees every chunk of the source stream and emits
// only the overlapping sub-slices, so it can sit transparently between any
// body source (cache or upstream) and the downstream session.
package rangefilter

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	httptask "github.com/ericselin/proxy-relay/pkg/http-task"

	"github.com/google/uuid"
)

// ErrUnsatisfiable is returned when no requested range overlaps the
// resource. Callers report it at the header level (416 or full-body
// fallback); it is never a filter-level failure.
var ErrUnsatisfiable = errors.New("range not satisfiable")

// ByteRange is a half-open interval [Start, End) into the resource.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) length() int64 { return r.End - r.Start }

// ContentRange renders the range for a Content-Range header, using the
// inclusive last-byte-pos form of the header syntax.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End-1, size)
}

// ParseRange parses a Range header value against the known resource size.
// Ranges are clamped to the resource length, sorted ascending and merged so
// the resulting set is non-overlapping. Ranges starting at or past the end
// of the resource are dropped; if nothing remains the request is
// unsatisfiable.
func ParseRange(value string, size int64) ([]ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(value, prefix) {
		return nil, fmt.Errorf("%w: unsupported unit in %q", ErrUnsatisfiable, value)
	}
	var ranges []ByteRange
	for _, spec := range strings.Split(value[len(prefix):], ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		dash := strings.Index(spec, "-")
		if dash < 0 {
			return nil, fmt.Errorf("%w: malformed range %q", ErrUnsatisfiable, spec)
		}
		startStr, endStr := spec[:dash], spec[dash+1:]
		if startStr == "" {
			// suffix range: last n bytes
			n, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: malformed suffix range %q", ErrUnsatisfiable, spec)
			}
			if n > size {
				n = size
			}
			if n > 0 {
				ranges = append(ranges, ByteRange{Start: size - n, End: size})
			}
			continue
		}
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return nil, fmt.Errorf("%w: malformed range %q", ErrUnsatisfiable, spec)
		}
		end := size
		if endStr != "" {
			last, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || last < start {
				return nil, fmt.Errorf("%w: malformed range %q", ErrUnsatisfiable, spec)
			}
			end = last + 1
			if end > size {
				end = size
			}
		}
		if start >= size {
			// past the end of the resource: empty, drop
			continue
		}
		ranges = append(ranges, ByteRange{Start: start, End: end})
	}
	if len(ranges) == 0 {
		return nil, ErrUnsatisfiable
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
		} else {
			merged = append(merged, r)
		}
	}
	return merged, nil
}

// Filter clips body tasks to a set of requested ranges. The offset counter
// tracks the source stream, advancing for every chunk observed whether or
// not any of it is emitted.
type Filter struct {
	ranges      []ByteRange
	size        int64
	contentType string
	boundary    string

	offset  int64
	emitted int64
	opened  int // count of ranges whose part header has been written
	closed  bool
}

// New creates a filter for a single-range response.
func New(ranges []ByteRange, size int64) *Filter {
	f := &Filter{ranges: ranges, size: size}
	if len(ranges) > 1 {
		f.boundary = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return f
}

// NewMultipart creates a filter that frames each range as a part of a
// multipart/byteranges body, carrying the resource content type in the
// part headers.
func NewMultipart(ranges []ByteRange, size int64, contentType string) *Filter {
	f := New(ranges, size)
	f.contentType = contentType
	if f.boundary == "" {
		f.boundary = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return f
}

// Multipart reports whether the filtered body is framed as
// multipart/byteranges.
func (f *Filter) Multipart() bool { return f.boundary != "" }

// Boundary returns the multipart boundary, empty for single-range filters.
func (f *Filter) Boundary() string { return f.boundary }

// Ranges returns the clamped range set being served.
func (f *Filter) Ranges() []ByteRange { return f.ranges }

// SourceOffset returns the number of source-stream bytes observed so far.
func (f *Filter) SourceOffset() int64 { return f.offset }

// EmittedBytes returns the number of payload bytes emitted so far,
// excluding multipart framing.
func (f *Filter) EmittedBytes() int64 { return f.emitted }

// Filter processes one task. It returns the task to forward downstream and
// whether there is one: a body chunk with no overlap produces nothing and
// the stream silently advances. Non-body tasks pass through unchanged.
// End-of-stream tasks always produce a task so the closing frame reaches
// the client.
func (f *Filter) Filter(t httptask.Task) (httptask.Task, bool) {
	if t.Kind != httptask.KindBody {
		return t, true
	}
	chunkStart := f.offset
	chunkEnd := chunkStart + int64(len(t.Data))
	f.offset = chunkEnd

	var out []byte
	for i, r := range f.ranges {
		if r.End <= chunkStart || r.Start >= chunkEnd {
			continue
		}
		if f.boundary != "" && f.opened <= i {
			out = append(out, f.partHeader(r)...)
			f.opened = i + 1
		}
		lo, hi := r.Start, r.End
		if lo < chunkStart {
			lo = chunkStart
		}
		if hi > chunkEnd {
			hi = chunkEnd
		}
		out = append(out, t.Data[lo-chunkStart:hi-chunkStart]...)
		f.emitted += hi - lo
	}

	if t.EndOfStream {
		if f.boundary != "" && !f.closed {
			out = append(out, []byte("\r\n--"+f.boundary+"--\r\n")...)
			f.closed = true
		}
		return httptask.NewBody(out, true), true
	}
	if len(out) == 0 {
		return httptask.Task{}, false
	}
	return httptask.NewBody(out, false), true
}

func (f *Filter) partHeader(r ByteRange) []byte {
	var b strings.Builder
	b.WriteString("\r\n--" + f.boundary + "\r\n")
	if f.contentType != "" {
		b.WriteString("Content-Type: " + f.contentType + "\r\n")
	}
	b.WriteString("Content-Range: " + r.ContentRange(f.size) + "\r\n\r\n")
	return []byte(b.String())
}

// ApplyResponseHeader rewrites a 200 response head into the corresponding
// 206 head for the filtered body. Header framing stays the caller's
// responsibility; this is a convenience for the single place that does it.
func (f *Filter) ApplyResponseHeader(t *httptask.Task) {
	if t.Kind != httptask.KindHeader {
		return
	}
	t.Status = http.StatusPartialContent
	t.Header.Del("Content-Length")
	if f.Multipart() {
		t.Header.Set("Content-Type", "multipart/byteranges; boundary="+f.boundary)
		t.Header.Del("Content-Range")
	} else {
		t.Header.Set("Content-Range", f.ranges[0].ContentRange(f.size))
		t.Header.Set("Content-Length", strconv.FormatInt(f.ranges[0].length(), 10))
	}
}
