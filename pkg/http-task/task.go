// Package httptask defines the unit of protocol data passed between the
// relay stages. A session read produces a Task, a session write consumes
// one; the stage currently holding a Task owns it exclusively.
package httptask

import "net/http"

type Kind uint8

const (
	// KindHeader carries a message head. For response tasks the status
	// code is set; request heads are negotiated before the relay starts.
	KindHeader Kind = iota
	// KindBody carries a slice of body bytes.
	KindBody
	// KindTrailer carries trailer fields.
	KindTrailer
	// KindDone signals that the producing side saw the end of its stream.
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindBody:
		return "body"
	case KindTrailer:
		return "trailer"
	case KindDone:
		return "done"
	}
	return "unknown"
}

// Task is a tagged variant: exactly the fields relevant to its Kind are set.
type Task struct {
	Kind        Kind
	Status      int
	Header      http.Header
	Data        []byte
	EndOfStream bool
}

func NewHeader(status int, header http.Header, endOfStream bool) Task {
	return Task{Kind: KindHeader, Status: status, Header: header, EndOfStream: endOfStream}
}

func NewBody(data []byte, endOfStream bool) Task {
	return Task{Kind: KindBody, Data: data, EndOfStream: endOfStream}
}

func NewTrailer(header http.Header) Task {
	return Task{Kind: KindTrailer, Header: header, EndOfStream: true}
}

func Done() Task {
	return Task{Kind: KindDone, EndOfStream: true}
}

// IsEnd reports whether no further tasks will follow on this stream.
func (t Task) IsEnd() bool {
	return t.EndOfStream || t.Kind == KindDone || t.Kind == KindTrailer
}
