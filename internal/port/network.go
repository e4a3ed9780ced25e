package port

import (
	"context"
	"io"
	"net/http"
)

// InterfaceType hints at the kind of network path in use
type InterfaceType string

// Interface types
const (
	InterfaceWiFi     InterfaceType = "wifi"
	InterfaceCellular InterfaceType = "cellular"
	InterfaceOther    InterfaceType = "other"
)

// PathStatus is a snapshot of network reachability
type PathStatus struct {
	Satisfied bool
	Interface InterfaceType
}

// Reachability observes connectivity changes
type Reachability interface {
	// Current returns the latest known path status
	Current() PathStatus

	// Subscribe returns a channel receiving every subsequent change and a
	// function that stops delivery and closes the channel
	Subscribe() (<-chan PathStatus, func())
}

// CredentialsProvider supplies bearer tokens
type CredentialsProvider interface {
	// CurrentToken returns the token to send, if any
	CurrentToken() (string, bool)

	// Refresh obtains a new token. Returns false if that failed.
	Refresh(ctx context.Context) bool
}

// Request is an HTTP request executed through a Transport
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// RangeStart, when positive, asks for the resource from that offset on
	RangeStart int64

	// Into receives the JSON-decoded body of a 2xx response when set
	Into any
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Stream is an open HTTP response body
type Stream struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentLength int64 // -1 when unknown

	// Offset is the position of the first byte of Body in the resource.
	// Non-zero only when the server honoured a range request.
	Offset int64
}

// Transport executes requests against remote origins
type Transport interface {
	// Execute performs req and reads the whole response
	Execute(ctx context.Context, req *Request) (*Response, error)

	// Open performs req and hands back the response body unread
	Open(ctx context.Context, req *Request) (*Stream, error)
}
