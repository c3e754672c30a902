// Package message defines the RPC message structure exchanged between client and server.
//
// RPCMessage is the "envelope" for every RPC call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP.
package message

import "time"

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod, Metadata and Deadline are set, Payload contains the request.
//   - On response: Payload contains the reply, Code/Error are set if the call failed.
type RPCMessage struct {
	ServiceMethod string   // Format: "/package.Service/Method", e.g., "/demo.Echo/Say"
	Metadata      Metadata // Call headers: route, forwarding chain, token, trace context
	Deadline      int64    // Absolute deadline in unix nanoseconds, 0 = no deadline
	Code          uint16   // status.Code of the response, 0 = OK
	Error         string   // Non-empty if the server-side handler returned an error
	Payload       []byte   // Serialized request or reply
}

// DeadlineTime returns the deadline as a time.Time and whether one is set.
func (m *RPCMessage) DeadlineTime() (time.Time, bool) {
	if m.Deadline == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, m.Deadline), true
}

// SetDeadline stores t, or clears the deadline when t is zero.
func (m *RPCMessage) SetDeadline(t time.Time) {
	if t.IsZero() {
		m.Deadline = 0
		return
	}
	m.Deadline = t.UnixNano()
}

// Well-known metadata keys.
const (
	KeyForwardedFor = "mesh-forwarded-for" // space separated chain of caller identities
	KeyRoute        = "mesh-route"
	KeyToken        = "mesh-token"
	KeyRequestID    = "mesh-request-id"
)

// Metadata is the set of string headers attached to a call.
type Metadata map[string]string

// Get returns the value for key, or "" if absent.
func (md Metadata) Get(key string) string {
	return md[key]
}

// Set stores a value. It is a no-op on a nil Metadata.
func (md Metadata) Set(key, value string) {
	if md != nil {
		md[key] = value
	}
}

// SetDefault stores value only if key is not already present.
func (md Metadata) SetDefault(key, value string) {
	if _, ok := md[key]; !ok {
		md.Set(key, value)
	}
}

// Clone returns a copy that is safe to modify.
func (md Metadata) Clone() Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
