// SPDX-License-Identifier: MIT

package bus

// Kind discriminates event variants on the wire and in type switches.
type Kind string

const (
	KindSessionStateChanged Kind = "session_state_changed"
	KindSessionReady        Kind = "session_ready"
	KindLogAppended         Kind = "log_appended"
	KindPortAllocated       Kind = "port_allocated"
	KindPortReleased        Kind = "port_released"
	KindProcessExited       Kind = "process_exited"
	KindLagged              Kind = "lagged"
)

// Event is the closed set of things the supervisor announces. Consumers
// type-switch on the concrete variant or route on Kind.
type Event interface {
	Kind() Kind
	// Session returns the session id the event belongs to, or "" for events
	// without one (only Lagged).
	Session() string
}

// SessionStateChanged reports one lifecycle transition.
type SessionStateChanged struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

func (e SessionStateChanged) Kind() Kind      { return KindSessionStateChanged }
func (e SessionStateChanged) Session() string { return e.SessionID }

// SessionReady reports that a session was declared Running. Reason is
// "pattern" when a readiness pattern matched and "timeout" when the ready
// timeout elapsed with the process still alive.
type SessionReady struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (e SessionReady) Kind() Kind      { return KindSessionReady }
func (e SessionReady) Session() string { return e.SessionID }

// LogAppended is the coalesced notification that entries [SeqFrom, SeqTo]
// were appended to a session's ring. Consumers re-read from the log store.
type LogAppended struct {
	SessionID string `json:"sessionId"`
	SeqFrom   uint64 `json:"seqFrom"`
	SeqTo     uint64 `json:"seqTo"`
}

func (e LogAppended) Kind() Kind      { return KindLogAppended }
func (e LogAppended) Session() string { return e.SessionID }

// PortAllocated reports a committed port allocation.
type PortAllocated struct {
	Port      int    `json:"port"`
	SessionID string `json:"sessionId"`
}

func (e PortAllocated) Kind() Kind      { return KindPortAllocated }
func (e PortAllocated) Session() string { return e.SessionID }

// PortReleased reports a released allocation, whether explicit or via GC.
type PortReleased struct {
	Port      int    `json:"port"`
	SessionID string `json:"sessionId"`
}

func (e PortReleased) Kind() Kind      { return KindPortReleased }
func (e PortReleased) Session() string { return e.SessionID }

// ProcessExited reports the raw exit of a supervised process. Signal is the
// terminating signal name when the process died by signal, otherwise empty.
type ProcessExited struct {
	SessionID string `json:"sessionId"`
	Code      int    `json:"code"`
	Signal    string `json:"signal,omitempty"`
}

func (e ProcessExited) Kind() Kind      { return KindProcessExited }
func (e ProcessExited) Session() string { return e.SessionID }

// Lagged is the sentinel a slow consumer receives instead of the events it
// missed. It is injected per subscriber and never published globally.
type Lagged struct {
	Dropped uint64 `json:"dropped"`
}

func (e Lagged) Kind() Kind      { return KindLagged }
func (e Lagged) Session() string { return "" }
