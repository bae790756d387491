package bosh

import "time"

// CMSessionParams holds the session-creation response attributes, parsed
// once and treated as immutable for the life of the session (spec.md §3
// CMSessionParams, §4.4).
type CMSessionParams struct {
	SID        string
	Wait       time.Duration
	Hold       int
	Requests   int // 0 means absent: the CM did not advertise a concurrency cap.
	Polling    time.Duration
	MaxPause   time.Duration // 0 means absent: the CM does not support pause.
	Ver        string        // "" means absent: pre-1.6 deprecated error-code mode.
	AckSupport bool
}

// HasRequests reports whether the CM advertised a "requests" cap.
func (p CMSessionParams) HasRequests() bool {
	return p.Requests > 0
}

// SupportsPause reports whether the CM accepts pause (spec.md §4.8).
func (p CMSessionParams) SupportsPause() bool {
	return p.MaxPause > 0
}

// IsPre16 reports whether the CM omitted "ver", putting the session in
// pre-1.6 deprecated error-code mode (spec.md §3, §4.9).
func (p CMSessionParams) IsPre16() bool {
	return p.Ver == ""
}

// parseCMSessionParams builds CMSessionParams from the first response Body
// received from the CM, mirroring gabble's TransformBody attribute parsing
// (parseVersion/parseWait/parseHold) adapted to the client-received
// attribute set of spec.md §3.
func parseCMSessionParams(resp Body) CMSessionParams {
	p := CMSessionParams{SID: resp.SID()}
	if v, ok := resp.Int64(AttrWait); ok {
		p.Wait = time.Duration(v) * time.Second
	}
	if v, ok := resp.Int64(AttrHold); ok {
		p.Hold = int(v)
	}
	if v, ok := resp.Int64(AttrRequests); ok {
		p.Requests = int(v)
	}
	if v, ok := resp.Int64(AttrPolling); ok {
		p.Polling = time.Duration(v) * time.Second
	}
	if v, ok := resp.Int64(AttrMaxPause); ok {
		p.MaxPause = time.Duration(v) * time.Second
	}
	if v, ok := resp.Attr(AttrVer); ok {
		p.Ver = v
	}
	if _, ok := resp.Attr(AttrAck); ok {
		p.AckSupport = true
	}
	return p
}
