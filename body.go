package bosh

import (
	"sort"
	"strconv"
)

// Well-known BOSH attribute names (spec.md §6).
const (
	AttrRID       = "rid"
	AttrSID       = "sid"
	AttrTo        = "to"
	AttrFrom      = "from"
	AttrLang      = "xml:lang"
	AttrVer       = "ver"
	AttrWait      = "wait"
	AttrHold      = "hold"
	AttrRequests  = "requests"
	AttrAck       = "ack"
	AttrReport    = "report"
	AttrTime      = "time"
	AttrPolling   = "polling"
	AttrMaxPause  = "maxpause"
	AttrPause     = "pause"
	AttrType      = "type"
	AttrCondition = "condition"
	AttrRoute     = "route"
)

// Recognized values of the "type" attribute (spec.md §4.9, §6).
const (
	TypeTerminate = "terminate"
	TypeError     = "error"
)

// Body is an immutable BOSH <body/>: a case-sensitive attribute map plus
// an opaque payload. Mutation is always via With*, which returns a new
// Body (spec.md §3 Body).
type Body struct {
	attrs    map[string]string
	children []Element
}

// NewBody returns an empty Body with no attributes and no payload.
func NewBody() Body {
	return Body{}
}

// With returns a copy of b with attribute name set to value.
func (b Body) With(name, value string) Body {
	out := b.clone()
	out.attrs[name] = value
	return out
}

// WithInt is With for an integer-valued attribute.
func (b Body) WithInt(name string, value int64) Body {
	return b.With(name, strconv.FormatInt(value, 10))
}

// Without returns a copy of b with attribute name removed.
func (b Body) Without(name string) Body {
	out := b.clone()
	delete(out.attrs, name)
	return out
}

// WithChildren returns a copy of b whose payload is replaced by children.
func (b Body) WithChildren(children ...Element) Body {
	out := b.clone()
	out.children = append([]Element{}, children...)
	return out
}

func (b Body) clone() Body {
	out := Body{attrs: make(map[string]string, len(b.attrs)+1), children: b.children}
	for k, v := range b.attrs {
		out.attrs[k] = v
	}
	return out
}

// Attr returns the value of attribute name and whether it was present.
func (b Body) Attr(name string) (string, bool) {
	v, ok := b.attrs[name]
	return v, ok
}

// AttrOr returns the value of attribute name, or dflt if absent.
func (b Body) AttrOr(name, dflt string) string {
	if v, ok := b.attrs[name]; ok {
		return v
	}
	return dflt
}

// Int64 returns attribute name parsed as a base-10 int64, and whether the
// attribute was present and well-formed.
func (b Body) Int64(name string) (int64, bool) {
	v, ok := b.attrs[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RID returns the "rid" attribute, or 0 if absent or malformed.
func (b Body) RID() int64 {
	n, _ := b.Int64(AttrRID)
	return n
}

// SID returns the "sid" attribute, or "" if absent.
func (b Body) SID() string {
	return b.AttrOr(AttrSID, "")
}

// Type returns the "type" attribute, or "" if absent.
func (b Body) Type() string {
	return b.AttrOr(AttrType, "")
}

// Children returns the opaque payload elements.
func (b Body) Children() []Element {
	return b.children
}

// AttrNames returns the attribute names present on b, sorted, for
// deterministic iteration (logging, tests).
func (b Body) AttrNames() []string {
	names := make([]string, 0, len(b.attrs))
	for k := range b.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Encode renders b as a wire-format <body/> Element.
func (b Body) Encode() Element {
	el := Element{Space: Namespace, Tag: "body"}
	for _, name := range b.AttrNames() {
		el = el.AddAttr(name, b.attrs[name])
	}
	for _, c := range b.children {
		el = el.AddChild(c)
	}
	return el
}

// bodyFromElement is the inverse of Encode, used by DecodeBody.
func bodyFromElement(el Element) Body {
	b := NewBody()
	b.attrs = make(map[string]string, len(el.Attr))
	for _, a := range el.Attr {
		b.attrs[a.Name] = a.Value
	}
	b.children = el.Children
	return b
}
