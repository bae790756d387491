package bosh

import (
	"bytes"
	"encoding/xml"
)

// Namespace is the BOSH wire namespace (spec.md §6).
const Namespace = "http://jabber.org/protocol/httpbind"

// Attr is a single BOSH body attribute, ordered for stable serialization.
type Attr struct {
	Name  string
	Value string
}

// Element is an opaque child of a BOSH body: a start tag, its attributes,
// and its own children. The core never inspects payload elements beyond
// copying them; XML semantics belong to the collaborator named in
// spec.md §1.
type Element struct {
	Space    string
	Tag      string
	Attr     []Attr
	Children []Element
	CharData string
}

// AddAttr returns a copy of el with the given attribute appended or
// overwritten.
func (el Element) AddAttr(name, value string) Element {
	for i, a := range el.Attr {
		if a.Name == name {
			el.Attr = append([]Attr{}, el.Attr...)
			el.Attr[i].Value = value
			return el
		}
	}
	el.Attr = append(append([]Attr{}, el.Attr...), Attr{Name: name, Value: value})
	return el
}

// AddChild returns a copy of el with child appended.
func (el Element) AddChild(child Element) Element {
	el.Children = append(append([]Element{}, el.Children...), child)
	return el
}

// MarshalXML renders el as an xml.Token stream, including its namespace
// attribute when Space is set.
func (el Element) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: el.Tag}
	if el.Space != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: el.Space})
	}
	for _, a := range el.Attr {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if el.CharData != "" {
		if err := enc.EncodeToken(xml.CharData(el.CharData)); err != nil {
			return err
		}
	}
	for _, child := range el.Children {
		if err := child.MarshalXML(enc, xml.StartElement{}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: start.Name})
}

// elementFromToken builds an Element tree from a decoder positioned just
// after a StartElement, mirroring gabble's bosh.go createElement/
// childElements walk.
func elementFromToken(start xml.StartElement, dec *xml.Decoder) (Element, error) {
	el := Element{Space: start.Name.Space, Tag: start.Name.Local}
	for _, attr := range start.Attr {
		if attr.Name.Space == "xmlns" || (attr.Name.Space == "" && attr.Name.Local == "xmlns") {
			if el.Space == "" {
				el.Space = attr.Value
			}
			continue
		}
		el.Attr = append(el.Attr, Attr{Name: attr.Name.Local, Value: attr.Value})
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return el, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := elementFromToken(t, dec)
			if err != nil {
				return el, err
			}
			el.Children = append(el.Children, child)
		case xml.EndElement:
			return el, nil
		case xml.CharData:
			el.CharData += string(t)
		}
	}
}

// DecodeBody parses a wire-format BOSH <body/> element into a Body. It is
// the one concrete rendering of the XML-parsing collaborator spec.md §1
// leaves external; callers wired to a different transport may supply their
// own Body values directly instead.
func DecodeBody(data []byte) (Body, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return Body{}, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		el, err := elementFromToken(start, dec)
		if err != nil {
			return Body{}, err
		}
		return bodyFromElement(el), nil
	}
}
