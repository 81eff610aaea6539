package wire

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"

	"golang.org/x/xerrors"
)

// Element is a generic, mutable XML tree, used to clone a BuildConfig's
// stored recipe document and annotate it with project/path/revision
// attributes before dispatch, without needing a struct tailored to every
// possible recipe shape. Always clone before annotating: the stored recipe
// is shared across every build it is dispatched for.
type Element struct {
	Tag      string
	Attrs    []xml.Attr
	Children []*Element
	Text     string
}

// ParseElement parses an XML document into an Element tree.
func ParseElement(data []byte) (*Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var root *Element
	var stack []*Element
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, xerrors.Errorf("wire: parsing element: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Tag: t.Name.Local, Attrs: append([]xml.Attr(nil), t.Attr...)}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			} else {
				root = el
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, xerrors.New("wire: empty document")
	}
	return root, nil
}

// Attr returns the value of the named attribute, or "" if absent.
func (e *Element) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// SetAttr sets (or adds) an attribute on e.
func (e *Element) SetAttr(name, value string) {
	for i, a := range e.Attrs {
		if a.Name.Local == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

// Clone deep-copies e and its entire subtree, so annotating the clone never
// mutates the stored recipe document shared across builds.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	c := &Element{
		Tag:   e.Tag,
		Attrs: append([]xml.Attr(nil), e.Attrs...),
		Text:  e.Text,
	}
	for _, child := range e.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}

// Bytes serializes e back to an XML document.
func (e *Element) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := e.encode(enc); err != nil {
		return nil, xerrors.Errorf("wire: encoding element: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, xerrors.Errorf("wire: encoding element: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Element) encode(enc *xml.Encoder) error {
	start := xml.StartElement{Name: xml.Name{Local: e.Tag}, Attr: e.Attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
	}
	for _, child := range e.Children {
		if err := child.encode(enc); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: start.Name})
}

// AnnotateRecipe parses the stored recipe document, clones it, injects the
// project/path/revision attributes the slave needs, and re-serializes it.
// The stored document itself is never mutated.
func AnnotateRecipe(recipe []byte, project, path, revision string) ([]byte, error) {
	root, err := ParseElement(recipe)
	if err != nil {
		return nil, err
	}
	clone := root.Clone()
	clone.SetAttr("project", project)
	clone.SetAttr("path", path)
	clone.SetAttr("revision", revision)
	return clone.Bytes()
}
