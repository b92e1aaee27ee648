package compass

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

const CompassNamespace = "http://iperity.com/compass"
const PingNamespace = "urn:xmpp:ping"

// Node is a parsed stanza element. The platform publishes snapshots and
// notifications as XML; Node keeps the generic element/attribute/text tree so
// the decoders can pull values out without per-message struct types.
//
// All query methods are nil-safe: a missing child or attribute reads as the
// empty value, never an error. Decoders treat empty as "field absent".
type Node struct {
	Name     string
	Attrs    map[string]string
	Children []*Node
	Chardata string
}

func NewNode(name string) *Node {
	return &Node{
		Name:  name,
		Attrs: map[string]string{},
	}
}

func (self *Node) SetAttr(name string, value string) *Node {
	self.Attrs[name] = value
	return self
}

func (self *Node) SetText(text string) *Node {
	self.Chardata = text
	return self
}

func (self *Node) Add(child *Node) *Node {
	self.Children = append(self.Children, child)
	return self
}

// AddText appends a child element holding only text. Stanza builders use this
// for the common `<name>value</name>` shape.
func (self *Node) AddText(name string, text string) *Node {
	return self.Add(NewNode(name).SetText(text))
}

func (self *Node) Attr(name string) string {
	if self == nil {
		return ""
	}
	return self.Attrs[name]
}

// First returns the first direct child with the given local name, or nil.
func (self *Node) First(name string) *Node {
	if self == nil {
		return nil
	}
	for _, child := range self.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// All returns the direct children with the given local name.
func (self *Node) All(name string) []*Node {
	if self == nil {
		return nil
	}
	nodes := []*Node{}
	for _, child := range self.Children {
		if child.Name == name {
			nodes = append(nodes, child)
		}
	}
	return nodes
}

// Text returns the trimmed character data of the element.
func (self *Node) Text() string {
	if self == nil {
		return ""
	}
	return strings.TrimSpace(self.Chardata)
}

// ChildText is First(name).Text().
func (self *Node) ChildText(name string) string {
	return self.First(name).Text()
}

func (self *Node) String() string {
	if self == nil {
		return "<nil/>"
	}
	out := &bytes.Buffer{}
	self.encode(out)
	return out.String()
}

func (self *Node) encode(out *bytes.Buffer) {
	fmt.Fprintf(out, "<%s", self.Name)
	for name, value := range self.Attrs {
		fmt.Fprintf(out, " %s=%q", name, value)
	}
	if len(self.Children) == 0 && self.Chardata == "" {
		out.WriteString("/>")
		return
	}
	out.WriteString(">")
	if self.Chardata != "" {
		_ = xml.EscapeText(out, []byte(self.Chardata))
	}
	for _, child := range self.Children {
		child.encode(out)
	}
	fmt.Fprintf(out, "</%s>", self.Name)
}

// Marshal serializes the node for the wire.
func (self *Node) Marshal() []byte {
	return []byte(self.String())
}

// ParseStanza parses one XML document into a Node tree. Namespace prefixes
// are dropped; the platform qualifies elements by a single namespace and the
// decoders match on local names only.
func ParseStanza(data []byte) (*Node, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))

	var root *Node
	stack := []*Node{}
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			node := NewNode(t.Name.Local)
			for _, attr := range t.Attr {
				if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
					continue
				}
				node.Attrs[attr.Name.Local] = attr.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple root elements")
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unbalanced end element %s", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if 0 < len(stack) {
				stack[len(stack)-1].Chardata += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("empty stanza")
	}
	if 0 < len(stack) {
		return nil, fmt.Errorf("unclosed element %s", stack[len(stack)-1].Name)
	}
	return root, nil
}
