// Package config implements the opaque configuration-tree handle of spec
// §6: "a tree of named nodes and leaf values the host parses from its own
// format and hands to the VMM as an opaque handle with val(node, name) ->
// string and subtree(node, name) -> node accessors."
//
// Grounded on spec.md §6; the default parser is YAML (github.com/
// tinyrange-cc uses gopkg.in/yaml.v3 for its own site/bundle config in
// the same style: unmarshal into a generic tree, then navigate it).
package config

import (
	"fmt"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Node is the opaque configuration handle spec §6 describes: a name,
// leaf values, and named subtrees. The host's own config format is
// parsed once into this shape; nothing downstream touches YAML types
// directly.
type Node struct {
	name     string
	values   map[string]string
	subtrees map[string]*Node
}

// Parse decodes a YAML document into the root Node. Mapping keys become
// node names; scalar values become leaves (stringified); nested mappings
// become subtrees; sequences of scalars are joined as a single comma
// separated leaf value, since spec §6's accessors are leaf-string and
// subtree only.
func Parse(data []byte) (*Node, error) {
	var raw yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if len(raw.Content) == 0 {
		return newNode("root"), nil
	}
	return decodeMapping("root", raw.Content[0])
}

func newNode(name string) *Node {
	return &Node{name: name, values: make(map[string]string), subtrees: make(map[string]*Node)}
}

func decodeMapping(name string, n *yaml.Node) (*Node, error) {
	node := newNode(name)
	if n.Kind != yaml.MappingNode {
		return node, nil
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := n.Content[i+1]

		switch val.Kind {
		case yaml.MappingNode:
			child, err := decodeMapping(key, val)
			if err != nil {
				return nil, err
			}
			node.subtrees[key] = child
		case yaml.SequenceNode:
			node.values[key] = joinSequence(val)
		default:
			node.values[key] = val.Value
		}
	}
	return node, nil
}

func joinSequence(n *yaml.Node) string {
	out := ""
	for i, item := range n.Content {
		if i > 0 {
			out += ","
		}
		out += item.Value
	}
	return out
}

// Name returns node's own key in its parent, or "root" for the document root.
func (n *Node) Name() string { return n.name }

// Val implements spec §6's val(node, name) -> string, returning ("", false)
// if name is not a leaf of node.
func (n *Node) Val(name string) (string, bool) {
	v, ok := n.values[name]
	return v, ok
}

// ValOr is Val with a default for absent leaves.
func (n *Node) ValOr(name, def string) string {
	if v, ok := n.Val(name); ok {
		return v
	}
	return def
}

// Subtree implements spec §6's subtree(node, name) -> node.
func (n *Node) Subtree(name string) (*Node, bool) {
	s, ok := n.subtrees[name]
	return s, ok
}

// Subtrees returns the names of all direct child subtrees, for iteration
// (e.g. a "devices" node with one subtree per configured device).
func (n *Node) Subtrees() []string {
	names := make([]string, 0, len(n.subtrees))
	for name := range n.subtrees {
		names = append(names, name)
	}
	return names
}

// CheckProtocolVersion validates a "protocol_version" leaf (e.g. the
// hypercall ABI version a saved config was written against) using
// semantic-version comparison, rejecting configs newer than the running
// VMM's supported version.
func (n *Node) CheckProtocolVersion(key, supported string) error {
	v, ok := n.Val(key)
	if !ok {
		return nil
	}
	if !semver.IsValid("v" + v) {
		return fmt.Errorf("config: %s is not a valid semantic version: %q", key, v)
	}
	if semver.Compare("v"+v, "v"+supported) > 0 {
		return fmt.Errorf("config: %s %s is newer than supported %s", key, v, supported)
	}
	return nil
}
