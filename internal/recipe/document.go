package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	// ErrEmptyDocument is returned for a file with no YAML document in it.
	ErrEmptyDocument = errors.New("recipe is empty")

	// ErrNotMapping is returned when the top-level node is a scalar or sequence.
	ErrNotMapping = errors.New("recipe top level is not a mapping")

	// ErrMultipleDocuments is returned when a file holds more than one YAML document.
	ErrMultipleDocuments = errors.New("recipe contains more than one YAML document")
)

// Document is one parsed recipe file.
//
// The node tree keeps comments and source positions, Mapping is the generic
// decoded form used for checks and round-trips, and Recipe is the typed view.
// A Document is never mutated after Parse returns.
type Document struct {
	// Name is the file path, or a label for in-memory documents.
	Name string

	// Root is the top-level mapping node.
	Root *yaml.Node

	// Mapping is the whole document decoded into generic values.
	Mapping map[string]interface{}

	// Recipe is the typed view. When DecodeErr is set it holds whatever
	// could be decoded.
	Recipe *TrainingRecipe

	// DecodeErr records values that do not fit the typed view (e.g., a string
	// where a batch size is expected). It is reported by the structure rule
	// rather than failing the parse.
	DecodeErr error

	doc *yaml.Node
}

// Load reads and parses a recipe file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	return Parse(path, data)
}

// Parse parses a recipe document.
//
// Parameters:
//   - name: File path or label used in errors and reports
//   - data: YAML content
//
// Returns:
//   - Parsed document
//   - Error for invalid YAML, duplicate keys, an empty document, more than
//     one document, or a top level that is not a mapping
func Parse(name string, data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", name, ErrEmptyDocument)
		}
		return nil, fmt.Errorf("%s: invalid YAML: %w", name, err)
	}

	var next yaml.Node
	if err := dec.Decode(&next); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, fmt.Errorf("%s: invalid YAML: %w", name, err)
		}
		return nil, fmt.Errorf("%s: %w", name, ErrMultipleDocuments)
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyDocument)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
			return nil, fmt.Errorf("%s: %w", name, ErrEmptyDocument)
		}
		return nil, fmt.Errorf("%s: %w (found %s at line %d)", name, ErrNotMapping, kindName(root.Kind), root.Line)
	}

	// Decoding into a map rejects duplicate keys at every level.
	mapping := make(map[string]interface{})
	if err := root.Decode(&mapping); err != nil {
		return nil, fmt.Errorf("%s: invalid recipe: %w", name, err)
	}

	d := &Document{
		Name:    name,
		Root:    root,
		Mapping: mapping,
		Recipe:  &TrainingRecipe{},
		doc:     &doc,
	}
	if err := root.Decode(d.Recipe); err != nil {
		d.DecodeErr = err
	}
	return d, nil
}

// FileName returns the base name of the document's file.
func (d *Document) FileName() string {
	return filepath.Base(d.Name)
}

// Marshal serializes the document back to YAML, comments included.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	node := d.doc
	if node == nil {
		node = d.Root
	}
	if err := enc.Encode(node); err != nil {
		return nil, fmt.Errorf("failed to marshal recipe %s: %w", d.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal recipe %s: %w", d.Name, err)
	}
	return buf.Bytes(), nil
}

// Lookup returns the node at a dotted key path, or nil.
func (d *Document) Lookup(path string) *yaml.Node {
	return lookupNode(d.Root, splitPath(path))
}

func lookupNode(n *yaml.Node, segs []string) *yaml.Node {
	n = resolveNode(n)
	for _, seg := range segs {
		var next *yaml.Node
		for _, p := range mappingPairs(n) {
			if p.key.Value == seg {
				next = p.val
				break
			}
		}
		if next == nil {
			return nil
		}
		n = resolveNode(next)
	}
	return n
}

// resolveNode follows alias nodes to their anchored node.
func resolveNode(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// nodePair is one key/value entry of a mapping. val is the node as written
// and may be an alias.
type nodePair struct {
	key, val *yaml.Node
}

// mappingPairs returns the entries of a mapping as the decoder sees them:
// aliases are followed and "<<" merge keys are expanded. Keys written in the
// mapping override merged ones, and earlier merge sources override later
// ones. It returns nil for anything but a mapping.
func mappingPairs(n *yaml.Node) []nodePair {
	n = resolveNode(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}

	var own, sources []*yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		if isMergeKey(key) {
			src := resolveNode(val)
			if src != nil && src.Kind == yaml.SequenceNode {
				sources = append(sources, src.Content...)
			} else {
				sources = append(sources, src)
			}
			continue
		}
		own = append(own, key, val)
	}

	pairs := make([]nodePair, 0, len(own)/2)
	seen := make(map[string]bool, len(own)/2)
	for i := 0; i+1 < len(own); i += 2 {
		pairs = append(pairs, nodePair{key: own[i], val: own[i+1]})
		seen[own[i].Value] = true
	}
	for _, src := range sources {
		for _, p := range mappingPairs(src) {
			if !seen[p.key.Value] {
				seen[p.key.Value] = true
				pairs = append(pairs, p)
			}
		}
	}
	return pairs
}

func isMergeKey(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Value == "<<" && n.ShortTag() == "!!merge"
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}
