// Package manifest parses and rewrites the operator-authored orchestration
// manifest, preserving every field it does not itself understand.
package manifest

import (
	"fmt"

	"github.com/Will-Luck/fblaster/internal/imageref"
	"gopkg.in/yaml.v3"
)

// ErrInvalidManifest is wrapped by every manifest parse failure.
var ErrInvalidManifest = fmt.Errorf("invalid manifest")

// Manifest is a parsed orchestration manifest. It holds the full yaml.Node
// tree rather than a typed struct so that unknown fields round-trip through
// parse/merge/serialize untouched.
type Manifest struct {
	doc *yaml.Node
}

// Parse reads a manifest, failing with ErrInvalidManifest if the top level
// has no "services" mapping or if any service lacks a non-empty "image"
// string.
func Parse(data []byte) (*Manifest, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	root, err := documentRoot(&doc)
	if err != nil {
		return nil, err
	}

	services := mappingValue(root, "services")
	if services == nil || services.Kind != yaml.MappingNode || len(services.Content) == 0 {
		return nil, fmt.Errorf("%w: top level has no services mapping", ErrInvalidManifest)
	}
	for i := 0; i < len(services.Content); i += 2 {
		name := services.Content[i].Value
		svc := services.Content[i+1]
		img := mappingValue(svc, "image")
		if img == nil || img.Value == "" {
			return nil, fmt.Errorf("%w: service %q has no image", ErrInvalidManifest, name)
		}
	}

	return &Manifest{doc: &doc}, nil
}

func documentRoot(doc *yaml.Node) (*yaml.Node, error) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, fmt.Errorf("%w: not a single-document mapping", ErrInvalidManifest)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level is not a mapping", ErrInvalidManifest)
	}
	return root, nil
}

// mappingValue returns the value node for key in a mapping node, or nil.
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// ExtractTracked returns the image references of every service whose image
// parses as registry/image:tag and whose (registry, image) or bare image is
// in tracked. Order matches the manifest's service declaration order.
// Unparseable image strings are silently skipped.
func (m *Manifest) ExtractTracked(tracked []string) []imageref.Ref {
	root, err := documentRoot(m.doc)
	if err != nil {
		return nil
	}
	services := mappingValue(root, "services")

	var out []imageref.Ref
	for i := 0; i < len(services.Content); i += 2 {
		svc := services.Content[i+1]
		img := mappingValue(svc, "image")
		if img == nil {
			continue
		}
		ref, ok := imageref.Parse(img.Value)
		if !ok {
			continue
		}
		if imageref.MatchesTracked(ref, tracked) {
			out = append(out, ref)
		}
	}
	return out
}

// ServiceNames returns every service label declared in the manifest, in
// declaration order.
func (m *Manifest) ServiceNames() []string {
	root, err := documentRoot(m.doc)
	if err != nil {
		return nil
	}
	services := mappingValue(root, "services")

	names := make([]string, 0, len(services.Content)/2)
	for i := 0; i < len(services.Content); i += 2 {
		names = append(names, services.Content[i].Value)
	}
	return names
}

// Merge returns a copy of m with each service's image rewritten when a ref
// in refs shares its (registry, image); services with no matching ref are
// untouched. Merge is idempotent: merging the same refs twice yields the
// same manifest both times.
func (m *Manifest) Merge(refs []imageref.Ref) *Manifest {
	clone := &Manifest{doc: cloneNode(m.doc)}
	root, err := documentRoot(clone.doc)
	if err != nil {
		return clone
	}
	services := mappingValue(root, "services")

	byKey := make(map[string]imageref.Ref, len(refs))
	for _, r := range refs {
		byKey[r.Key()] = r
	}

	for i := 0; i < len(services.Content); i += 2 {
		svc := services.Content[i+1]
		img := mappingValue(svc, "image")
		if img == nil {
			continue
		}
		cur, ok := imageref.Parse(img.Value)
		if !ok {
			continue
		}
		if newRef, ok := byKey[cur.Key()]; ok {
			img.Value = newRef.String()
		}
	}
	return clone
}

// Serialize renders the manifest back to its canonical YAML form,
// preserving unknown fields exactly as parsed.
func (m *Manifest) Serialize() ([]byte, error) {
	return yaml.Marshal(m.doc)
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	clone := *n
	if n.Content != nil {
		clone.Content = make([]*yaml.Node, len(n.Content))
		for i, c := range n.Content {
			clone.Content[i] = cloneNode(c)
		}
	}
	if n.Alias != nil {
		clone.Alias = cloneNode(n.Alias)
	}
	return &clone
}
