package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gobwas/glob"
)

const (
	// JSONPluginKey identifies the JSON plugin in change records.
	JSONPluginKey = "json"

	// SchemaKeyJSONProperty is the schema of a top-level JSON property.
	SchemaKeyJSONProperty = "json_property"

	defaultJSONGlob = "**.json"
)

// JSONPlugin tracks each top-level property of a JSON object as its
// own entity, keyed by property name.
type JSONPlugin struct {
	pattern glob.Glob
}

// NewJSONPlugin creates the plugin. An empty pattern falls back to
// the default *.json glob.
func NewJSONPlugin(pattern string) *JSONPlugin {
	if pattern == "" {
		pattern = defaultJSONGlob
	}
	return &JSONPlugin{pattern: compileGlob(pattern)}
}

func (p *JSONPlugin) Key() string { return JSONPluginKey }

func (p *JSONPlugin) Match(path string) bool { return p.pattern.Match(path) }

// Diff compares top-level properties. Values are compared by compact
// JSON encoding, so formatting-only edits produce no deltas.
func (p *JSONPlugin) Diff(before, after []byte) ([]EntityDelta, error) {
	beforeProps, err := parseProperties(before)
	if err != nil {
		return nil, err
	}
	afterProps, err := parseProperties(after)
	if err != nil {
		return nil, err
	}

	var deltas []EntityDelta
	for name, value := range afterProps {
		if prior, existed := beforeProps[name]; !existed || !bytes.Equal(prior, value) {
			deltas = append(deltas, EntityDelta{
				EntityID:  name,
				SchemaKey: SchemaKeyJSONProperty,
				Snapshot:  value,
			})
		}
	}
	for name := range beforeProps {
		if _, survives := afterProps[name]; !survives {
			deltas = append(deltas, EntityDelta{
				EntityID:  name,
				SchemaKey: SchemaKeyJSONProperty,
			})
		}
	}
	return deltas, nil
}

// Render reassembles the object with keys in sorted order.
func (p *JSONPlugin) Render(entities []Entity) ([]byte, error) {
	object := make(map[string]json.RawMessage, len(entities))
	for _, entity := range entities {
		if !json.Valid(entity.Snapshot) {
			return nil, fmt.Errorf("property %q holds invalid json", entity.EntityID)
		}
		object[entity.EntityID] = json.RawMessage(entity.Snapshot)
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(object); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parseProperties returns the top-level properties with compact
// value encodings. nil input (absent file) yields an empty map.
func parseProperties(data []byte) (map[string][]byte, error) {
	if data == nil {
		return map[string][]byte{}, nil
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, fmt.Errorf("parse json object: %w", err)
	}

	properties := make(map[string][]byte, len(object))
	for name, raw := range object {
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return nil, fmt.Errorf("compact property %q: %w", name, err)
		}
		properties[name] = compact.Bytes()
	}
	return properties, nil
}
