package plugin

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"github.com/gobwas/glob"
)

const (
	// CSVPluginKey identifies the CSV plugin in change records.
	CSVPluginKey = "csv"

	// SchemaKeyCSVHeader is the schema of the header entity.
	SchemaKeyCSVHeader = "csv_header"

	// SchemaKeyCSVRow is the schema of one data row.
	SchemaKeyCSVRow = "csv_row"

	// CSVHeaderEntityID is the fixed id of the header entity.
	CSVHeaderEntityID = "header"

	defaultCSVGlob = "**.csv"
)

// CSVPlugin tracks each data row as an entity keyed by the value of a
// unique column, plus one entity for the header. Snapshots are JSON
// arrays of cells so cell values survive any CSV quoting.
type CSVPlugin struct {
	pattern      glob.Glob
	uniqueColumn string // empty means first column
}

// NewCSVPlugin creates the plugin. Empty arguments fall back to the
// default *.csv glob and the first column as row key.
func NewCSVPlugin(pattern, uniqueColumn string) *CSVPlugin {
	if pattern == "" {
		pattern = defaultCSVGlob
	}
	return &CSVPlugin{
		pattern:      compileGlob(pattern),
		uniqueColumn: uniqueColumn,
	}
}

func (p *CSVPlugin) Key() string { return CSVPluginKey }

func (p *CSVPlugin) Match(path string) bool { return p.pattern.Match(path) }

func (p *CSVPlugin) Diff(before, after []byte) ([]EntityDelta, error) {
	beforeHeader, beforeRows, err := p.parse(before)
	if err != nil {
		return nil, err
	}
	afterHeader, afterRows, err := p.parse(after)
	if err != nil {
		return nil, err
	}

	var deltas []EntityDelta

	if !bytes.Equal(beforeHeader, afterHeader) {
		deltas = append(deltas, EntityDelta{
			EntityID:  CSVHeaderEntityID,
			SchemaKey: SchemaKeyCSVHeader,
			Snapshot:  afterHeader,
		})
	}

	for key, row := range afterRows {
		if prior, existed := beforeRows[key]; !existed || !bytes.Equal(prior, row) {
			deltas = append(deltas, EntityDelta{
				EntityID:  key,
				SchemaKey: SchemaKeyCSVRow,
				Snapshot:  row,
			})
		}
	}
	for key := range beforeRows {
		if _, survives := afterRows[key]; !survives {
			deltas = append(deltas, EntityDelta{
				EntityID:  key,
				SchemaKey: SchemaKeyCSVRow,
			})
		}
	}
	return deltas, nil
}

// Render writes the header first, then rows sorted by key.
func (p *CSVPlugin) Render(entities []Entity) ([]byte, error) {
	var header []string
	var rows []Entity

	for _, entity := range entities {
		if entity.SchemaKey == SchemaKeyCSVHeader {
			if err := json.Unmarshal(entity.Snapshot, &header); err != nil {
				return nil, fmt.Errorf("decode header: %w", err)
			}
			continue
		}
		rows = append(rows, entity)
	}
	if header == nil {
		return nil, fmt.Errorf("render csv: no header entity")
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(header); err != nil {
		return nil, err
	}
	for _, entity := range sortEntities(rows) {
		var cells []string
		if err := json.Unmarshal(entity.Snapshot, &cells); err != nil {
			return nil, fmt.Errorf("decode row %q: %w", entity.EntityID, err)
		}
		if err := writer.Write(cells); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	return buf.Bytes(), writer.Error()
}

// parse returns the JSON-encoded header and the data rows keyed by
// the unique column. nil input yields an empty table.
func (p *CSVPlugin) parse(data []byte) ([]byte, map[string][]byte, error) {
	if data == nil {
		return nil, map[string][]byte{}, nil
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, map[string][]byte{}, nil
	}

	header := records[0]
	keyIndex := 0
	if p.uniqueColumn != "" {
		keyIndex = -1
		for i, name := range header {
			if name == p.uniqueColumn {
				keyIndex = i
				break
			}
		}
		if keyIndex < 0 {
			return nil, nil, fmt.Errorf("unique column %q not in header", p.uniqueColumn)
		}
	}

	encodedHeader, err := json.Marshal(header)
	if err != nil {
		return nil, nil, err
	}

	rows := make(map[string][]byte, len(records)-1)
	for _, record := range records[1:] {
		if keyIndex >= len(record) {
			return nil, nil, fmt.Errorf("row shorter than key column %d", keyIndex)
		}
		key := record[keyIndex]
		if _, dup := rows[key]; dup {
			return nil, nil, fmt.Errorf("duplicate row key %q", key)
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return nil, nil, err
		}
		rows[key] = encoded
	}
	return encodedHeader, rows, nil
}
