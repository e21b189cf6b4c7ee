package plugin

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

const (
	// MarkdownPluginKey identifies the markdown plugin in change records.
	MarkdownPluginKey = "markdown"

	// SchemaKeyMarkdownBlock is the schema of one block of markdown.
	SchemaKeyMarkdownBlock = "markdown_block"

	defaultMarkdownGlob = "**.md"
)

// MarkdownPlugin tracks blank-line separated blocks as entities keyed
// by position. Ids are zero-padded so lexicographic order matches
// document order.
type MarkdownPlugin struct {
	pattern glob.Glob
}

// NewMarkdownPlugin creates the plugin. An empty pattern falls back
// to the default *.md glob.
func NewMarkdownPlugin(pattern string) *MarkdownPlugin {
	if pattern == "" {
		pattern = defaultMarkdownGlob
	}
	return &MarkdownPlugin{pattern: compileGlob(pattern)}
}

func (p *MarkdownPlugin) Key() string { return MarkdownPluginKey }

func (p *MarkdownPlugin) Match(path string) bool { return p.pattern.Match(path) }

func (p *MarkdownPlugin) Diff(before, after []byte) ([]EntityDelta, error) {
	beforeBlocks := splitBlocks(before)
	afterBlocks := splitBlocks(after)

	var deltas []EntityDelta
	for i, block := range afterBlocks {
		if i < len(beforeBlocks) && beforeBlocks[i] == block {
			continue
		}
		deltas = append(deltas, EntityDelta{
			EntityID:  blockEntityID(i),
			SchemaKey: SchemaKeyMarkdownBlock,
			Snapshot:  []byte(block),
		})
	}
	for i := len(afterBlocks); i < len(beforeBlocks); i++ {
		deltas = append(deltas, EntityDelta{
			EntityID:  blockEntityID(i),
			SchemaKey: SchemaKeyMarkdownBlock,
		})
	}
	return deltas, nil
}

// Render joins blocks in id order with blank lines.
func (p *MarkdownPlugin) Render(entities []Entity) ([]byte, error) {
	sorted := sortEntities(entities)

	var buf bytes.Buffer
	for i, entity := range sorted {
		if i > 0 {
			buf.WriteString("\n\n")
		}
		buf.Write(entity.Snapshot)
	}
	if buf.Len() > 0 {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

func blockEntityID(index int) string {
	return fmt.Sprintf("block-%06d", index)
}

// splitBlocks splits on runs of blank lines and trims trailing
// whitespace per block. nil input yields no blocks.
func splitBlocks(data []byte) []string {
	if len(data) == 0 {
		return nil
	}

	normalized := strings.ReplaceAll(string(data), "\r\n", "\n")

	var blocks []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.TrimRight(strings.Join(current, "\n"), "\n"))
			current = nil
		}
	}

	for _, line := range strings.Split(normalized, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}
