// Package retrieval searches the regional knowledge partitions and merges
// their passages into one ordered context.
package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Source attributes a passage to its place in the legal corpus.
type Source struct {
	Document string
	Section  string
	Page     int
}

// String renders the source in citation form: "<Document>, <Section>, Page <N>".
// Missing parts are left out.
func (s Source) String() string {
	parts := make([]string, 0, 3)
	if doc := strings.TrimSpace(s.Document); doc != "" {
		parts = append(parts, doc)
	}
	if section := strings.TrimSpace(s.Section); section != "" {
		parts = append(parts, section)
	}
	if s.Page > 0 {
		parts = append(parts, fmt.Sprintf("Page %d", s.Page))
	}
	return strings.Join(parts, ", ")
}

type Passage struct {
	Partition string
	Content   string
	Source    Source
	Score     float64
}

// Retriever searches one knowledge partition. Search returns at most k
// passages ordered by descending similarity; no match is an empty slice, not
// an error.
type Retriever interface {
	Name() string
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// FormatContext renders passages for the generation prompt, each preceded by
// its partition and citation so the model can reference it.
func FormatContext(passages []Passage) string {
	blocks := make([]string, 0, len(passages))
	for _, p := range passages {
		var sb strings.Builder
		sb.WriteString("[")
		sb.WriteString(p.Partition)
		sb.WriteString("]")
		if src := p.Source.String(); src != "" {
			sb.WriteString(" ")
			sb.WriteString(src)
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(p.Content))
		blocks = append(blocks, sb.String())
	}
	return strings.Join(blocks, "\n\n")
}
