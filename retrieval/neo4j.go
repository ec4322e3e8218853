package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/legal-agent/embeddings"
)

var indexNameSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

func sanitizePartition(partition string) string {
	return indexNameSanitizer.ReplaceAllString(strings.ToLower(partition), "_")
}

// Neo4jIndexName returns the vector index that backs a partition.
func Neo4jIndexName(partition string) string {
	return "legal_passages_" + sanitizePartition(partition)
}

// Neo4jLabel returns the node label of a partition's passages. Each
// partition needs its own label because Neo4j allows one vector index per
// label and property.
func Neo4jLabel(partition string) string {
	return "Passage_" + sanitizePartition(partition)
}

// Neo4jPartition searches one partition stored as Passage_<partition> nodes
// behind a Neo4j vector index on their embedding property.
type Neo4jPartition struct {
	name     string
	index    string
	label    string
	driver   neo4j.DriverWithContext
	embedder embeddings.Embedder
}

func NewNeo4jPartition(name string, driver neo4j.DriverWithContext, embedder embeddings.Embedder) *Neo4jPartition {
	return &Neo4jPartition{
		name:     name,
		index:    Neo4jIndexName(name),
		label:    Neo4jLabel(name),
		driver:   driver,
		embedder: embedder,
	}
}

func OpenNeo4jPartitions(ctx context.Context, driver neo4j.DriverWithContext, embedder embeddings.Embedder, names []string) ([]Retriever, error) {
	retrievers := make([]Retriever, 0, len(names))
	for _, name := range names {
		partition := NewNeo4jPartition(name, driver, embedder)
		if err := partition.Verify(ctx); err != nil {
			return nil, err
		}
		retrievers = append(retrievers, partition)
	}
	return retrievers, nil
}

func (p *Neo4jPartition) Name() string { return p.name }

func (p *Neo4jPartition) Verify(ctx context.Context) error {
	if p.driver == nil {
		return fmt.Errorf("partition %s: neo4j driver is nil", p.name)
	}

	session := p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		"SHOW VECTOR INDEXES YIELD name, state WHERE name = $index RETURN state",
		map[string]any{"index": p.index})
	if err != nil {
		return fmt.Errorf("partition %s: check index: %w", p.name, err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return fmt.Errorf("partition %s: check index: %w", p.name, err)
		}
		return fmt.Errorf("partition %s: vector index %s not found", p.name, p.index)
	}
	state, _ := result.Record().Get("state")
	if s, ok := state.(string); ok && s != "ONLINE" {
		return fmt.Errorf("partition %s: vector index %s is %s", p.name, p.index, s)
	}
	return nil
}

// EnsureIndex creates the partition's vector index when it is missing.
func (p *Neo4jPartition) EnsureIndex(ctx context.Context, dimension int) error {
	if p.driver == nil {
		return fmt.Errorf("partition %s: neo4j driver is nil", p.name)
	}
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	session := p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	// Index names and labels cannot be parameters; both are sanitized.
	stmt := fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS
		FOR (n:%s) ON (n.embedding)
		OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: $dimension, `+"`vector.similarity_function`"+`: 'cosine'}}`,
		p.index, p.label)
	result, err := session.Run(ctx, stmt, map[string]any{"dimension": dimension})
	if err != nil {
		return fmt.Errorf("partition %s: create vector index: %w", p.name, err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("partition %s: create vector index: %w", p.name, err)
	}
	return nil
}

func (p *Neo4jPartition) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if p.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if k <= 0 {
		k = DefaultFetchCount
	}

	embedding, err := embeddings.EmbedQuery(ctx, p.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vector := make([]float64, len(embedding))
	for i, v := range embedding {
		vector[i] = float64(v)
	}

	session := p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		CALL db.index.vector.queryNodes($index, $k, $embedding)
		YIELD node, score
		RETURN node.content AS content,
		       node.document AS document,
		       node.section AS section,
		       node.page AS page,
		       score
		ORDER BY score DESC
	`, map[string]any{"index": p.index, "k": k, "embedding": vector})
	if err != nil {
		return nil, fmt.Errorf("query partition %s: %w", p.name, err)
	}

	passages := make([]Passage, 0, k)
	for result.Next(ctx) {
		record := result.Record()
		content, _ := record.Get("content")
		document, _ := record.Get("document")
		section, _ := record.Get("section")
		page, _ := record.Get("page")
		score, _ := record.Get("score")

		text, ok := content.(string)
		if !ok || text == "" {
			continue
		}
		item := Passage{Partition: p.name, Content: text}
		item.Source.Document, _ = document.(string)
		item.Source.Section, _ = section.(string)
		item.Source.Page = toInt(page)
		item.Score, _ = score.(float64)
		passages = append(passages, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read passages: %w", err)
	}

	return passages, nil
}

var _ Retriever = (*Neo4jPartition)(nil)

func toInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
