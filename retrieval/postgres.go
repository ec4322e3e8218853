package retrieval

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/legal-agent/embeddings"
)

// PostgresPartition searches the rows of one partition in legal_passages.
type PostgresPartition struct {
	name     string
	pool     *pgxpool.Pool
	embedder embeddings.Embedder
}

func NewPostgresPartition(name string, pool *pgxpool.Pool, embedder embeddings.Embedder) *PostgresPartition {
	return &PostgresPartition{name: name, pool: pool, embedder: embedder}
}

// OpenPostgresPartitions builds one retriever per name and verifies each
// partition holds passages. An error here means the service cannot start.
func OpenPostgresPartitions(ctx context.Context, pool *pgxpool.Pool, embedder embeddings.Embedder, names []string) ([]Retriever, error) {
	retrievers := make([]Retriever, 0, len(names))
	for _, name := range names {
		partition := NewPostgresPartition(name, pool, embedder)
		if err := partition.Verify(ctx); err != nil {
			return nil, err
		}
		retrievers = append(retrievers, partition)
	}
	return retrievers, nil
}

func (p *PostgresPartition) Name() string { return p.name }

func (p *PostgresPartition) Verify(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("partition %s: postgres pool is nil", p.name)
	}
	var exists bool
	if err := p.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM legal_passages WHERE partition = $1)", p.name,
	).Scan(&exists); err != nil {
		return fmt.Errorf("partition %s: check index: %w", p.name, err)
	}
	if !exists {
		return fmt.Errorf("partition %s: index is empty or missing", p.name)
	}
	return nil
}

func (p *PostgresPartition) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if k <= 0 {
		k = DefaultFetchCount
	}

	embedding, err := embeddings.EmbedQuery(ctx, p.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := k * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
        SELECT
            lp.document_name,
            COALESCE(lp.section, ''),
            COALESCE(lp.page, 0),
            lp.content,
            (lp.embedding <-> $1::vector) AS distance
        FROM legal_passages lp
        WHERE lp.partition = $2
        ORDER BY lp.embedding <-> $1::vector
        LIMIT $3
    `, pgvector.NewVector(embedding), p.name, k)
	if err != nil {
		return nil, fmt.Errorf("query partition %s: %w", p.name, err)
	}
	defer rows.Close()

	passages := make([]Passage, 0, k)
	for rows.Next() {
		item := Passage{Partition: p.name}
		var distance float64
		if err := rows.Scan(&item.Source.Document, &item.Source.Section, &item.Source.Page, &item.Content, &distance); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		item.Score = 1 / (1 + distance)
		passages = append(passages, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read passages: %w", err)
	}

	return passages, nil
}

var _ Retriever = (*PostgresPartition)(nil)
