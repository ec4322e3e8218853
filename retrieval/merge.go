package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultFetchCount = 8

var (
	ErrNoPartitions        = errors.New("no knowledge partitions configured")
	ErrAllPartitionsFailed = errors.New("all knowledge partitions failed")
	ErrTooFewPartitions    = errors.New("too few knowledge partitions available")
)

// PartitionOutcome is the tagged result of searching one partition: either
// Passages or Err is meaningful.
type PartitionOutcome struct {
	Partition string
	Passages  []Passage
	Err       error
	Took      time.Duration
}

func (o PartitionOutcome) OK() bool { return o.Err == nil }

type MergeResult struct {
	// Passages are ordered by partition list order, then by rank within the
	// partition. Duplicates across partitions are kept.
	Passages []Passage
	Outcomes []PartitionOutcome
}

// Failed lists the partitions that could not be searched.
func (r MergeResult) Failed() []PartitionOutcome {
	var failed []PartitionOutcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Degraded reports whether the context was built from a subset of partitions.
func (r MergeResult) Degraded() bool { return len(r.Failed()) > 0 }

type Merger struct {
	retrievers []Retriever
	fetchCount int
	minHealthy int
	logger     *zap.Logger
}

type MergerOption func(*Merger)

func WithFetchCount(k int) MergerOption {
	return func(m *Merger) {
		if k > 0 {
			m.fetchCount = k
		}
	}
}

// WithMinHealthy sets how many partitions must answer for a merge to count as
// successful. The default of 1 fails only when every partition is down.
func WithMinHealthy(n int) MergerOption {
	return func(m *Merger) {
		if n > 0 {
			m.minHealthy = n
		}
	}
}

func WithLogger(logger *zap.Logger) MergerOption {
	return func(m *Merger) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewMerger(retrievers []Retriever, opts ...MergerOption) *Merger {
	m := &Merger{
		retrievers: append([]Retriever(nil), retrievers...),
		fetchCount: DefaultFetchCount,
		minHealthy: 1,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Partitions returns the partition names in merge order.
func (m *Merger) Partitions() []string {
	names := make([]string, len(m.retrievers))
	for i, r := range m.retrievers {
		names[i] = r.Name()
	}
	return names
}

// Merge searches every partition concurrently and concatenates the results in
// partition order. Failed partitions are skipped with a warning as long as at
// least minHealthy partitions answered.
func (m *Merger) Merge(ctx context.Context, query string) (MergeResult, error) {
	if len(m.retrievers) == 0 {
		return MergeResult{}, ErrNoPartitions
	}

	outcomes := make([]PartitionOutcome, len(m.retrievers))
	var g errgroup.Group
	for i, r := range m.retrievers {
		g.Go(func() error {
			outcomes[i] = m.search(ctx, r, query)
			return nil
		})
	}
	_ = g.Wait()

	result := MergeResult{Outcomes: outcomes}
	var failures *multierror.Error
	healthy := 0
	for _, o := range outcomes {
		if !o.OK() {
			m.logger.Warn("partition search failed, continuing with partial context",
				zap.String("partition", o.Partition),
				zap.Error(o.Err),
			)
			failures = multierror.Append(failures, fmt.Errorf("partition %s: %w", o.Partition, o.Err))
			continue
		}
		healthy++
		result.Passages = append(result.Passages, o.Passages...)
	}

	switch {
	case healthy == 0:
		return result, fmt.Errorf("%w: %w", ErrAllPartitionsFailed, failures.ErrorOrNil())
	case healthy < m.minHealthy:
		return result, fmt.Errorf("%w: %d of %d answered, need %d: %w",
			ErrTooFewPartitions, healthy, len(outcomes), m.minHealthy, failures.ErrorOrNil())
	}

	m.logger.Debug("merged partition context",
		zap.Int("passages", len(result.Passages)),
		zap.Int("healthy", healthy),
		zap.Int("partitions", len(outcomes)),
	)
	return result, nil
}

func (m *Merger) search(ctx context.Context, r Retriever, query string) PartitionOutcome {
	start := time.Now()
	outcome := PartitionOutcome{Partition: r.Name()}
	passages, err := r.Search(ctx, query, m.fetchCount)
	outcome.Took = time.Since(start)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if len(passages) > m.fetchCount {
		passages = passages[:m.fetchCount]
	}
	outcome.Passages = make([]Passage, len(passages))
	for i, p := range passages {
		if p.Partition == "" {
			p.Partition = outcome.Partition
		}
		outcome.Passages[i] = p
	}
	return outcome
}
