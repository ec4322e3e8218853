package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRetriever struct {
	name     string
	passages []Passage
	err      error
	delay    time.Duration
	gotK     int
}

func (s *stubRetriever) Name() string { return s.name }

func (s *stubRetriever) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	s.gotK = k
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.passages, nil
}

var _ Retriever = (*stubRetriever)(nil)

func passages(partition string, contents ...string) []Passage {
	out := make([]Passage, len(contents))
	for i, c := range contents {
		out[i] = Passage{Partition: partition, Content: c, Score: 1 / float64(i+1)}
	}
	return out
}

func contents(ps []Passage) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Content
	}
	return out
}

func TestMergeKeepsPartitionOrderRegardlessOfCompletion(t *testing.T) {
	retrievers := []Retriever{
		&stubRetriever{name: "punjab", passages: passages("punjab", "p1", "p2"), delay: 40 * time.Millisecond},
		&stubRetriever{name: "sindh", passages: passages("sindh", "s1")},
		&stubRetriever{name: "kpk", passages: nil, delay: 10 * time.Millisecond},
		&stubRetriever{name: "balochistan", passages: passages("balochistan", "b1", "b2")},
	}
	merger := NewMerger(retrievers)

	first, err := merger.Merge(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "s1", "b1", "b2"}, contents(first.Passages))
	assert.False(t, first.Degraded())

	second, err := merger.Merge(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, first.Passages, second.Passages)
}

func TestMergePreservesCrossPartitionDuplicates(t *testing.T) {
	dup := Passage{Content: "Muslim Family Laws Ordinance s.4", Source: Source{Document: "MFLO", Section: "Section 4", Page: 2}}
	merger := NewMerger([]Retriever{
		&stubRetriever{name: "punjab", passages: []Passage{dup}},
		&stubRetriever{name: "sindh", passages: []Passage{dup}},
	})

	result, err := merger.Merge(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, result.Passages, 2)
	assert.Equal(t, "punjab", result.Passages[0].Partition)
	assert.Equal(t, "sindh", result.Passages[1].Partition)
}

func TestMergeUsesFetchCount(t *testing.T) {
	r := &stubRetriever{name: "punjab", passages: passages("punjab", "a", "b", "c", "d")}
	merger := NewMerger([]Retriever{r}, WithFetchCount(3))

	result, err := merger.Merge(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 3, r.gotK)
	assert.Equal(t, []string{"a", "b", "c"}, contents(result.Passages))
}

func TestMergeDefaultFetchCount(t *testing.T) {
	r := &stubRetriever{name: "punjab"}
	_, err := NewMerger([]Retriever{r}).Merge(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, DefaultFetchCount, r.gotK)
}

func TestMergeContinuesWithPartialContext(t *testing.T) {
	merger := NewMerger([]Retriever{
		&stubRetriever{name: "punjab", passages: passages("punjab", "p1")},
		&stubRetriever{name: "sindh", err: errors.New("index unreachable")},
		&stubRetriever{name: "kpk", passages: passages("kpk", "k1")},
	})

	result, err := merger.Merge(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "k1"}, contents(result.Passages))
	assert.True(t, result.Degraded())
	failed := result.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "sindh", failed[0].Partition)
}

func TestMergeFailsWhenAllPartitionsFail(t *testing.T) {
	merger := NewMerger([]Retriever{
		&stubRetriever{name: "punjab", err: errors.New("down")},
		&stubRetriever{name: "sindh", err: errors.New("down")},
	})

	result, err := merger.Merge(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllPartitionsFailed)
	assert.Contains(t, err.Error(), "partition punjab")
	assert.Contains(t, err.Error(), "partition sindh")
	assert.Empty(t, result.Passages)
}

func TestMergeEnforcesMinHealthy(t *testing.T) {
	merger := NewMerger([]Retriever{
		&stubRetriever{name: "punjab", passages: passages("punjab", "p1")},
		&stubRetriever{name: "sindh", err: errors.New("down")},
		&stubRetriever{name: "kpk", err: errors.New("down")},
	}, WithMinHealthy(2))

	_, err := merger.Merge(context.Background(), "q")
	assert.ErrorIs(t, err, ErrTooFewPartitions)
}

func TestMergeWithoutPartitions(t *testing.T) {
	_, err := NewMerger(nil).Merge(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNoPartitions)
}

func TestMergerPartitions(t *testing.T) {
	merger := NewMerger([]Retriever{&stubRetriever{name: "punjab"}, &stubRetriever{name: "sindh"}})
	assert.Equal(t, []string{"punjab", "sindh"}, merger.Partitions())
}
