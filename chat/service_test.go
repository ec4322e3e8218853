package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/legal-agent/chatlog"
	"github.com/fabfab/legal-agent/history"
	"github.com/fabfab/legal-agent/llm"
	"github.com/fabfab/legal-agent/metrics"
	"github.com/fabfab/legal-agent/retrieval"
)

type scriptedLLM struct {
	mu      sync.Mutex
	prompts []string
	reply   func(ctx context.Context, prompt string) (string, error)
}

func (s *scriptedLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) != 1 || messages[0].Role != llm.RoleUser {
		return "", errors.New("expected a single user message")
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, messages[0].Content)
	s.mu.Unlock()
	return s.reply(ctx, messages[0].Content)
}

func (s *scriptedLLM) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

var _ llm.Client = (*scriptedLLM)(nil)

type fakePartition struct {
	name     string
	passages []retrieval.Passage
	err      error
}

func (f fakePartition) Name() string { return f.name }

func (f fakePartition) Search(_ context.Context, _ string, k int) ([]retrieval.Passage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.passages) > k {
		return f.passages[:k], nil
	}
	return f.passages, nil
}

var _ retrieval.Retriever = fakePartition{}

func passage(partition, document, section string, page int, content string) retrieval.Passage {
	return retrieval.Passage{
		Partition: partition,
		Content:   content,
		Source:    retrieval.Source{Document: document, Section: section, Page: page},
		Score:     0.9,
	}
}

func provinces() []retrieval.Retriever {
	return []retrieval.Retriever{
		fakePartition{name: "punjab", passages: []retrieval.Passage{
			passage("punjab", "Punjab Muslim Personal Law Application Act 1948", "Section 2", 3, "Succession is governed by Muslim personal law."),
		}},
		fakePartition{name: "sindh", passages: []retrieval.Passage{
			passage("sindh", "Sindh Succession Rules", "Rule 4", 7, "A daughter takes half the share of a son."),
		}},
		fakePartition{name: "kpk", passages: nil},
		fakePartition{name: "balochistan", passages: []retrieval.Passage{
			passage("balochistan", "Balochistan Inheritance Ordinance", "Clause 3", 5, "Shares follow the Quranic fractions."),
		}},
	}
}

type harness struct {
	svc      *Service
	llm      *scriptedLLM
	sessions *history.Manager
	sink     *chatlog.MemorySink
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, partitions []retrieval.Retriever, reply func(context.Context, string) (string, error)) *harness {
	t.Helper()
	h := &harness{
		llm:      &scriptedLLM{reply: reply},
		sessions: history.NewManager(history.NewMemoryStore()),
		sink:     &chatlog.MemorySink{},
		metrics:  metrics.New(),
	}
	h.svc = NewService(
		retrieval.NewMerger(partitions),
		NewGenerator(h.llm, "", time.Second),
		h.sessions,
		h.sink,
		h.metrics,
		nil,
	)
	return h
}

func (h *harness) turns(t *testing.T, session string) []history.Turn {
	t.Helper()
	turns, err := h.sessions.Snapshot(context.Background(), session)
	require.NoError(t, err)
	return turns
}

func TestChatGreetingHasNoReferences(t *testing.T) {
	h := newHarness(t, provinces(), func(_ context.Context, prompt string) (string, error) {
		return `{"answer": "Hello, how can I help?"}`, nil
	})

	answer, err := h.svc.Chat(context.Background(), Request{Question: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "Hello, how can I help?", answer.Answer)
	assert.Nil(t, answer.References)
	data, err := json.Marshal(answer)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"Hello, how can I help?"}`, string(data))

	turns := h.turns(t, "")
	require.Len(t, turns, 2)
	assert.Equal(t, history.Turn{Role: history.RoleUser, Content: "hello"}.String(), turns[0].String())
	assert.Equal(t, "Assistant: Hello, how can I help?", turns[1].String())
	assert.Len(t, h.sink.Records(), 2)
}

func TestChatAmbiguousQuestionAsksToClarify(t *testing.T) {
	const clarify = "Are you asking about Sunni or Shia inheritance law?"
	h := newHarness(t, provinces(), func(_ context.Context, prompt string) (string, error) {
		return `{"answer": "` + clarify + `"}`, nil
	})

	question := "What is the inheritance law?"
	answer, err := h.svc.Chat(context.Background(), Request{SessionID: "ambiguous", Question: question})
	require.NoError(t, err)

	assert.Equal(t, clarify, answer.Answer)
	assert.True(t, strings.HasSuffix(answer.Answer, "?"))
	assert.Nil(t, answer.References)
	data, err := json.Marshal(answer)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "references")

	prompts := h.llm.calls()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], question)

	turns := h.turns(t, "ambiguous")
	require.Len(t, turns, 2)
	assert.Equal(t, "User: "+question, turns[0].String())
	assert.Equal(t, "Assistant: "+clarify, turns[1].String())
	require.Len(t, h.sink.Records(), 2)
	assert.Equal(t, answer, h.sink.Records()[1].Message)
}

func TestChatLegalQuestionWithoutMatchKeepsEmptyReferences(t *testing.T) {
	h := newHarness(t, provinces(), func(_ context.Context, prompt string) (string, error) {
		return `{"answer": "The provided statutes do not cover this.", "references": []}`, nil
	})

	answer, err := h.svc.Chat(context.Background(), Request{Question: "What is the stamp duty on a gift deed?"})
	require.NoError(t, err)

	require.NotNil(t, answer.References)
	assert.Empty(t, answer.References)
	data, err := json.Marshal(answer)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"The provided statutes do not cover this.","references":[]}`, string(data))
}

func TestChatLegalQuestionCitesAllPartitions(t *testing.T) {
	h := newHarness(t, provinces(), func(_ context.Context, prompt string) (string, error) {
		return `{"answer": "A daughter inherits half the share of a son.", "references": ["Sindh Succession Rules, Rule 4, Page 7"]}`, nil
	})

	question := "What is the inheritance share of a daughter under Sunni law?"
	answer, err := h.svc.Chat(context.Background(), Request{SessionID: "s1", Question: question})
	require.NoError(t, err)
	assert.Equal(t, []string{"Sindh Succession Rules, Rule 4, Page 7"}, answer.References)

	prompts := h.llm.calls()
	require.Len(t, prompts, 1)
	prompt := prompts[0]
	assert.Contains(t, prompt, question)
	punjab := strings.Index(prompt, "Punjab Muslim Personal Law Application Act 1948")
	sindh := strings.Index(prompt, "Sindh Succession Rules")
	balochistan := strings.Index(prompt, "Balochistan Inheritance Ordinance")
	require.True(t, punjab >= 0 && sindh >= 0 && balochistan >= 0, "context must carry every partition")
	assert.Less(t, punjab, sindh)
	assert.Less(t, sindh, balochistan)

	records := h.sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "s1", records[0].SessionID)
	assert.Equal(t, question, records[0].Message)
	assert.Equal(t, answer, records[1].Message)
}

func TestChatFollowUpSeesPreviousExchange(t *testing.T) {
	h := newHarness(t, provinces(), func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Question:\nGive more references") {
			return `{"answer": "See also the Balochistan ordinance.", "references": ["Balochistan Inheritance Ordinance, Clause 3, Page 5"]}`, nil
		}
		return `{"answer": "Half of the son's share.", "references": ["Sindh Succession Rules, Rule 4, Page 7"]}`, nil
	})
	ctx := context.Background()

	_, err := h.svc.Chat(ctx, Request{Question: "What is the inheritance share of a daughter under Sunni law?"})
	require.NoError(t, err)
	answer, err := h.svc.Chat(ctx, Request{Question: "Give more references"})
	require.NoError(t, err)
	assert.Equal(t, "See also the Balochistan ordinance.", answer.Answer)

	prompts := h.llm.calls()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1],
		"User: What is the inheritance share of a daughter under Sunni law?\nAssistant: Half of the son's share.")
	assert.NotContains(t, prompts[0], "Assistant:")
	assert.Len(t, h.turns(t, ""), 4)
}

func TestChatFallsBackOnUnstructuredOutput(t *testing.T) {
	h := newHarness(t, provinces(), func(context.Context, string) (string, error) {
		return "Sorry, I cannot answer that.", nil
	})

	answer, err := h.svc.Chat(context.Background(), Request{Question: "Explain the Anti-Terrorism Act"})
	require.NoError(t, err)
	assert.Equal(t, "Sorry, I cannot answer that.", answer.Answer)
	assert.NotNil(t, answer.References)
	assert.Empty(t, answer.References)

	data, err := json.Marshal(answer)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"Sorry, I cannot answer that.","references":[]}`, string(data))

	turns := h.turns(t, "")
	require.Len(t, turns, 2)
	assert.Equal(t, "Sorry, I cannot answer that.", turns[1].Content)
}

func TestChatAllPartitionsDown(t *testing.T) {
	down := errors.New("index unavailable")
	partitions := []retrieval.Retriever{
		fakePartition{name: "punjab", err: down},
		fakePartition{name: "sindh", err: down},
		fakePartition{name: "kpk", err: down},
		fakePartition{name: "balochistan", err: down},
	}
	h := newHarness(t, partitions, func(context.Context, string) (string, error) {
		return `{"answer": "unreachable"}`, nil
	})

	_, err := h.svc.Chat(context.Background(), Request{Question: "What is the inheritance share of a daughter?"})
	require.ErrorIs(t, err, retrieval.ErrAllPartitionsFailed)

	assert.Empty(t, h.llm.calls())
	assert.Empty(t, h.turns(t, ""))
	assert.Empty(t, h.sink.Records())
}

func TestChatContinuesWithPartialContext(t *testing.T) {
	partitions := provinces()
	partitions[1] = fakePartition{name: "sindh", err: errors.New("timeout")}
	h := newHarness(t, partitions, func(context.Context, string) (string, error) {
		return `{"answer": "ok", "references": []}`, nil
	})

	answer, err := h.svc.Chat(context.Background(), Request{Question: "inheritance"})
	require.NoError(t, err)
	assert.Equal(t, []string{}, answer.References)

	prompt := h.llm.calls()[0]
	assert.Contains(t, prompt, "Punjab Muslim Personal Law Application Act 1948")
	assert.NotContains(t, prompt, "Sindh Succession Rules")
	assert.Len(t, h.turns(t, ""), 2)
}

func TestChatGenerationFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, provinces(), func(context.Context, string) (string, error) {
		return "", errors.New("rate limited")
	})

	_, err := h.svc.Chat(context.Background(), Request{Question: "inheritance"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.NotErrorIs(t, err, ErrGenerationTimeout)
	assert.Empty(t, h.turns(t, ""))
	assert.Empty(t, h.sink.Records())
}

func TestChatGenerationTimeout(t *testing.T) {
	h := newHarness(t, provinces(), func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h.svc.generator.timeout = 20 * time.Millisecond

	_, err := h.svc.Chat(context.Background(), Request{Question: "inheritance"})
	require.ErrorIs(t, err, ErrGenerationTimeout)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.Empty(t, h.turns(t, ""))
}

func TestChatRejectsEmptyQuestion(t *testing.T) {
	h := newHarness(t, provinces(), func(context.Context, string) (string, error) {
		return `{"answer": "x"}`, nil
	})

	_, err := h.svc.Chat(context.Background(), Request{Question: "   "})
	require.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Empty(t, h.llm.calls())
}

type failingSink struct{}

func (failingSink) Append(context.Context, ...chatlog.Record) error {
	return errors.New("mongo unreachable")
}

func TestChatSurvivesLogSinkFailure(t *testing.T) {
	h := newHarness(t, provinces(), func(context.Context, string) (string, error) {
		return `{"answer": "ok"}`, nil
	})
	h.svc.sink = failingSink{}

	answer, err := h.svc.Chat(context.Background(), Request{Question: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "ok", answer.Answer)
	assert.Len(t, h.turns(t, ""), 2)
}

func TestChatSessionsAreIsolated(t *testing.T) {
	h := newHarness(t, provinces(), func(context.Context, string) (string, error) {
		return `{"answer": "ok"}`, nil
	})
	ctx := context.Background()

	_, err := h.svc.Chat(ctx, Request{SessionID: "a", Question: "first"})
	require.NoError(t, err)
	_, err = h.svc.Chat(ctx, Request{SessionID: "b", Question: "second"})
	require.NoError(t, err)

	assert.Len(t, h.turns(t, "a"), 2)
	assert.Len(t, h.turns(t, "b"), 2)
	assert.NotContains(t, h.llm.calls()[1], "first")
}

func TestChatConcurrentRequestsKeepPairsTogether(t *testing.T) {
	h := newHarness(t, provinces(), func(_ context.Context, prompt string) (string, error) {
		return `{"answer": "ok"}`, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Chat(context.Background(), Request{Question: "q"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	turns := h.turns(t, "")
	require.Len(t, turns, 12)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, history.RoleUser, turns[i].Role)
		assert.Equal(t, history.RoleAssistant, turns[i+1].Role)
	}
}
