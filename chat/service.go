// Package chat answers legal questions from the merged partition context
// and the running conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/legal-agent/chatlog"
	"github.com/fabfab/legal-agent/history"
	"github.com/fabfab/legal-agent/metrics"
	"github.com/fabfab/legal-agent/retrieval"
)

// Service runs one question through retrieval, generation and
// interpretation, then records the exchange. The session lock is held for
// the whole request.
type Service struct {
	merger    *retrieval.Merger
	generator *Generator
	sessions  *history.Manager
	sink      chatlog.Sink
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService accepts a nil sink, metrics or logger.
func NewService(
	merger *retrieval.Merger,
	generator *Generator,
	sessions *history.Manager,
	sink chatlog.Sink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = chatlog.NopSink{}
	}
	return &Service{
		merger:    merger,
		generator: generator,
		sessions:  sessions,
		sink:      sink,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) Chat(ctx context.Context, req Request) (StructuredAnswer, error) {
	receivedAt := s.now()
	question := strings.TrimSpace(req.Question)
	if question == "" {
		s.metrics.ObserveRequest(metrics.OutcomeBadRequest)
		return StructuredAnswer{}, ErrEmptyQuestion
	}
	if s.merger == nil || s.generator == nil || s.sessions == nil {
		return StructuredAnswer{}, fmt.Errorf("chat service is not fully configured")
	}

	conv, release, err := s.sessions.Acquire(ctx, req.SessionID)
	if err != nil {
		return StructuredAnswer{}, fmt.Errorf("open session: %w", err)
	}
	defer release()
	logger := s.logger.With(zap.String("session", conv.Key()))

	var merged retrieval.MergeResult
	var g errgroup.Group
	g.Go(func() error {
		var err error
		merged, err = s.merger.Merge(ctx, question)
		return err
	})
	chatHistory := conv.FormattedHistory()
	err = g.Wait()

	for _, o := range merged.Outcomes {
		s.metrics.ObservePartition(o.Partition, o.Took, o.Err)
	}
	if err != nil {
		s.metrics.ObserveRequest(metrics.OutcomeRetrievalFailed)
		logger.Error("retrieval failed", zap.Error(err))
		return StructuredAnswer{}, fmt.Errorf("retrieve context: %w", err)
	}

	start := s.now()
	raw, err := s.generator.Generate(ctx, retrieval.FormatContext(merged.Passages), question, chatHistory)
	s.metrics.ObserveGeneration(s.now().Sub(start))
	if err != nil {
		s.metrics.ObserveRequest(metrics.OutcomeGenerationFailed)
		logger.Error("generation failed", zap.Error(err))
		return StructuredAnswer{}, fmt.Errorf("generate answer: %w", err)
	}

	answer, structured := parseAnswer(raw)
	if !structured {
		logger.Warn("model output was not a structured answer, returning it verbatim", zap.Int("bytes", len(raw)))
	}

	// The answer is already decided; a client hang-up must not lose it.
	persistCtx := context.WithoutCancel(ctx)
	if err := conv.AppendExchange(persistCtx, question, answer.Answer); err != nil {
		s.metrics.IncPersistFailure("history")
		logger.Warn("persist conversation turns", zap.Error(err))
	}
	if err := s.sink.Append(persistCtx,
		chatlog.NewRecord(conv.Key(), chatlog.RoleUser, question, receivedAt),
		chatlog.NewRecord(conv.Key(), chatlog.RoleAssistant, answer, s.now()),
	); err != nil {
		s.metrics.IncPersistFailure("chatlog")
		logger.Warn("write chat log", zap.Error(err))
	}

	outcome := metrics.OutcomeOK
	if !structured {
		outcome = metrics.OutcomeFallback
	}
	s.metrics.ObserveRequest(outcome)
	logger.Info("question answered",
		zap.Int("passages", len(merged.Passages)),
		zap.Int("failed_partitions", len(merged.Failed())),
		zap.Int("references", len(answer.References)),
		zap.Duration("took", s.now().Sub(receivedAt)),
	)
	return answer, nil
}

// History returns the turns recorded for a session.
func (s *Service) History(ctx context.Context, sessionID string) ([]history.Turn, error) {
	if s.sessions == nil {
		return nil, errors.New("chat service has no session manager")
	}
	return s.sessions.Snapshot(ctx, sessionID)
}

// Partitions lists the knowledge partitions searched for every question.
func (s *Service) Partitions() []string {
	if s.merger == nil {
		return nil
	}
	return s.merger.Partitions()
}
