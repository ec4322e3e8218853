package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fabfab/legal-agent/api"
	"github.com/fabfab/legal-agent/chat"
	"github.com/fabfab/legal-agent/config"
	"github.com/fabfab/legal-agent/database"
	"github.com/fabfab/legal-agent/history"
	"github.com/fabfab/legal-agent/retrieval"
)

type cli struct {
	cfg    config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{cfg: config.Load(), logger: zap.NewNop()}

	root := &cobra.Command{
		Use:          "legal-agent",
		Short:        "Answer legal questions from provincial statute partitions",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(c.cfg.LogLevel, c.cfg.LogFormat)
			if err != nil {
				return err
			}
			c.logger = logger
			if err := c.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = c.logger.Sync()
		},
	}

	root.AddCommand(c.serveCmd(), c.askCmd(), c.historyCmd(), c.schemaCmd())
	return root
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr: addr,
				Handler: api.New(a.service, api.Options{
					CORSOrigins: c.cfg.CORSOrigins,
					Metrics:     a.metrics,
					Logger:      c.logger.Named("api"),
				}),
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      c.cfg.LLM.Timeout + 30*time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				c.logger.Info("http server listening",
					zap.String("addr", addr),
					zap.Strings("partitions", a.service.Partitions()),
				)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("http server: %w", err)
			case <-ctx.Done():
			}

			c.logger.Info("shutting down http server")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", c.cfg.HTTPAddr, "address to listen on")
	return cmd
}

func (c *cli) askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Ask a single question and print the answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			question, _ := cmd.Flags().GetString("question")
			session, _ := cmd.Flags().GetString("session")

			if strings.TrimSpace(question) == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Enter your question: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if scanner.Scan() {
					question = scanner.Text()
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read question: %w", err)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			answer, err := a.service.Chat(ctx, chat.Request{SessionID: session, Question: question})
			if err != nil {
				return fmt.Errorf("chat failed: %w", err)
			}
			printAnswer(cmd, answer)
			return nil
		},
	}
	cmd.Flags().StringP("question", "q", "", "question to ask")
	cmd.Flags().StringP("session", "s", "", "conversation to continue (defaults to the shared session)")
	return cmd
}

func printAnswer(cmd *cobra.Command, answer chat.StructuredAnswer) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, answer.Answer)
	if len(answer.References) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "References:")
	for idx, ref := range answer.References {
		fmt.Fprintf(out, "%d. %s\n", idx+1, ref)
	}
}

func (c *cli) historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the recorded turns of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Flags().GetString("session")

			ctx, cancel := signalContext()
			defer cancel()

			var res resources
			defer res.Close()
			store, err := res.historyStore(ctx, c.cfg)
			if err != nil {
				return err
			}

			manager := history.NewManager(store, history.WithDefaultSession(c.cfg.History.DefaultSession))
			turns, err := manager.Snapshot(ctx, session)
			if err != nil {
				return err
			}
			for _, turn := range turns {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", turn.CreatedAt.Format(time.RFC3339), turn)
			}
			return nil
		},
	}
	cmd.Flags().StringP("session", "s", "", "conversation to print (defaults to the shared session)")
	return cmd
}

func (c *cli) schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the passage table or vector indexes the partitions read from",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			dimension := c.cfg.Embeddings.Dimension
			switch c.cfg.Partitions.Backend {
			case config.BackendNeo4j:
				driver, err := database.NewNeo4jDriver(ctx, c.cfg.Neo4jURI, c.cfg.Neo4jUser, c.cfg.Neo4jPass)
				if err != nil {
					return fmt.Errorf("neo4j connection: %w", err)
				}
				defer driver.Close(context.Background())

				for _, name := range c.cfg.Partitions.Names {
					if err := retrieval.NewNeo4jPartition(name, driver, nil).EnsureIndex(ctx, dimension); err != nil {
						return err
					}
					c.logger.Info("vector index ready",
						zap.String("partition", name),
						zap.String("index", retrieval.Neo4jIndexName(name)),
					)
				}
			default:
				pool, err := database.NewPostgresPool(ctx, c.cfg.PostgresDSN)
				if err != nil {
					return fmt.Errorf("postgres connection: %w", err)
				}
				defer pool.Close()

				if err := database.EnsurePassageSchema(ctx, pool, dimension); err != nil {
					return err
				}
				c.logger.Info("passage schema ready", zap.Int("dimension", dimension))
			}
			return nil
		},
	}
}
