// Package main is a thin demonstration CLI for the agentic coding
// assistant's execution core: the permission engine, session-state store,
// agent pool, run scheduler, and OAuth callback server wired together end
// to end. It exists to exercise the library surface, not as a product CLI
// — the LLM provider, tool execution, and front-end a real assistant would
// plug in are out of scope here.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/codelia-core/internal/agentpool"
	"github.com/haasonsaas/codelia-core/internal/config"
	"github.com/haasonsaas/codelia-core/internal/oauthcallback"
	"github.com/haasonsaas/codelia-core/internal/observability"
	"github.com/haasonsaas/codelia-core/internal/permission"
	"github.com/haasonsaas/codelia-core/internal/scheduler"
	"github.com/haasonsaas/codelia-core/internal/sessionstate"
	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "codelia-core",
		Short:   "Demonstration CLI for the execution core (permission engine, session store, agent pool, run scheduler, OAuth callback)",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
	}
	root.AddCommand(buildRunCmd())
	root.AddCommand(buildMetricsCmd())
	root.AddCommand(buildLoginCmd())
	return root
}

// core bundles the components a process needs, wired from CoreConfig the
// same way a real server's bootstrap would.
type core struct {
	logger    *observability.Logger
	metrics   *observability.Metrics
	registry  *prometheus.Registry
	store     sessionstate.Store
	pool      *agentpool.Pool
	scheduler scheduler.Scheduler
	db        *sql.DB
	cfg       *config.CoreConfig
}

func newCore(cfg *config.CoreConfig) (*core, error) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})

	store, db, err := newSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	rules, err := config.LoadRuleSet(cfg.RulesetPath)
	if err != nil {
		return nil, fmt.Errorf("load ruleset: %w", err)
	}

	pool := agentpool.New(agentpool.Config{
		SandboxRoot: cfg.SandboxRoot,
		SandboxTTL:  cfg.SandboxTTL,
		Store:       store,
		NewAgent:    newDemoAgent,
		Logger:      logger,
		Metrics:     metrics,
	})

	c := &core{logger: logger, metrics: metrics, registry: registry, store: store, pool: pool, db: db, cfg: cfg}
	driver := demoDriver{rules: rules}

	if cfg.UsesPostgres() {
		sched, err := scheduler.NewPostgresScheduler(scheduler.PostgresConfig{
			DB:                   db,
			WorkerID:             hostWorkerID(),
			Pool:                 pool,
			Driver:               driver,
			Logger:               logger,
			Metrics:              metrics,
			LeaseSeconds:         cfg.Scheduler.LeaseSeconds,
			CancelCheckInterval:  cfg.Scheduler.CancelCheckInterval,
			ClaimPollInterval:    cfg.Scheduler.ClaimPollInterval,
			SessionStickySeconds: int(cfg.SessionStickyTTL.Seconds()),
			RunWorker:            cfg.RunRole != config.RunRoleAPI,
		})
		if err != nil {
			pool.Dispose()
			return nil, fmt.Errorf("start postgres scheduler: %w", err)
		}
		c.scheduler = sched
	} else {
		c.scheduler = scheduler.NewMemoryScheduler(scheduler.MemoryConfig{
			Pool:              pool,
			Driver:            driver,
			Logger:            logger,
			Metrics:           metrics,
			TerminalRetention: cfg.Scheduler.TerminalRetention,
		})
	}

	return c, nil
}

func (c *core) Close() {
	c.scheduler.Dispose()
	c.pool.Dispose()
	if c.db != nil {
		c.db.Close()
	}
}

func newSessionStore(cfg *config.CoreConfig) (sessionstate.Store, *sql.DB, error) {
	if !cfg.UsesPostgres() {
		return sessionstate.NewMemoryStore(), nil, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store, err := sessionstate.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func hostWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// demoAgent is the minimal Agent this CLI plugs into the pool with: the
// real provider-driven agent conversation loop is out of scope here.
type demoAgent struct {
	mu      sync.Mutex
	history []coremodel.Message
}

func newDemoAgent(_ *agentpool.SandboxContext, _ string, _ agentpool.RuntimeSettings) (agentpool.Agent, error) {
	return &demoAgent{}, nil
}

func (a *demoAgent) SeedHistory(messages []coremodel.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = messages
}

func (a *demoAgent) HistoryMessages() []coremodel.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history
}

// demoDriver runs one turn: it gates a synthetic bash tool call through
// the permission engine, then emits a final text event. Standing in for
// the LLM-driven tool loop a real Driver would run.
type demoDriver struct {
	rules coremodel.RuleSet
}

func (d demoDriver) Execute(ctx context.Context, entry *agentpool.PoolEntry, inputText string, emit scheduler.EventEmitter) error {
	args, _ := json.Marshal(map[string]any{"command": "echo " + inputText})
	result := permission.Evaluate("bash", args, d.rules, nil)

	emit(coremodel.RunEventStepStart, map[string]any{"step": "echo"})
	emit(coremodel.RunEventPermissionPreview, map[string]any{"decision": string(result.Decision), "reason": result.Reason})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}

	entry.Agent.SeedHistory(append(entry.Agent.HistoryMessages(),
		coremodel.Message{Role: coremodel.RoleUser, Content: inputText},
		coremodel.Message{Role: coremodel.RoleAssistant, Content: inputText},
	))

	emit(coremodel.RunEventText, map[string]any{"text": inputText})
	emit(coremodel.RunEventStepComplete, map[string]any{"step": "echo"})
	return nil
}

func buildRunCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <session_id> <message>",
		Short: "Create a run, stream its events to stdout, and print the final status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			c, err := newCore(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			view, err := c.scheduler.CreateRun(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("create run: %w", err)
			}
			fmt.Printf("run %s queued\n", view.RunID)

			var afterSeq int64 = -1
			for {
				result, err := c.scheduler.WaitForNewEvent(ctx, view.RunID, afterSeq, ctx.Done(), 2*time.Second)
				if err != nil {
					return fmt.Errorf("wait for event: %w", err)
				}
				switch result.Outcome {
				case scheduler.WaitEvent:
					events, err := c.scheduler.ListEventsAfter(ctx, view.RunID, afterSeq, 100)
					if err != nil {
						return fmt.Errorf("list events: %w", err)
					}
					for _, ev := range events {
						payload, _ := json.Marshal(ev.Data)
						fmt.Printf("[%d] %s %s\n", ev.Seq, ev.Type, payload)
						afterSeq = ev.Seq
					}
				case scheduler.WaitMissing:
					return fmt.Errorf("run %s disappeared", view.RunID)
				case scheduler.WaitAborted:
					return fmt.Errorf("run %s wait aborted", view.RunID)
				case scheduler.WaitTimeout:
					// fall through to status check below
				}

				final, ok, err := c.scheduler.GetRun(ctx, view.RunID)
				if err != nil {
					return fmt.Errorf("get run: %w", err)
				}
				if ok && scheduler.IsTerminalStatus(final.Status) {
					fmt.Printf("run %s %s\n", final.RunID, final.Status)
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the run to finish")
	return cmd
}

func buildMetricsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics (demonstrates internal/observability wiring)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			c, err := newCore(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
			slog.Info("serving metrics", "addr", addr)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9090", "listen address")
	return cmd
}

// buildLoginCmd exercises the OAuth callback server (C5) end to end: it
// mints a PKCE pair and state, listens for the callback, and on a
// successful exchange signs a credential envelope binding the resolved
// subject to the session before stamping it into the session's metadata
// (sessionstate.ApplyCredentialEnvelope). The upstream authorize URL
// exchange a real provider would perform is out of scope here; OnCode
// treats the authorization code itself as the subject identifier.
func buildLoginCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "login <session_id>",
		Short: "Run the OAuth callback server and stamp a credential envelope onto a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			cfg := config.Load()
			c, err := newCore(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			if cfg.OAuthCredentialSecret == "" {
				return fmt.Errorf("CODELIA_OAUTH_CREDENTIAL_SECRET must be set to sign credential envelopes")
			}

			state, err := oauthcallback.NewState()
			if err != nil {
				return fmt.Errorf("generate state: %w", err)
			}
			pkce, err := oauthcallback.NewPKCEPair()
			if err != nil {
				return fmt.Errorf("generate pkce pair: %w", err)
			}

			srv, err := oauthcallback.New(oauthcallback.Config[string]{
				Addr:          addr,
				ExpectedState: state,
				Timeout:       2 * time.Minute,
				Logger:        c.logger,
				OnCode: func(ctx context.Context, code string) (string, error) {
					return code, nil
				},
			})
			if err != nil {
				return fmt.Errorf("start oauth callback server: %w", err)
			}

			fmt.Printf("listening on http://%s/callback (state=%s, pkce_challenge=%s)\n", srv.Addr(), state, pkce.Challenge)

			subject, err := srv.Wait(cmd.Context())
			if err != nil {
				return fmt.Errorf("oauth callback: %w", err)
			}

			envelope, err := sessionstate.SignCredentialEnvelope([]byte(cfg.OAuthCredentialSecret), sessionID, subject, time.Hour)
			if err != nil {
				return fmt.Errorf("sign credential envelope: %w", err)
			}
			verifiedSubject, err := sessionstate.VerifyCredentialEnvelope([]byte(cfg.OAuthCredentialSecret), sessionID, envelope)
			if err != nil {
				return fmt.Errorf("verify credential envelope: %w", err)
			}

			sess, err := c.store.Load(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}
			if sess == nil {
				sess = &coremodel.SessionState{SchemaVersion: coremodel.SchemaVersion, SessionID: sessionID}
			}
			sessionstate.ApplyCredentialEnvelope(sess, verifiedSubject)
			sess.UpdatedAt = time.Now()
			if err := c.store.Save(cmd.Context(), sess); err != nil {
				return fmt.Errorf("save session: %w", err)
			}

			fmt.Printf("session %s now carries jwt_subject=%s\n", sessionID, verifiedSubject)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8089", "listen address for the oauth callback server")
	return cmd
}
