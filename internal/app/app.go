// Package app wires all musicr subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the HTTP/WS gateway and cross-instance relays and
// blocks until the context is cancelled, and Shutdown tears everything down
// in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithBus, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/cfiorelli/musicr/internal/bus"
	"github.com/cfiorelli/musicr/internal/chat"
	"github.com/cfiorelli/musicr/internal/config"
	"github.com/cfiorelli/musicr/internal/gateway"
	"github.com/cfiorelli/musicr/internal/gateway/wsconn"
	"github.com/cfiorelli/musicr/internal/health"
	"github.com/cfiorelli/musicr/internal/identity"
	"github.com/cfiorelli/musicr/internal/matching"
	"github.com/cfiorelli/musicr/internal/model"
	"github.com/cfiorelli/musicr/internal/observe"
	"github.com/cfiorelli/musicr/internal/presence"
	"github.com/cfiorelli/musicr/internal/reaction"
	"github.com/cfiorelli/musicr/internal/resilience"
	"github.com/cfiorelli/musicr/internal/store/postgres"
	"github.com/cfiorelli/musicr/internal/vectorindex"
	"github.com/cfiorelli/musicr/pkg/provider/embeddings"
	"github.com/cfiorelli/musicr/pkg/provider/embeddings/ollama"
	"github.com/cfiorelli/musicr/pkg/provider/embeddings/openai"
)

// Store is the persistence surface App wires into the Song Matcher and the
// chat, reaction, and gateway layers. Implemented by [postgres.Store].
type Store interface {
	GetOrCreateUser(ctx context.Context, id, anonHandle, ipHash string) (model.User, error)
	GetUser(ctx context.Context, id string) (model.User, error)
	GetOrCreateRoom(ctx context.Context, name string) (model.Room, error)
	InsertMessage(ctx context.Context, room, userID, clientTempID, text, chosenSongID string, scores model.Scores, replyToMessageID string) (model.Message, error)
	ListMessages(ctx context.Context, room, before string, limit int) ([]model.Message, error)
	AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	AggregateReactions(ctx context.Context, messageIDs []string) (map[string][]model.ReactionGroup, error)
	ListTopByPopularity(ctx context.Context, limit int) ([]model.Song, error)
	GetSong(ctx context.Context, id string) (model.Song, error)
	ListSongsByPhrase(ctx context.Context, phrase string, limit int) ([]model.Song, error)
	Close()
}

// App owns all subsystem lifetimes and orchestrates the musicr chat fabric.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	store    Store
	bus      bus.Bus
	index    *vectorindex.Index
	matcher  *matching.Matcher
	presence *presence.Registry
	conns    *wsconn.Manager
	chatSvc  *chat.Service
	reactSvc *reaction.Service
	gw       *gateway.Gateway
	health   *health.Handler
	server   *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence layer instead of connecting to Postgres.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithBus injects a coordination bus instead of dialing [config.BusConfig.URL].
func WithBus(b bus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithMetrics injects a metrics instance instead of using the OTel global
// meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together: persistence, the
// embedding provider chain (with circuit-breaker fallback), the vector
// index, the Song Matcher, the coordination bus, the Presence Registry, the
// Connection Manager, the Chat and Reaction Services, and the HTTP/WS
// Gateway. Use Option functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	embedder, err := a.initEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: init embeddings: %w", err)
	}

	a.initVectorIndex()
	a.matcher = matching.New(embedder, a.index, a.store, a.metrics)

	if err := a.initBus(ctx); err != nil {
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	instanceID := instanceID()

	a.presence = presence.New(a.bus, presence.Config{
		InstanceID:       instanceID,
		HeartbeatTimeout: cfg.Presence.HeartbeatTimeout,
		LeaveDebounce:    cfg.Presence.LeaveDebounce,
	})
	a.closers = append(a.closers, a.presence.Close)

	// The Connection Manager and the Chat/Reaction Services reference each
	// other: the Manager dispatches inbound frames into the Services, and
	// the Services broadcast outbound envelopes back through the Manager.
	// Break the cycle by constructing the Manager with an empty dispatch
	// table, building the Services against it, then wiring the table via
	// SetHandlers before any connection is accepted.
	a.conns = wsconn.New(wsconn.Handlers{}, cfg.Presence.HeartbeatTimeout)

	a.chatSvc = chat.New(a.conns, a.matcher, a.store, a.bus, a.metrics, chat.Config{
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MatchN:            cfg.Matching.TopK,
		EfSearch:          cfg.Matching.EfSearch,
		IndexVersion:      "v1",
		InstanceID:        instanceID,
		DebugMatching:     cfg.Server.DebugMatching,
	})
	a.reactSvc = reaction.New(a.conns, a.store, a.bus, instanceID)

	a.conns.SetHandlers(wsconn.Handlers{
		OnMessage:        a.chatSvc.HandleUserMessage,
		OnReactionAdd:    a.reactSvc.AddReaction,
		OnReactionRemove: a.reactSvc.RemoveReaction,
		OnClose: func(id wsconn.ConnID, room, userID string) {
			a.presence.Leave(room, userID)
		},
	})

	if err := a.chatSvc.Relay(ctx); err != nil {
		return nil, fmt.Errorf("app: start chat relay: %w", err)
	}
	if err := a.reactSvc.Relay(ctx); err != nil {
		return nil, fmt.Errorf("app: start reaction relay: %w", err)
	}

	a.health = health.New(
		health.Checker{Name: "database", Check: func(ctx context.Context) error {
			_, err := a.store.ListTopByPopularity(ctx, 1)
			return err
		}},
	)

	var origins []string
	if cfg.Server.FrontendOrigin != "" {
		origins = splitCommaList(cfg.Server.FrontendOrigin)
	}

	a.gw = gateway.New(gateway.Config{
		InstanceID:      instanceID,
		FrontendOrigins: origins,
		MaintenanceMode: cfg.Server.MaintenanceMode,
	}, a.conns, a.store, a.presence, a, a.metrics, func(id wsconn.ConnID, room, userID, anonHandle string) {
		a.onConnect(ctx, id, room, userID, anonHandle)
	})

	return a, nil
}

// onConnect resolves or creates the user, joins presence, and announces the
// roster change; invoked by the gateway immediately after a successful
// WebSocket upgrade.
func (a *App) onConnect(ctx context.Context, id wsconn.ConnID, room, userID, anonHandle string) {
	if anonHandle == "" {
		anonHandle = identity.New()
	}
	user, err := a.store.GetOrCreateUser(ctx, userID, anonHandle, "")
	if err != nil {
		slog.Warn("app: get or create user failed", "user_id", userID, "error", err)
		a.conns.Close(id, "user lookup failed")
		return
	}
	if _, err := a.store.GetOrCreateRoom(ctx, room); err != nil {
		slog.Warn("app: get or create room failed", "room", room, "error", err)
	}

	snapshot, err := a.presence.Join(ctx, room, user.ID, user.AnonHandle)
	if err != nil {
		slog.Warn("app: presence join failed", "room", room, "user_id", user.ID, "error", err)
	}
	_ = a.conns.Send(id, map[string]any{"type": "roster", "room": room, "users": snapshot.Users})
}

// SongCount implements [gateway.HealthReporter].
func (a *App) SongCount() int {
	songs, err := a.store.ListTopByPopularity(context.Background(), 1<<30)
	if err != nil {
		return 0
	}
	return len(songs)
}

// DBStatus implements [gateway.HealthReporter].
func (a *App) DBStatus() string {
	if _, err := a.store.ListTopByPopularity(context.Background(), 1); err != nil {
		return "degraded"
	}
	return "ok"
}

// BusStatus implements [gateway.HealthReporter].
func (a *App) BusStatus() string {
	if a.cfg.Bus.URL == "" {
		return "standalone"
	}
	return "ok"
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dims := a.cfg.Memory.EmbeddingDimensions
	if dims <= 0 {
		dims = 384
	}
	store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

// initEmbeddings builds the primary/fallback embedding provider chain. The
// local Ollama provider is preferred; a configured remote fallback (OpenAI)
// takes over when the primary's circuit breaker opens.
//
// Dimensionality drift between the primary, an optional fallback, and the
// configured vector index is a FatalConfig violation (spec Open Question
// #1): it is asserted here, once, at startup, rather than reconciled
// silently at query time.
func (a *App) initEmbeddings(ctx context.Context) (embeddings.Provider, error) {
	primaryCfg := a.cfg.Providers.Embeddings.Primary
	if primaryCfg.Name == "" {
		return nil, errors.New("providers.embeddings.primary.name is required")
	}

	primary, err := newEmbeddingProvider(primaryCfg)
	if err != nil {
		return nil, fmt.Errorf("build primary embedding provider %q: %w", primaryCfg.Name, err)
	}

	wantDims := a.cfg.Memory.EmbeddingDimensions
	if wantDims <= 0 {
		wantDims = 384
	}
	if primary.Dimensions() != wantDims {
		return nil, fmt.Errorf("app: embedding dimension mismatch: primary provider %q produces %d-dim vectors, configured memory.embedding_dimensions is %d",
			primaryCfg.Name, primary.Dimensions(), wantDims)
	}

	fb := resilience.NewEmbeddingFallback(primary, primaryCfg.Name, resilience.FallbackConfig{})

	if fallbackCfg := a.cfg.Providers.Embeddings.Fallback; fallbackCfg.Name != "" {
		fallback, err := newEmbeddingProvider(fallbackCfg)
		if err != nil {
			return nil, fmt.Errorf("build fallback embedding provider %q: %w", fallbackCfg.Name, err)
		}
		if fallback.Dimensions() != wantDims {
			return nil, fmt.Errorf("app: embedding dimension mismatch: fallback provider %q produces %d-dim vectors, configured memory.embedding_dimensions is %d",
				fallbackCfg.Name, fallback.Dimensions(), wantDims)
		}
		fb.AddFallback(fallbackCfg.Name, fallback)
	}

	// Gate concurrent Embed calls to a worker-pool size so a burst of chat
	// messages cannot pile an unbounded number of outbound embedder calls
	// on top of the accept loop's goroutines.
	return resilience.NewGatedEmbedder(fb, 0), nil
}

func newEmbeddingProvider(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "ollama":
		return ollama.New(entry.BaseURL, entry.Model)
	case "openai":
		return openai.New(entry.APIKey, entry.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", entry.Name)
	}
}

func (a *App) initVectorIndex() {
	if s, ok := a.store.(*postgres.Store); ok {
		a.index = vectorindex.New(s.Pool())
	}
}

func (a *App) initBus(ctx context.Context) error {
	if a.bus != nil {
		return nil
	}
	a.bus = bus.Dial(ctx, a.cfg.Bus.URL)
	a.closers = append(a.closers, a.bus.Close)
	return nil
}

// Run starts the HTTP/WS Gateway and blocks until ctx is cancelled or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("/", a.gw.Router())

	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("musicr gateway listening", "addr", addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "error", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// instanceID returns a short, process-unique identifier used to tag
// cross-instance bus envelopes and the X-Instance-Id response header.
func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "musicr-" + hex.EncodeToString(b[:])
}

// splitCommaList parses a comma-separated configuration value (e.g.
// FRONTEND_ORIGIN) into a trimmed, non-empty slice.
func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
