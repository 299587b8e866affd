package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	internal "github.com/ZanzyTHEbar/hitl-chat/hitl"
	"github.com/ZanzyTHEbar/hitl-chat/hitl/config"
	"github.com/ZanzyTHEbar/hitl-chat/hitl/db"
	"github.com/ZanzyTHEbar/hitl-chat/hitl/engine/adapters"
	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
	"github.com/ZanzyTHEbar/hitl-chat/hitl/engine/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const maxConfiguredIterations = 50

// Factory creates and wires engine components from configuration.
type Factory struct {
	cfg     *config.Config
	logger  zerolog.Logger
	closers []func(context.Context) error

	// Provider replaces the configured model provider when set.
	Provider ports.Provider
	// Sender replaces the Twilio sender when set.
	Sender tools.MessageSender
}

// NewFactory creates a new engine factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// CreateEngine builds a fully wired Engine. Call Close once the engine is no
// longer used to release the database and flush traces.
func (f *Factory) CreateEngine(ctx context.Context) (*Engine, error) {
	tracer, err := f.createTracer(ctx)
	if err != nil {
		return nil, err
	}

	store, err := f.createStore(ctx, tracer)
	if err != nil {
		return nil, err
	}

	provider := f.Provider
	if provider == nil {
		if provider, err = f.createProvider(); err != nil {
			return nil, err
		}
	}

	registry, err := NewRegistry(f.createTools()...)
	if err != nil {
		return nil, err
	}

	gate := NewApprovalGateForRegistry(registry, f.cfg.Approval.RequiredTools, f.cfg.Approval.AutoTools)
	invoker := NewInvoker(registry, NewGuardrails(f.cfg.Engine.MaxToolOutput), f.cfg.Engine.ToolTimeout, tracer, f.logger)

	f.logger.Info().
		Str("provider", provider.Name()).
		Str("model", f.cfg.Model.Name).
		Str("checkpoint_backend", f.cfg.Checkpoint.Backend).
		Strs("gated_tools", gate.Gated()).
		Msg("Engine configured")

	return NewEngine(Dependencies{
		Provider: provider,
		Registry: registry,
		Invoker:  invoker,
		Gate:     gate,
		Store:    store,
		Limiter:  f.createRateLimiter(),
		Tracer:   tracer,
	}, f.CreatePolicy(), f.logger)
}

// Close releases everything CreateEngine opened, newest first.
func (f *Factory) Close(ctx context.Context) error {
	var errs []error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	f.closers = nil
	return errors.Join(errs...)
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() Policy {
	policy := DefaultPolicy()
	policy.MaxIterations = f.cfg.Engine.MaxIterations
	policy.ModelTimeout = f.cfg.Engine.ModelTimeout

	if policy.MaxIterations < 1 {
		policy.MaxIterations = 1
		f.logger.Warn().Int("max_iterations", f.cfg.Engine.MaxIterations).Msg("MaxIterations clamped to minimum of 1")
	}
	if policy.MaxIterations > maxConfiguredIterations {
		policy.MaxIterations = maxConfiguredIterations
		f.logger.Warn().Int("max_iterations", f.cfg.Engine.MaxIterations).Msg("MaxIterations clamped to maximum of 50")
	}
	if policy.ModelTimeout < 0 {
		policy.ModelTimeout = internal.DefaultModelTimeout
		f.logger.Warn().Dur("model_timeout", f.cfg.Engine.ModelTimeout).Msg("Negative model timeout replaced by default")
	}

	return policy
}

func (f *Factory) createTracer(ctx context.Context) (ports.Tracer, error) {
	switch f.cfg.Tracing.Backend {
	case "", "none":
		return noOpTracer{}, nil
	case "zerolog":
		return adapters.NewZerologTracer(f.logger), nil
	case "otel":
		if f.cfg.Tracing.OTLPEndpoint == "" {
			// Whatever provider the host process installed, a no-op by default.
			return adapters.NewOtelTracer(otel.GetTracerProvider()), nil
		}
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(f.cfg.Tracing.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		f.closers = append(f.closers, tp.Shutdown)
		f.logger.Info().Str("endpoint", f.cfg.Tracing.OTLPEndpoint).Msg("Exporting traces over OTLP/HTTP")
		return adapters.NewOtelTracer(tp), nil
	}
	return nil, fmt.Errorf("unknown tracing backend %q", f.cfg.Tracing.Backend)
}

func (f *Factory) createStore(ctx context.Context, tracer ports.Tracer) (ports.CheckpointStore, error) {
	var store ports.CheckpointStore

	switch f.cfg.Checkpoint.Backend {
	case "", internal.BackendMemory:
		store = adapters.NewMemoryCheckpointStore()
	case internal.BackendLibSQL:
		conn, err := db.Open(ctx, db.Config{
			DSN:          f.cfg.Checkpoint.DSN,
			AuthToken:    f.cfg.Checkpoint.AuthToken,
			MaxOpenConns: f.cfg.Checkpoint.MaxOpenConns,
		}, f.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		if err := db.Migrate(ctx, conn, f.logger); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		f.closers = append(f.closers, func(context.Context) error { return conn.Close() })
		store = adapters.NewLibSQLCheckpointStore(conn)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", f.cfg.Checkpoint.Backend)
	}

	if _, noop := tracer.(noOpTracer); noop {
		return store, nil
	}
	return adapters.NewTracedCheckpointStore(store, tracer), nil
}

func (f *Factory) createProvider() (ports.Provider, error) {
	return adapters.NewOpenAIProvider(adapters.OpenAIConfig{
		Provider:    f.cfg.Model.Provider,
		Model:       f.cfg.Model.Name,
		BaseURL:     f.cfg.Model.BaseURL,
		APIKey:      f.cfg.Model.APIKey,
		Temperature: f.cfg.Model.Temperature,
		MaxTokens:   f.cfg.Model.MaxTokens,
	})
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.RateLimit.Enabled {
		return noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.RateLimit.Capacity, f.cfg.RateLimit.RefillRate)
}

func (f *Factory) createSearchCache() ports.Cache {
	if !f.cfg.Tools.SearchCacheEnabled {
		return nil
	}
	return adapters.NewLRUCache(f.cfg.Tools.SearchCacheSize)
}

// createTools registers the built-in tools. Missing credentials do not remove
// a tool; its invocations report the problem to the model instead.
func (f *Factory) createTools() []ports.Tool {
	tc := f.cfg.Tools

	search := tools.NewWebSearchTool(tools.WebSearchConfig{
		APIKey:          tc.TavilyAPIKey,
		BaseURL:         tc.TavilyBaseURL,
		MaxResults:      tc.SearchMaxResults,
		CacheTTLSeconds: tc.SearchCacheTTL,
	}, f.createSearchCache(), f.logger)
	if tc.TavilyAPIKey == "" {
		f.logger.Warn().Msg("TAVILY_API_KEY is not set; web_search will fail")
	}

	sender := f.Sender
	if sender == nil {
		twilioSender, err := tools.NewTwilioSender(tc.TwilioAccountSID, tc.TwilioAuthToken)
		if err != nil {
			f.logger.Warn().Err(err).Msg("Twilio is not configured; send_whatsapp_message will fail")
		} else {
			sender = twilioSender
		}
	}
	from := strings.TrimSpace(tc.TwilioWhatsAppFrom)

	return []ports.Tool{
		search,
		tools.NewWhatsAppTool(sender, from, f.logger),
	}
}
