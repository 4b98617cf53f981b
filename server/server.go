package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/providers"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/storage"
)

// tokenLogLength is the number of digest characters included in log lines
const tokenLogLength = 8

// Server implements the OAuth 2.0 authorization server logic.
// It coordinates clients, codes and tokens through the storage interfaces.
type Server struct {
	clientStore storage.ClientStore
	codeStore   storage.CodeStore
	tokenStore  storage.TokenStore
	users       providers.UserDirectory

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// New creates a new OAuth server
func New(
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	users providers.UserDirectory,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	return &Server{
		clientStore: clientStore,
		codeStore:   codeStore,
		tokenStore:  tokenStore,
		users:       users,
		Config:      config,
		Logger:      logger,
		now:         time.Now,
	}, nil
}

// NewWithStore creates a server backed by a single store implementing every
// storage interface.
func NewWithStore(store storage.Store, users providers.UserDirectory, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return New(store, store, store, users, config, logger)
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		s.tracer = nil
		s.metrics = nil
		return
	}
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// SetClock replaces the time source (tests use a mock clock)
func (s *Server) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Now returns the server's current time
func (s *Server) Now() time.Time {
	return s.now()
}

// ClientStore returns the client store, for provisioning tools
func (s *Server) ClientStore() storage.ClientStore {
	return s.clientStore
}

// startSpan opens a span when tracing is enabled. The returned span is a no-op
// otherwise and is always safe to End.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return s.tracer.Start(ctx, name)
}

// generateRandomToken generates a cryptographically secure opaque value
// (256 bits, base64url) for authorization codes and tokens.
func generateRandomToken() string {
	return security.GenerateToken()
}
