package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/internal/util"
	"github.com/armabattles/oauth-core/providers"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/server"
	"github.com/armabattles/oauth-core/storage"
)

// Endpoint paths served by RegisterRoutes
const (
	PathAuthorize = "/oauth/authorize"
	PathToken     = "/oauth/token"
	PathUserInfo  = "/oauth/user"
	PathRevoke    = "/oauth/revoke"
	PathMetadata  = "/.well-known/oauth-authorization-server"
)

// Endpoint labels used in metrics
const (
	endpointAuthorize = "authorize"
	endpointDecision  = "authorize_decision"
	endpointToken     = "token"
	endpointUserInfo  = "user"
	endpointRevoke    = "revoke"
	endpointMetadata  = "metadata"
)

// revocationMessage is the body of every successful revocation response
const revocationMessage = "Token revoked successfully"

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server   *Server
	sessions providers.SessionResolver
	limiter  *security.RateLimiter
	logger   *slog.Logger
	tracer   trace.Tracer // OpenTelemetry tracer for HTTP layer
	metrics  *instrumentation.Metrics
}

// NewHandler creates a new HTTP handler. sessions identifies the signed-in user
// on the authorization endpoints. Instrumentation must be set on the server
// before the handler is created.
func NewHandler(srv *Server, sessions providers.SessionResolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:   srv,
		sessions: sessions,
		logger:   logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
		h.metrics = srv.Instrumentation.Metrics()
	}

	return h
}

// SetRateLimiter enables per-IP rate limiting on the token and revocation endpoints
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.limiter = rl
}

// RegisterRoutes registers every OAuth endpoint on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.serveAuthorize)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathUserInfo, h.ServeUserInfo)
	mux.HandleFunc(PathRevoke, h.ServeTokenRevocation)
	mux.HandleFunc(PathMetadata, h.ServeAuthorizationServerMetadata)
}

// serveAuthorize dispatches the authorization endpoint on the request method
func (h *Handler) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		h.ServeAuthorizationDecision(w, r)
		return
	}
	h.ServeAuthorization(w, r)
}

// ServeAuthorization handles GET /oauth/authorize. A valid request from a
// signed-in user is answered with the data a consent screen needs.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	sw, r, span, done := h.begin(w, r, endpointAuthorize, "oauth.http.authorization")
	defer done()

	if r.Method != http.MethodGet {
		sw.methodNotAllowed()
		return
	}

	var params authorizeParams
	if err := decodeQuery(r, &params); err != nil {
		h.writeOAuthError(sw, r, span, err)
		return
	}

	pending, err := h.server.BeginAuthorization(r.Context(), server.AuthorizationRequest{
		ClientID:    params.ClientID,
		RedirectURI: params.RedirectURI,
		Scope:       params.Scope,
		State:       params.State,
	})
	if err != nil {
		h.writeOAuthError(sw, r, span, err)
		return
	}

	userID, ok := h.currentUser(sw, r, span)
	if userID == "" {
		if ok {
			h.requireLogin(sw, r, span)
		}
		return
	}

	instrumentation.AddOAuthFlowAttributes(span, pending.Client.ID, userID, storage.JoinScopes(pending.Scopes))
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(sw, http.StatusOK, ConsentResponse{
		Client: ConsentClient{
			ID:   pending.Client.ID,
			Name: pending.Client.Name,
		},
		Scopes:      pending.Scopes,
		RedirectURI: pending.RedirectURI,
		State:       pending.State,
	})
}

// ServeAuthorizationDecision handles POST /oauth/authorize: the signed-in user's
// consent decision. The user agent is redirected back to the client with either
// a code or an OAuth error, and the original state.
func (h *Handler) ServeAuthorizationDecision(w http.ResponseWriter, r *http.Request) {
	sw, r, span, done := h.begin(w, r, endpointDecision, "oauth.http.authorization_decision")
	defer done()

	if r.Method != http.MethodPost {
		sw.methodNotAllowed()
		return
	}

	userID, ok := h.currentUser(sw, r, span)
	if userID == "" {
		if ok {
			instrumentation.SetSpanError(span, "no session")
			h.writeError(sw, ErrorCodeLoginRequired, "User authentication is required", http.StatusUnauthorized)
		}
		return
	}

	var params decisionParams
	if err := decodeBody(sw, r, &params); err != nil {
		h.writeOAuthError(sw, r, span, err)
		return
	}

	outcome, err := h.server.CompleteAuthorization(r.Context(), userID, server.AuthorizationRequest{
		ClientID:    params.ClientID,
		RedirectURI: params.RedirectURI,
		Scope:       params.Scope,
		State:       params.State,
	}, params.Approve.Bool())
	if err != nil {
		h.writeOAuthError(sw, r, span, err)
		return
	}

	location, err := outcome.Location()
	if err != nil {
		h.writeOAuthError(sw, r, span, ErrServerError("Failed to build redirect").Wrap(err))
		return
	}

	if outcome.Error != nil {
		instrumentation.AddOAuthError(span, outcome.Error.Code, outcome.Error.Description)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	security.SetSecurityHeaders(sw, h.server.Config.Issuer)
	http.Redirect(sw, r, location, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint. Client credentials are read from
// HTTP Basic authentication or from client_id/client_secret in the body, which
// may be form encoded or JSON.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	sw, r, span, done := h.begin(w, r, endpointToken, "oauth.http.token")
	defer done()

	if r.Method != http.MethodPost {
		sw.methodNotAllowed()
		return
	}

	if h.checkIPRateLimit(sw, r, endpointToken) {
		return
	}

	var params tokenParams
	if err := decodeBody(sw, r, &params); err != nil {
		h.writeOAuthError(sw, r, span, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, params.GrantType))

	clientID, clientSecret := params.ClientID, params.ClientSecret
	if authClientID, authClientSecret := h.parseBasicAuth(r); authClientID != "" {
		clientID, clientSecret = authClientID, authClientSecret
	}

	ctx := r.Context()
	client, err := h.server.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		h.writeOAuthError(sw, r, span, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ID))

	token, scope, err := h.server.Exchange(ctx, client, server.TokenRequest{
		GrantType:    params.GrantType,
		Code:         params.Code,
		RedirectURI:  params.RedirectURI,
		RefreshToken: params.RefreshToken,
	})
	if err != nil {
		h.writeOAuthError(sw, r, span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(sw, token, scope)
}

// ServeUserInfo handles GET /oauth/user: the profile of the bearer token's
// user, limited to what the token's scopes grant.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	sw, r, span, done := h.begin(w, r, endpointUserInfo, "oauth.http.user_info")
	defer done()

	if r.Method != http.MethodGet {
		sw.methodNotAllowed()
		return
	}

	resolved, ok := h.authenticateBearer(sw, r, span)
	if !ok {
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(sw, http.StatusOK, resolved.Claims)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Unknown tokens are acknowledged like known ones.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	sw, r, span, done := h.begin(w, r, endpointRevoke, "oauth.http.token_revocation")
	defer done()

	if r.Method != http.MethodPost {
		sw.methodNotAllowed()
		return
	}

	if h.checkIPRateLimit(sw, r, endpointRevoke) {
		return
	}

	var params revocationParams
	if err := decodeBody(sw, r, &params); err != nil {
		security.LoggerWithRequestID(r.Context(), h.logger).Debug("Unreadable revocation request acknowledged", "error", err)
		instrumentation.SetSpanSuccess(span)
		h.writeJSON(sw, http.StatusOK, RevocationResponse{Message: revocationMessage})
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenTypeHint, params.TokenTypeHint))

	if err := h.server.RevokeToken(r.Context(), params.Token, params.TokenTypeHint); err != nil {
		h.writeOAuthError(sw, r, span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(sw, http.StatusOK, RevocationResponse{Message: revocationMessage})
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	sw, _, _, done := h.begin(w, r, endpointMetadata, "oauth.http.metadata")
	defer done()

	if r.Method != http.MethodGet {
		sw.methodNotAllowed()
		return
	}

	h.writeJSON(sw, http.StatusOK, h.buildAuthServerMetadata())
}

// buildAuthServerMetadata builds the RFC 8414 authorization server metadata.
func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	return AuthorizationServerMetadata{
		Issuer:                                 h.server.Config.Issuer,
		AuthorizationEndpoint:                  issuer + PathAuthorize,
		TokenEndpoint:                          issuer + PathToken,
		RevocationEndpoint:                     issuer + PathRevoke,
		UserInfoEndpoint:                       issuer + PathUserInfo,
		ScopesSupported:                        h.server.Config.SupportedScopes,
		ResponseTypesSupported:                 []string{"code"},
		GrantTypesSupported:                    []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported:      []string{"client_secret_basic", "client_secret_post"},
		RevocationEndpointAuthMethodsSupported: []string{"none"},
	}
}

// RequireBearerToken is middleware for protected APIs. It validates the bearer
// access token and makes its claims available through ClaimsFromContext.
func (h *Handler) RequireBearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.startSpan(r.Context(), "oauth.http.require_bearer")
		defer span.End()

		r = r.WithContext(security.WithClientIP(ctx, h.clientIP(r)))

		resolved, ok := h.authenticateBearer(w, r, span)
		if !ok {
			return
		}

		instrumentation.SetSpanSuccess(span)
		next.ServeHTTP(w, r.WithContext(ContextWithToken(r.Context(), resolved)))
	})
}

type resolvedTokenContextKey struct{}

// ContextWithToken returns ctx carrying a resolved bearer token
func ContextWithToken(ctx context.Context, resolved *server.ResolvedToken) context.Context {
	return context.WithValue(ctx, resolvedTokenContextKey{}, resolved)
}

// TokenFromContext returns the bearer token resolved by RequireBearerToken
func TokenFromContext(ctx context.Context) (*server.ResolvedToken, bool) {
	resolved, ok := ctx.Value(resolvedTokenContextKey{}).(*server.ResolvedToken)
	return resolved, ok && resolved != nil
}

// ClaimsFromContext returns the user claims of the bearer token resolved by RequireBearerToken
func ClaimsFromContext(ctx context.Context) (*server.UserClaims, bool) {
	resolved, ok := TokenFromContext(ctx)
	if !ok {
		return nil, false
	}
	return resolved.Claims, true
}

// authenticateBearer extracts and resolves the bearer token, writing the error
// response when it is missing or invalid.
func (h *Handler) authenticateBearer(w http.ResponseWriter, r *http.Request, span trace.Span) (*server.ResolvedToken, bool) {
	token, ok := h.extractBearerToken(w, r)
	if !ok {
		instrumentation.SetSpanError(span, "token missing")
		return nil, false
	}

	resolved, err := h.server.ResolveBearer(r.Context(), token)
	if err != nil {
		h.writeOAuthError(w, r, span, err)
		return nil, false
	}
	return resolved, true
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "No access token provided", http.StatusUnauthorized)
		return "", false
	}

	scheme, token, found := strings.Cut(authHeader, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid Authorization header format", http.StatusUnauthorized)
		return "", false
	}

	return token, true
}

// currentUser resolves the signed-in user. ok is false when an error response
// was already written.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request, span trace.Span) (string, bool) {
	if h.sessions == nil {
		return "", true
	}

	userID, signedIn, err := h.sessions.CurrentUser(r)
	if err != nil {
		h.writeOAuthError(w, r, span, ErrServerError("Failed to resolve session").Wrap(err))
		return "", false
	}
	if !signedIn {
		return "", true
	}
	return userID, true
}

// requireLogin sends a user without a session to the login page, passing the
// authorization URL as return_to. Without a login page it answers 401.
func (h *Handler) requireLogin(w http.ResponseWriter, r *http.Request, span trace.Span) {
	instrumentation.SetSpanError(span, "no session")

	loginURL := h.server.Config.LoginURL
	if loginURL == "" {
		h.writeError(w, ErrorCodeLoginRequired, "User authentication is required", http.StatusUnauthorized)
		return
	}

	returnTo := strings.TrimSuffix(h.server.Config.Issuer, "/") + r.URL.RequestURI()
	location, err := util.AppendQuery(loginURL, url.Values{"return_to": {returnTo}})
	if err != nil {
		h.writeOAuthError(w, r, span, ErrServerError("Invalid login URL").Wrap(err))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, location, http.StatusFound)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	clientIP := security.ClientIPFromContext(r.Context())
	if h.limiter == nil || h.limiter.Allow(clientIP) {
		return false
	}

	security.LoggerWithRequestID(r.Context(), h.logger).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.metrics.RecordRateLimitExceeded(r.Context(), endpoint)
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// Helper methods

func (h *Handler) parseBasicAuth(r *http.Request) (username, password string) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", ""
	}
	// RFC 6749 section 2.3.1: credentials are form encoded before Basic encoding
	if u, err := url.QueryUnescape(username); err == nil {
		username = u
	}
	if p, err := url.QueryUnescape(password); err == nil {
		password = p
	}
	return username, password
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// begin prepares a request: it opens the endpoint span, puts the client IP in
// the context and wraps the writer so the response status reaches the metrics.
// The returned func must be deferred.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, endpoint, spanName string) (*statusWriter, *http.Request, trace.Span, func()) {
	startTime := time.Now()

	ctx, span := h.startSpan(r.Context(), spanName)
	clientIP := h.clientIP(r)
	ctx = security.WithClientIP(ctx, clientIP)

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
		attribute.String(instrumentation.AttrHTTPMethod, r.Method),
	)
	if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientIP, clientIP))
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	method := r.Method
	return sw, r.WithContext(ctx), span, func() {
		instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrHTTPStatusCode, sw.status))
		h.recordHTTPMetrics(endpoint, method, sw.status, startTime)
		span.End()
	}
}

// startSpan opens a span when tracing is enabled. The returned span is a no-op
// otherwise and is always safe to End.
func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return h.tracer.Start(ctx, name)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token, scope string) {
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = server.TokenTypeBearer
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeOAuthError renders err as an OAuth error response. Anything that is not
// an OAuth error is reported as server_error; the cause is only logged.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	oauthErr := AsError(err)
	logger := security.LoggerWithRequestID(r.Context(), h.logger)

	if oauthErr.Status >= http.StatusInternalServerError {
		logger.Error("Request failed", "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("Request rejected",
			"path", r.URL.Path,
			"error", oauthErr.Code,
			"description", oauthErr.Description)
	}

	if cause := errors.Unwrap(oauthErr); cause != nil {
		instrumentation.RecordError(span, cause)
	}
	instrumentation.AddOAuthError(span, oauthErr.Code, oauthErr.Description)

	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds a Bearer challenge (RFC 6750 section 3)
func formatWWWAuthenticate(code, description string) string {
	escape := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return server.TokenTypeBearer + ` error="` + escape.Replace(code) +
		`", error_description="` + escape.Replace(description) + `"`
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.metrics.RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

// statusWriter records the status code written by a handler
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) methodNotAllowed() {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
