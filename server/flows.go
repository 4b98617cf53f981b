package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/armabattles/oauth-core/instrumentation"
	"github.com/armabattles/oauth-core/internal/util"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/storage"
)

// AuthorizationRequest carries the parameters of an authorization request.
// Scope and State are optional.
type AuthorizationRequest struct {
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
}

// PendingAuthorization is a validated authorization request awaiting the
// user's consent decision.
type PendingAuthorization struct {
	Client      *storage.Client
	Scopes      []string
	RedirectURI string
	State       string
}

// RedirectOutcome is where the user agent is sent after a consent decision:
// either an authorization code or an OAuth error, always with the original state.
type RedirectOutcome struct {
	RedirectURI string
	Code        string
	State       string
	Scopes      []string
	Error       *Error
}

// Location returns the redirect URI with the outcome appended as query
// parameters. An existing query on the redirect URI is kept and an empty
// state is omitted.
func (o *RedirectOutcome) Location() (string, error) {
	params := url.Values{}
	if o.Error != nil {
		params.Set("error", o.Error.Code)
		params.Set("error_description", o.Error.Description)
	} else {
		params.Set("code", o.Code)
	}
	params.Set("state", o.State)
	return util.AppendQuery(o.RedirectURI, params)
}

// BeginAuthorization validates an authorization request before consent is
// asked. It fails with invalid_client when the client is missing or revoked,
// invalid_request when the redirect URI is not registered for the client, and
// invalid_scope when a requested scope is not supported.
//
// Whether a user is signed in is the caller's concern: this only validates.
func (s *Server) BeginAuthorization(ctx context.Context, req AuthorizationRequest) (*PendingAuthorization, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.begin_authorization")
	defer span.End()

	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)

	client, err := s.authorizationClient(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if client.Revoked {
		instrumentation.SetSpanError(span, "client revoked")
		return nil, errAuthorizationClient()
	}

	scopes, err := s.normalizeScopes(ctx, client.ID, req.Scope)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.metrics.RecordAuthorizationStarted(ctx, client.ID)
	instrumentation.SetSpanSuccess(span)

	return &PendingAuthorization{
		Client:      client,
		Scopes:      scopes,
		RedirectURI: req.RedirectURI,
		State:       req.State,
	}, nil
}

// CompleteAuthorization records the consent decision of userID for req.
//
// The client and redirect URI are validated again, since the decision arrives
// in a separate request. An unknown client or an unregistered redirect URI is
// returned as an error and must not be redirected to. A revoked client, a
// denial or an unsupported scope yield a RedirectOutcome carrying the OAuth
// error. On approval an authorization code is minted and returned together
// with the original state.
func (s *Server) CompleteAuthorization(ctx context.Context, userID string, req AuthorizationRequest, approved bool) (*RedirectOutcome, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.complete_authorization")
	defer span.End()

	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, userID, req.Scope)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrApproved, approved))

	if userID == "" {
		instrumentation.SetSpanError(span, "no authenticated user")
		return nil, ErrLoginRequired("User authentication is required")
	}

	client, err := s.authorizationClient(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	outcome := &RedirectOutcome{
		RedirectURI: req.RedirectURI,
		State:       req.State,
	}

	if client.Revoked {
		instrumentation.SetSpanError(span, "client revoked")
		outcome.Error = ErrInvalidClient("Client not found or revoked")
		return outcome, nil
	}

	clientIP := security.ClientIPFromContext(ctx)

	if !approved {
		s.Logger.Info("Authorization denied by user", "client_id", client.ID)
		s.Auditor.LogAuthorizationDenied(userID, client.ID, clientIP)
		s.metrics.RecordAuthorizationDecision(ctx, client.ID, false)
		instrumentation.SetSpanSuccess(span)
		outcome.Error = ErrAccessDenied("User denied the authorization request")
		return outcome, nil
	}

	scopes, err := s.normalizeScopes(ctx, client.ID, req.Scope)
	if err != nil {
		instrumentation.RecordError(span, err)
		outcome.Error = AsError(err)
		return outcome, nil
	}

	now := s.timestamp()
	value := generateRandomToken()
	code := &storage.AuthorizationCode{
		ID:          uuid.NewString(),
		UserID:      userID,
		ClientID:    client.ID,
		Scopes:      scopes,
		CodeHash:    storage.HashToken(value),
		RedirectURI: req.RedirectURI,
		ExpiresAt:   now.Add(s.Config.CodeTTL()),
		CreatedAt:   now,
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, code); err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("Failed to issue authorization code").withCause(err)
	}

	scope := storage.JoinScopes(scopes)
	s.Logger.Info("Issued authorization code",
		"client_id", client.ID,
		"scope", scope,
		"code_prefix", util.SafeTruncate(code.CodeHash, tokenLogLength))
	s.Auditor.LogCodeIssued(userID, client.ID, clientIP, scope)
	s.metrics.RecordAuthorizationDecision(ctx, client.ID, true)
	instrumentation.SetSpanSuccess(span)

	outcome.Code = value
	outcome.Scopes = scopes
	return outcome, nil
}

// authorizationClient resolves the client of an authorization request and checks
// the redirect URI against its registered set. Revoked clients are returned as is.
func (s *Server) authorizationClient(ctx context.Context, req AuthorizationRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, errAuthorizationClient()
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Debug("Authorization request for unknown client", "client_id", req.ClientID)
			return nil, errAuthorizationClient()
		}
		return nil, ErrServerError("Failed to load client").withCause(err)
	}

	if !s.ValidateRedirectURI(client, req.RedirectURI) {
		s.Logger.Warn("Authorization request with unregistered redirect URI",
			"client_id", client.ID,
			"redirect_uri", req.RedirectURI)
		s.Auditor.LogInvalidRedirect(client.ID, security.ClientIPFromContext(ctx), req.RedirectURI)
		return nil, ErrInvalidRequest("Invalid redirect_uri")
	}

	return client, nil
}

// errAuthorizationClient is invalid_client as reported by the authorization
// endpoints. The user agent made the request, not the client, so it is a 400
// without a Bearer challenge.
func errAuthorizationClient() *Error {
	return NewError(ErrorCodeInvalidClient, "Client not found or has been revoked", http.StatusBadRequest)
}

// normalizeScopes parses a requested scope string. An empty request yields the
// configured default scopes; duplicates are dropped and order is kept.
func (s *Server) normalizeScopes(ctx context.Context, clientID, scope string) ([]string, error) {
	requested := strings.Fields(scope)
	if len(requested) == 0 {
		return storage.CopyStrings(s.Config.DefaultScopes), nil
	}

	scopes := make([]string, 0, len(requested))
	for _, sc := range requested {
		if slices.Contains(scopes, sc) {
			continue
		}
		supported := len(s.Config.SupportedScopes) == 0 || slices.Contains(s.Config.SupportedScopes, sc)
		if !supported || validateScopeFormat(sc) != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidScope,
				ClientID:  clientID,
				IPAddress: security.ClientIPFromContext(ctx),
				Details: map[string]any{
					"scope": sc,
				},
			})
			return nil, ErrInvalidScope("The requested scope is invalid or unsupported")
		}
		scopes = append(scopes, sc)
	}
	return scopes, nil
}

// timestamp returns the current time at the millisecond precision every store
// persists, so records read back compare equal to what was written.
func (s *Server) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}
