package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armabattles/oauth-core/internal/testutil"
	"github.com/armabattles/oauth-core/providers"
	providermock "github.com/armabattles/oauth-core/providers/mock"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/storage/memory"
)

const testIssuer = "https://auth.example.com"

type handlerEnv struct {
	handler  *Handler
	srv      *Server
	store    *memory.Store
	sessions *providermock.SessionResolver
	mux      *http.ServeMux
	logs     *bytes.Buffer
}

func setupTestHandler(t *testing.T, configure func(*ServerConfig)) *handlerEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	if err := store.SaveClient(context.Background(), testutil.GenerateTestClient()); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	users := providermock.NewUserDirectory(&providers.UserInfo{
		ID:            testutil.TestUserID,
		Name:          "Test User",
		Username:      "testuser",
		Email:         "test@example.com",
		EmailVerified: true,
	})

	config := &ServerConfig{Issuer: testIssuer}
	if configure != nil {
		configure(config)
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv, err := NewServerWithStore(store, users, config, logger)
	if err != nil {
		t.Fatalf("NewServerWithStore() error = %v", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, true))

	sessions := &providermock.SessionResolver{UserID: testutil.TestUserID}
	handler := NewHandler(srv, sessions, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	return &handlerEnv{
		handler:  handler,
		srv:      srv,
		store:    store,
		sessions: sessions,
		mux:      mux,
		logs:     logs,
	}
}

func authorizeQuery(overrides map[string]string) string {
	q := url.Values{
		"client_id":     {testutil.TestClientID},
		"redirect_uri":  {testutil.TestRedirectURI},
		"response_type": {"code"},
		"state":         {"xyz-state"},
	}
	for k, v := range overrides {
		if v == "" {
			q.Del(k)
			continue
		}
		q.Set(k, v)
	}
	return PathAuthorize + "?" + q.Encode()
}

func decisionForm(approve, scope string) url.Values {
	form := url.Values{
		"client_id":    {testutil.TestClientID},
		"redirect_uri": {testutil.TestRedirectURI},
		"state":        {"xyz-state"},
		"approve":      {approve},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return form
}

// approve runs the consent decision for the test user and returns the issued code
func (e *handlerEnv) approve(t *testing.T, scope string) string {
	t.Helper()

	w := testutil.NewHTTPRequest(http.MethodPost, PathAuthorize).
		WithForm(decisionForm("1", scope)).
		Do(e.mux)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

// issueTokens approves and exchanges a code, returning the token response
func (e *handlerEnv) issueTokens(t *testing.T, scope string) TokenResponse {
	t.Helper()

	code := e.approve(t, scope)
	w := testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithForm(url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {code},
			"redirect_uri": {testutil.TestRedirectURI},
		}).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(e.mux)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeErrorResponse(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", w.Body.String(), err)
	}
	return resp
}

func decodeRevocationResponse(t *testing.T, w *httptest.ResponseRecorder) RevocationResponse {
	t.Helper()
	var resp RevocationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode revocation response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestNewHandler(t *testing.T) {
	env := setupTestHandler(t, nil)

	if env.handler.logger == nil {
		t.Error("logger should not be nil")
	}
	if env.handler.tracer != nil {
		t.Error("tracer should be nil without instrumentation")
	}
}

func TestHandler_ServeAuthorization_Consent(t *testing.T) {
	env := setupTestHandler(t, nil)

	w := testutil.NewHTTPRequest(http.MethodGet, authorizeQuery(nil)).Do(env.mux)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	var resp ConsentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ConsentResponse{
		Client:      ConsentClient{ID: testutil.TestClientID, Name: "Test Client"},
		Scopes:      []string{"profile", "email"},
		RedirectURI: testutil.TestRedirectURI,
		State:       "xyz-state",
	}, resp)
}

func TestHandler_ServeAuthorization_Errors(t *testing.T) {
	env := setupTestHandler(t, func(c *ServerConfig) {
		c.SupportedScopes = []string{"profile", "email"}
	})
	_, err := env.srv.RevokeClient(context.Background(), testutil.TestClientID)
	require.NoError(t, err)
	require.NoError(t, env.store.SaveClient(context.Background(), testutil.GenerateTestClientWithID("active-client")))

	tests := []struct {
		name       string
		overrides  map[string]string
		wantStatus int
		wantCode   string
		wantDesc   string
	}{
		{
			name:       "missing client_id",
			overrides:  map[string]string{"client_id": ""},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Required parameter 'client_id' missing",
		},
		{
			name:       "missing redirect_uri",
			overrides:  map[string]string{"client_id": "active-client", "redirect_uri": ""},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Required parameter 'redirect_uri' missing",
		},
		{
			name:       "unsupported response_type",
			overrides:  map[string]string{"client_id": "active-client", "response_type": "token"},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Invalid value for parameter 'response_type'",
		},
		{
			name:       "unknown client",
			overrides:  map[string]string{"client_id": "nope"},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidClient,
			wantDesc:   "Client not found or has been revoked",
		},
		{
			name:       "revoked client",
			overrides:  nil,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidClient,
			wantDesc:   "Client not found or has been revoked",
		},
		{
			name:       "unregistered redirect_uri",
			overrides:  map[string]string{"client_id": "active-client", "redirect_uri": "https://evil.example/cb"},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Invalid redirect_uri",
		},
		{
			name: "space padded redirect_uri",
			overrides: map[string]string{
				"client_id":    "active-client",
				"redirect_uri": " " + testutil.TestRedirectURI + " ",
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Invalid redirect_uri",
		},
		{
			name:       "unsupported scope",
			overrides:  map[string]string{"client_id": "active-client", "scope": "admin"},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.NewHTTPRequest(http.MethodGet, authorizeQuery(tt.overrides)).Do(env.mux)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Empty(t, w.Header().Get("Location"), "errors must never redirect")
			assert.Empty(t, w.Header().Get("WWW-Authenticate"))
			resp := decodeErrorResponse(t, w)
			assert.Equal(t, tt.wantCode, resp.Error)
			if tt.wantDesc != "" {
				assert.Equal(t, tt.wantDesc, resp.ErrorDescription)
			}
		})
	}
}

func TestHandler_ServeAuthorization_RequiresSession(t *testing.T) {
	t.Run("without login page", func(t *testing.T) {
		env := setupTestHandler(t, nil)
		env.sessions.UserID = ""

		w := testutil.NewHTTPRequest(http.MethodGet, authorizeQuery(nil)).Do(env.mux)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="login_required"`)
		assert.Equal(t, ErrorCodeLoginRequired, decodeErrorResponse(t, w).Error)
	})

	t.Run("with login page", func(t *testing.T) {
		env := setupTestHandler(t, func(c *ServerConfig) {
			c.LoginURL = "https://auth.example.com/login"
		})
		env.sessions.UserID = ""

		w := testutil.NewHTTPRequest(http.MethodGet, authorizeQuery(nil)).Do(env.mux)

		require.Equal(t, http.StatusFound, w.Code)
		location, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "/login", location.Path)

		returnTo, err := url.Parse(location.Query().Get("return_to"))
		require.NoError(t, err)
		assert.Equal(t, "auth.example.com", returnTo.Host)
		assert.Equal(t, PathAuthorize, returnTo.Path)
		assert.Equal(t, testutil.TestClientID, returnTo.Query().Get("client_id"))
		assert.Equal(t, "xyz-state", returnTo.Query().Get("state"))
	})

	t.Run("invalid request is reported before login", func(t *testing.T) {
		env := setupTestHandler(t, func(c *ServerConfig) {
			c.LoginURL = "https://auth.example.com/login"
		})
		env.sessions.UserID = ""

		w := testutil.NewHTTPRequest(http.MethodGet, authorizeQuery(map[string]string{"client_id": "nope"})).Do(env.mux)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, ErrorCodeInvalidClient, decodeErrorResponse(t, w).Error)
	})

	t.Run("session failure", func(t *testing.T) {
		env := setupTestHandler(t, nil)
		env.sessions.Err = errors.New("session store unavailable")

		w := testutil.NewHTTPRequest(http.MethodGet, authorizeQuery(nil)).Do(env.mux)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decodeErrorResponse(t, w)
		assert.Equal(t, ErrorCodeServerError, resp.Error)
		assert.NotContains(t, resp.ErrorDescription, "unavailable")
	})
}

func TestHandler_ServeAuthorization_MethodNotAllowed(t *testing.T) {
	env := setupTestHandler(t, nil)

	w := testutil.NewHTTPRequest(http.MethodPut, authorizeQuery(nil)).Do(env.mux)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = testutil.NewHTTPRequest(http.MethodGet, PathAuthorize).Do(http.HandlerFunc(env.handler.ServeAuthorizationDecision))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_ServeAuthorizationDecision_Approve(t *testing.T) {
	env := setupTestHandler(t, nil)

	w := testutil.NewHTTPRequest(http.MethodPost, PathAuthorize).
		WithForm(decisionForm("1", "")).
		Do(env.mux)

	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "example.com", location.Host)
	assert.Equal(t, "/callback", location.Path)
	assert.Equal(t, "xyz-state", location.Query().Get("state"))
	assert.NotEmpty(t, location.Query().Get("code"))
	assert.Empty(t, location.Query().Get("error"))
	assert.Contains(t, env.logs.String(), security.EventAuthorizationCodeIssued)
}

func TestHandler_ServeAuthorizationDecision_JSONBody(t *testing.T) {
	env := setupTestHandler(t, nil)

	body := `{"client_id":"` + testutil.TestClientID + `","redirect_uri":"` + testutil.TestRedirectURI +
		`","scope":"profile","state":"s1","approve":true}`
	w := testutil.NewHTTPRequest(http.MethodPost, PathAuthorize).
		WithHeader("Content-Type", "application/json").
		WithBody(body).
		Do(env.mux)

	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, location.Query().Get("code"))
	assert.Equal(t, "s1", location.Query().Get("state"))
}

func TestHandler_ServeAuthorizationDecision_Deny(t *testing.T) {
	env := setupTestHandler(t, nil)

	for _, approve := range []string{"0", "false"} {
		t.Run(approve, func(t *testing.T) {
			w := testutil.NewHTTPRequest(http.MethodPost, PathAuthorize).
				WithForm(decisionForm(approve, "")).
				Do(env.mux)

			require.Equal(t, http.StatusFound, w.Code)
			location, err := url.Parse(w.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, ErrorCodeAccessDenied, location.Query().Get("error"))
			assert.Equal(t, "xyz-state", location.Query().Get("state"))
			assert.Empty(t, location.Query().Get("code"))
		})
	}
}

func TestHandler_StateIsReturnedVerbatim(t *testing.T) {
	const state = "  abc def "
	env := setupTestHandler(t, nil)

	w := testutil.NewHTTPRequest(http.MethodGet, authorizeQuery(map[string]string{"state": state})).Do(env.mux)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var consent ConsentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &consent))
	assert.Equal(t, state, consent.State)

	for _, approve := range []string{"0", "1"} {
		t.Run("approve="+approve, func(t *testing.T) {
			form := decisionForm(approve, "")
			form.Set("state", state)

			w := testutil.NewHTTPRequest(http.MethodPost, PathAuthorize).
				WithForm(form).
				Do(env.mux)

			require.Equal(t, http.StatusFound, w.Code)
			location, err := url.Parse(w.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, state, location.Query().Get("state"))
		})
	}
}

func TestHandler_ServeAuthorizationDecision_RevokedClientIsRedirected(t *testing.T) {
	env := setupTestHandler(t, nil)
	_, err := env.srv.RevokeClient(context.Background(), testutil.TestClientID)
	require.NoError(t, err)

	w := testutil.NewHTTPRequest(http.MethodPost, PathAuthorize).
		WithForm(decisionForm("1", "")).
		Do(env.mux)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeInvalidClient, location.Query().Get("error"))
	assert.Equal(t, "xyz-state", location.Query().Get("state"))
	assert.Empty(t, location.Query().Get("code"))
}

func TestHandler_ServeAuthorizationDecision_Errors(t *testing.T) {
	tests := []struct {
		name       string
		form       func() url.Values
		noSession  bool
		wantStatus int
		wantCode   string
		wantDesc   string
	}{
		{
			name:       "no session",
			form:       func() url.Values { return decisionForm("1", "") },
			noSession:  true,
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeLoginRequired,
		},
		{
			name: "missing approve",
			form: func() url.Values {
				f := decisionForm("1", "")
				f.Del("approve")
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Required parameter 'approve' missing",
		},
		{
			name:       "non boolean approve",
			form:       func() url.Values { return decisionForm("maybe", "") },
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Invalid value for parameter 'approve'",
		},
		{
			name: "unregistered redirect_uri",
			form: func() url.Values {
				f := decisionForm("1", "")
				f.Set("redirect_uri", "https://evil.example/cb")
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Invalid redirect_uri",
		},
		{
			name: "space padded redirect_uri",
			form: func() url.Values {
				f := decisionForm("1", "")
				f.Set("redirect_uri", " "+testutil.TestRedirectURI)
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Invalid redirect_uri",
		},
		{
			name: "unknown client",
			form: func() url.Values {
				f := decisionForm("1", "")
				f.Set("client_id", "nope")
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, nil)
			if tt.noSession {
				env.sessions.UserID = ""
			}

			w := testutil.NewHTTPRequest(http.MethodPost, PathAuthorize).
				WithForm(tt.form()).
				Do(env.mux)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Empty(t, w.Header().Get("Location"), "errors must never redirect")
			resp := decodeErrorResponse(t, w)
			assert.Equal(t, tt.wantCode, resp.Error)
			if tt.wantDesc != "" {
				assert.Equal(t, tt.wantDesc, resp.ErrorDescription)
			}
		})
	}
}

func TestHandler_ServeAuthorizationServerMetadata(t *testing.T) {
	env := setupTestHandler(t, func(c *ServerConfig) {
		c.SupportedScopes = []string{"profile", "email"}
	})

	w := testutil.NewHTTPRequest(http.MethodGet, PathMetadata).Do(env.mux)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var meta AuthorizationServerMetadata
	if err := json.NewDecoder(w.Body).Decode(&meta); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	assert.Equal(t, testIssuer, meta.Issuer)
	assert.Equal(t, testIssuer+"/oauth/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+"/oauth/token", meta.TokenEndpoint)
	assert.Equal(t, testIssuer+"/oauth/revoke", meta.RevocationEndpoint)
	assert.Equal(t, testIssuer+"/oauth/user", meta.UserInfoEndpoint)
	assert.Equal(t, []string{"profile", "email"}, meta.ScopesSupported)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, meta.GrantTypesSupported)

	w = testutil.NewHTTPRequest(http.MethodPost, PathMetadata).Do(env.mux)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestFormatWWWAuthenticate(t *testing.T) {
	got := formatWWWAuthenticate(ErrorCodeInvalidToken, `bad "token"`)
	assert.Equal(t, `Bearer error="invalid_token", error_description="bad \"token\""`, got)
	assert.True(t, strings.HasPrefix(got, "Bearer "))
}
