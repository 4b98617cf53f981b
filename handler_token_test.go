package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armabattles/oauth-core/internal/testutil"
	"github.com/armabattles/oauth-core/security"
	"github.com/armabattles/oauth-core/server"
)

func tokenForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.TestRedirectURI},
		"client_id":     {testutil.TestClientID},
		"client_secret": {testutil.TestClientSecret},
	}
}

func TestHandler_ServeToken_AuthorizationCode(t *testing.T) {
	env := setupTestHandler(t, nil)
	code := env.approve(t, "")

	w := testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithForm(tokenForm(code)).
		Do(env.mux)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEqual(t, resp.AccessToken, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(2592000), resp.ExpiresIn)
	assert.Equal(t, "profile email", resp.Scope)

	// a code is single use
	w = testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithForm(tokenForm(code)).
		Do(env.mux)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, w).Error)
}

func TestHandler_ServeToken_BasicAuth(t *testing.T) {
	env := setupTestHandler(t, nil)
	code := env.approve(t, "profile")

	form := tokenForm(code)
	form.Del("client_id")
	form.Set("client_secret", "ignored-when-basic-auth-is-present")

	w := testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithForm(form).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(env.mux)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "profile", resp.Scope)
}

func TestHandler_ServeToken_JSONBody(t *testing.T) {
	env := setupTestHandler(t, nil)
	code := env.approve(t, "")

	body, err := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  testutil.TestRedirectURI,
		"client_id":     testutil.TestClientID,
		"client_secret": testutil.TestClientSecret,
	})
	require.NoError(t, err)

	w := testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithHeader("Content-Type", "application/json; charset=utf-8").
		WithBody(string(body)).
		Do(env.mux)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandler_ServeToken_Errors(t *testing.T) {
	tests := []struct {
		name       string
		form       func(code string) url.Values
		wantStatus int
		wantCode   string
		wantDesc   string
	}{
		{
			name: "wrong secret",
			form: func(code string) url.Values {
				f := tokenForm(code)
				f.Set("client_secret", "wrong")
				return f
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
			wantDesc:   "Client authentication failed",
		},
		{
			name: "missing credentials",
			form: func(code string) url.Values {
				f := tokenForm(code)
				f.Del("client_id")
				f.Del("client_secret")
				return f
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name: "missing grant_type",
			form: func(code string) url.Values {
				f := tokenForm(code)
				f.Del("grant_type")
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Required parameter 'grant_type' missing",
		},
		{
			name: "unsupported grant",
			form: func(code string) url.Values {
				f := tokenForm(code)
				f.Set("grant_type", "password")
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnsupportedGrantType,
			wantDesc:   "Grant type password not supported",
		},
		{
			name: "missing code",
			form: func(code string) url.Values {
				f := tokenForm(code)
				f.Del("code")
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
			wantDesc:   "Required parameter 'code' missing",
		},
		{
			name: "unknown code",
			form: func(string) url.Values {
				return tokenForm("not-a-code")
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidGrant,
		},
		{
			name: "redirect_uri mismatch",
			form: func(code string) url.Values {
				f := tokenForm(code)
				f.Set("redirect_uri", "https://example.com/other")
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, nil)
			code := env.approve(t, "")

			w := testutil.NewHTTPRequest(http.MethodPost, PathToken).
				WithForm(tt.form(code)).
				Do(env.mux)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeErrorResponse(t, w)
			assert.Equal(t, tt.wantCode, resp.Error)
			if tt.wantDesc != "" {
				assert.Equal(t, tt.wantDesc, resp.ErrorDescription)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="`+tt.wantCode+`"`)
			}
		})
	}
}

func TestHandler_ServeToken_MalformedBody(t *testing.T) {
	env := setupTestHandler(t, nil)

	w := testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithHeader("Content-Type", "application/json").
		WithBody(`{"grant_type":`).
		Do(env.mux)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeErrorResponse(t, w)
	assert.Equal(t, ErrorCodeInvalidRequest, resp.Error)
	assert.Equal(t, "Failed to parse request", resp.ErrorDescription)
}

func TestHandler_ServeToken_MethodNotAllowed(t *testing.T) {
	env := setupTestHandler(t, nil)

	w := testutil.NewHTTPRequest(http.MethodGet, PathToken).Do(env.mux)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_ServeToken_RefreshRotation(t *testing.T) {
	env := setupTestHandler(t, nil)
	first := env.issueTokens(t, "")

	refresh := func(token string) *TokenResponse {
		t.Helper()
		w := testutil.NewHTTPRequest(http.MethodPost, PathToken).
			WithForm(url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {token},
			}).
			WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
			Do(env.mux)
		if w.Code != http.StatusOK {
			assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, w).Error)
			return nil
		}
		var resp TokenResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return &resp
	}

	second := refresh(first.RefreshToken)
	require.NotNil(t, second)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "profile email", second.Scope)

	assert.Nil(t, refresh(first.RefreshToken), "rotated refresh token must not be reusable")
	assert.Contains(t, env.logs.String(), security.EventRefreshTokenReuseDetected)

	assert.NotNil(t, refresh(second.RefreshToken))
}

func TestHandler_ServeToken_RefreshFromOtherClient(t *testing.T) {
	env := setupTestHandler(t, nil)
	require.NoError(t, env.store.SaveClient(t.Context(), testutil.GenerateTestClientWithID("other-client")))
	tokens := env.issueTokens(t, "")

	w := testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithForm(url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tokens.RefreshToken},
		}).
		WithBasicAuth("other-client", testutil.TestClientSecret).
		Do(env.mux)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, w).Error)
}

func TestHandler_ServeUserInfo(t *testing.T) {
	env := setupTestHandler(t, nil)
	tokens := env.issueTokens(t, "")

	w := testutil.NewHTTPRequest(http.MethodGet, PathUserInfo).
		WithBearer(tokens.AccessToken).
		Do(env.mux)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{
		"id": "test-user-123",
		"name": "Test User",
		"username": "testuser",
		"email": "test@example.com",
		"email_verified": true
	}`, w.Body.String())
}

func TestHandler_ServeUserInfo_ScopeLimitsClaims(t *testing.T) {
	env := setupTestHandler(t, nil)
	tokens := env.issueTokens(t, "profile")

	w := testutil.NewHTTPRequest(http.MethodGet, PathUserInfo).
		WithBearer(tokens.AccessToken).
		Do(env.mux)

	require.Equal(t, http.StatusOK, w.Code)

	var claims server.UserClaims
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claims))
	assert.Equal(t, testutil.TestUserID, claims.ID)
	assert.Empty(t, claims.Email)
	assert.Nil(t, claims.EmailVerified)
}

func TestHandler_ServeUserInfo_Errors(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		wantCode string
		wantDesc string
	}{
		{
			name:     "no header",
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "No access token provided",
		},
		{
			name:     "wrong scheme",
			header:   "Basic dXNlcjpwYXNz",
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "Invalid Authorization header format",
		},
		{
			name:     "empty bearer",
			header:   "Bearer ",
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "Invalid Authorization header format",
		},
		{
			name:     "unknown token",
			header:   "Bearer not-a-token",
			wantCode: ErrorCodeInvalidToken,
		},
	}

	env := setupTestHandler(t, nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewHTTPRequest(http.MethodGet, PathUserInfo)
			if tt.header != "" {
				req = req.WithHeader("Authorization", tt.header)
			}
			w := req.Do(env.mux)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			resp := decodeErrorResponse(t, w)
			assert.Equal(t, tt.wantCode, resp.Error)
			if tt.wantDesc != "" {
				assert.Equal(t, tt.wantDesc, resp.ErrorDescription)
			}
		})
	}
}

func TestHandler_ServeUserInfo_ExpiredToken(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	env := setupTestHandler(t, nil)
	env.srv.SetClock(clock.Now)
	tokens := env.issueTokens(t, "")

	clock.Advance(31 * 24 * time.Hour)

	w := testutil.NewHTTPRequest(http.MethodGet, PathUserInfo).
		WithBearer(tokens.AccessToken).
		Do(env.mux)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrorCodeInvalidToken, decodeErrorResponse(t, w).Error)
}

func TestHandler_ServeTokenRevocation(t *testing.T) {
	env := setupTestHandler(t, nil)
	tokens := env.issueTokens(t, "")

	w := testutil.NewHTTPRequest(http.MethodPost, PathRevoke).
		WithForm(url.Values{"token": {tokens.AccessToken}}).
		Do(env.mux)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"message":"Token revoked successfully"}`, w.Body.String())
	assert.Contains(t, env.logs.String(), security.EventTokenRevoked)

	w = testutil.NewHTTPRequest(http.MethodGet, PathUserInfo).
		WithBearer(tokens.AccessToken).
		Do(env.mux)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrorCodeInvalidToken, decodeErrorResponse(t, w).Error)
}

func TestHandler_ServeTokenRevocation_RefreshToken(t *testing.T) {
	env := setupTestHandler(t, nil)
	tokens := env.issueTokens(t, "")

	w := testutil.NewHTTPRequest(http.MethodPost, PathRevoke).
		WithForm(url.Values{
			"token":           {tokens.RefreshToken},
			"token_type_hint": {"refresh_token"},
		}).
		Do(env.mux)
	require.Equal(t, http.StatusOK, w.Code)

	w = testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithForm(url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tokens.RefreshToken},
		}).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(env.mux)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, w).Error)
}

func TestHandler_ServeTokenRevocation_UnknownTokensAreAcknowledged(t *testing.T) {
	env := setupTestHandler(t, nil)

	for _, form := range []url.Values{
		{"token": {"never-issued"}},
		{"token": {"never-issued"}, "token_type_hint": {"refresh_token"}},
		{"token": {strings.Repeat("x", 600)}},
		{"token": {"never-issued"}, "token_type_hint": {strings.Repeat("h", 100)}},
		{},
	} {
		w := testutil.NewHTTPRequest(http.MethodPost, PathRevoke).WithForm(form).Do(env.mux)
		assert.Equal(t, http.StatusOK, w.Code, "form %v", form)
		assert.Equal(t, revocationMessage, decodeRevocationResponse(t, w).Message)
	}

	w := testutil.NewHTTPRequest(http.MethodPost, PathRevoke).
		WithHeader("Content-Type", "application/json").
		WithBody(`{"token": `).
		Do(env.mux)
	assert.Equal(t, http.StatusOK, w.Code, "malformed JSON body")
	assert.Equal(t, revocationMessage, decodeRevocationResponse(t, w).Message)

	w = testutil.NewHTTPRequest(http.MethodGet, PathRevoke).Do(env.mux)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_RateLimit(t *testing.T) {
	env := setupTestHandler(t, nil)

	limiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
	}, nil)
	t.Cleanup(limiter.Stop)
	env.handler.SetRateLimiter(limiter)

	revoke := func() int {
		return testutil.NewHTTPRequest(http.MethodPost, PathRevoke).
			WithForm(url.Values{"token": {"x"}}).
			Do(env.mux).Code
	}
	require.Equal(t, http.StatusOK, revoke())

	w := testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithForm(tokenForm("x")).
		Do(env.mux)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, ErrorCodeRateLimitExceeded, decodeErrorResponse(t, w).Error)
	assert.Contains(t, env.logs.String(), security.EventRateLimitExceeded)

	// user info is not rate limited
	w = testutil.NewHTTPRequest(http.MethodGet, PathUserInfo).Do(env.mux)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_RequireBearerToken(t *testing.T) {
	env := setupTestHandler(t, nil)
	tokens := env.issueTokens(t, "profile")

	var gotClaims *server.UserClaims
	protected := env.handler.RequireBearerToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Error("ClaimsFromContext() ok = false, want true")
		}
		resolved, ok := TokenFromContext(r.Context())
		if !ok || resolved.Token.ClientID != testutil.TestClientID {
			t.Errorf("TokenFromContext() = %+v, %v", resolved, ok)
		}
		gotClaims = claims
		w.WriteHeader(http.StatusNoContent)
	}))

	w := testutil.NewHTTPRequest(http.MethodGet, "/api/matches").
		WithBearer(tokens.AccessToken).
		Do(protected)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "testuser", gotClaims.Username)

	w = testutil.NewHTTPRequest(http.MethodGet, "/api/matches").Do(protected)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClaimsFromContext_Empty(t *testing.T) {
	if _, ok := ClaimsFromContext(t.Context()); ok {
		t.Error("ClaimsFromContext() ok = true on empty context")
	}
}
