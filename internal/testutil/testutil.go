package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/armabattles/oauth-core/storage"
)

const (
	// TestClientID is the ID used by GenerateTestClient
	TestClientID = "test-client-id"

	// TestClientSecret is the plaintext secret of GenerateTestClient
	TestClientSecret = "test-client-secret"

	// TestRedirectURI is the single redirect URI registered for GenerateTestClient
	TestRedirectURI = "https://example.com/callback"

	// TestUserID identifies the resource owner in fixtures
	TestUserID = "test-user-123"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateTestClient creates a test client with TestClientSecret as its secret.
// The secret is hashed at bcrypt.MinCost to keep tests fast.
func GenerateTestClient() *storage.Client {
	return GenerateTestClientWithID(TestClientID)
}

// GenerateTestClientWithID creates a test client with the given ID
func GenerateTestClientWithID(clientID string) *storage.Client {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test secret: %v", err))
	}
	return &storage.Client{
		ID:           clientID,
		Name:         "Test Client",
		SecretHash:   string(hash),
		RedirectURIs: []string{TestRedirectURI},
		CreatedAt:    time.Now().Truncate(time.Millisecond),
	}
}

// GenerateTestAuthorizationCode creates an unredeemed code for clientID and
// returns it together with its plaintext value.
func GenerateTestAuthorizationCode(clientID string, now time.Time) (string, *storage.AuthorizationCode) {
	value := GenerateRandomString(43)
	return value, &storage.AuthorizationCode{
		ID:          uuid.NewString(),
		UserID:      TestUserID,
		ClientID:    clientID,
		Scopes:      []string{"profile", "email"},
		CodeHash:    storage.HashToken(value),
		RedirectURI: TestRedirectURI,
		ExpiresAt:   now.Add(10 * time.Minute),
		CreatedAt:   now,
	}
}

// GenerateTestTokenTemplates creates the access and refresh token templates
// passed to RedeemAuthorizationCode and RotateRefreshToken. The returned strings
// are the plaintext values.
func GenerateTestTokenTemplates(now time.Time) (accessValue, refreshValue string, access storage.AccessToken, refresh storage.RefreshToken) {
	accessValue = GenerateRandomString(43)
	refreshValue = GenerateRandomString(43)
	access = storage.AccessToken{
		ID:        uuid.NewString(),
		TokenHash: storage.HashToken(accessValue),
		ExpiresAt: now.Add(30 * 24 * time.Hour),
		CreatedAt: now,
	}
	refresh = storage.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: storage.HashToken(refreshValue),
		ExpiresAt: now.Add(90 * 24 * time.Hour),
		CreatedAt: now,
	}
	return accessValue, refreshValue, access, refresh
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBody sets the request body
func (r *HTTPRequest) WithBody(body string) *HTTPRequest {
	r.Body = body
	return r
}

// WithForm sets a form encoded body and the matching content type
func (r *HTTPRequest) WithForm(values url.Values) *HTTPRequest {
	r.Body = values.Encode()
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// WithBasicAuth sets HTTP Basic client credentials
func (r *HTTPRequest) WithBasicAuth(clientID, secret string) *HTTPRequest {
	creds := base64.StdEncoding.EncodeToString([]byte(url.QueryEscape(clientID) + ":" + url.QueryEscape(secret)))
	r.Headers["Authorization"] = "Basic " + creds
	return r
}

// WithBearer sets a bearer access token
func (r *HTTPRequest) WithBearer(token string) *HTTPRequest {
	r.Headers["Authorization"] = "Bearer " + token
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	req.RemoteAddr = "192.0.2.1:1234"
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
