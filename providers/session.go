package providers

import (
	"net/http"
	"strings"
)

// DefaultUserHeader is the header HeaderSessionResolver reads when none is configured.
const DefaultUserHeader = "X-Authenticated-User"

// SessionResolver identifies the signed-in user of a request.
// Session and cookie management live outside the authorization server; the
// resolver is the only thing it needs from them.
type SessionResolver interface {
	// CurrentUser returns the ID of the signed-in user. ok is false when the
	// request carries no authenticated session.
	CurrentUser(r *http.Request) (userID string, ok bool, err error)
}

// SessionResolverFunc adapts a function to the SessionResolver interface.
type SessionResolverFunc func(r *http.Request) (string, bool, error)

// CurrentUser calls f(r).
func (f SessionResolverFunc) CurrentUser(r *http.Request) (string, bool, error) {
	return f(r)
}

// HeaderSessionResolver trusts a user ID header injected by an authenticating
// reverse proxy.
//
// SECURITY: Only use this behind a proxy that strips the header from client
// requests before setting it. Otherwise any caller can impersonate any user.
type HeaderSessionResolver struct {
	// Header is the header carrying the user ID (default DefaultUserHeader)
	Header string
}

// CurrentUser implements SessionResolver.
func (h HeaderSessionResolver) CurrentUser(r *http.Request) (string, bool, error) {
	name := h.Header
	if name == "" {
		name = DefaultUserHeader
	}
	userID := strings.TrimSpace(r.Header.Get(name))
	if userID == "" {
		return "", false, nil
	}
	return userID, true, nil
}
