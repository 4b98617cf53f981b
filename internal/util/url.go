package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// AppendQuery adds params to rawURL. The query rawURL already carries is kept
// as written, except that keys named in params are replaced. Parameters with
// empty values are not written.
func AppendQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}

	var parts []string
	for _, part := range strings.Split(u.RawQuery, "&") {
		if part == "" {
			continue
		}
		key, _, _ := strings.Cut(part, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if _, replaced := params[key]; replaced {
			continue
		}
		parts = append(parts, part)
	}

	added := url.Values{}
	for key, values := range params {
		for _, v := range values {
			if v != "" {
				added.Add(key, v)
			}
		}
	}
	if encoded := added.Encode(); encoded != "" {
		parts = append(parts, encoded)
	}

	u.RawQuery = strings.Join(parts, "&")
	return u.String(), nil
}

// ValidateRedirectURI checks that uri is acceptable for registration: absolute,
// without a fragment, and https unless it points at a loopback host.
func ValidateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect uri %q: %w", uri, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect uri %q must be absolute", uri)
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("redirect uri %q must not contain a fragment", uri)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if IsLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect uri %q must use https", uri)
	default:
		return fmt.Errorf("redirect uri %q has unsupported scheme %q", uri, u.Scheme)
	}
}

// IsLoopbackHost reports whether host is "localhost" or a loopback IP literal.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
