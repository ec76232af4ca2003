package tokenstore

import (
	"context"
	"net/http"
	"net/url"
)

// RefreshCookieName is the HttpOnly cookie the server keeps the refresh token in.
const RefreshCookieName = "refresh_token"

// CookieStore is used when the refresh token lives in a same-site HttpOnly
// cookie. Client code cannot read it; the cookie jar attaches it to requests.
type CookieStore struct {
	jar     http.CookieJar
	baseURL *url.URL
}

// NewCookieStore creates a store over the jar shared with the transport.
// jar may be nil when the host (a browser) owns cookies itself.
func NewCookieStore(jar http.CookieJar, baseURL *url.URL) *CookieStore {
	return &CookieStore{jar: jar, baseURL: baseURL}
}

func (s *CookieStore) Readable() bool { return false }

func (s *CookieStore) Get(ctx context.Context) (string, error) { return "", nil }

// Set is a no-op: the server rotates the cookie on the refresh response.
func (s *CookieStore) Set(ctx context.Context, token string) error { return nil }

// Clear expires the local copy of the cookie so it stops being sent.
func (s *CookieStore) Clear(ctx context.Context) error {
	if s.jar == nil || s.baseURL == nil {
		return nil
	}
	s.jar.SetCookies(s.baseURL, []*http.Cookie{{
		Name:   RefreshCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
	return nil
}
