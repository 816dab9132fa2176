package session

import (
	"net/http"
	"time"
)

// CookieName is the upstream session cookie.
const CookieName = "adminis"

// Session is an authenticated upstream session. Values are immutable snapshots;
// Generation identifies which login produced them.
type Session struct {
	cookies    []*http.Cookie
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Generation uint64
}

// Valid reports whether the session can still be used at now. A zero
// ExpiresAt means the upstream did not declare one.
func (s Session) Valid(now time.Time) bool {
	if len(s.cookies) == 0 {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Cookies returns a copy of the session cookies.
func (s Session) Cookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.cookies))
	for _, c := range s.cookies {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

func expiryOf(cookie *http.Cookie, now time.Time) time.Time {
	switch {
	case cookie.MaxAge > 0:
		return now.Add(time.Duration(cookie.MaxAge) * time.Second)
	case cookie.MaxAge < 0:
		return now
	case !cookie.Expires.IsZero():
		return cookie.Expires.UTC()
	default:
		return time.Time{}
	}
}

// mergeCookies overlays next onto prev by cookie name.
func mergeCookies(prev, next []*http.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(prev)+len(next))
	index := map[string]int{}
	for _, c := range append(append([]*http.Cookie{}, prev...), next...) {
		if c == nil || c.Name == "" {
			continue
		}
		if i, ok := index[c.Name]; ok {
			out[i] = c
			continue
		}
		index[c.Name] = len(out)
		out = append(out, c)
	}
	return out
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name && c.Value != "" {
			return c
		}
	}
	return nil
}
