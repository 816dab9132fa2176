package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/smallbiznis/adminis/internal/clock"
	"github.com/smallbiznis/adminis/internal/observability/metrics"
	"github.com/smallbiznis/adminis/internal/observability/tracing"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	LoginPath = "/contul-meu/autentificare/"

	opLoginPage = "login_page"
	opLogin     = "login"

	maxLoginAttempts = 2
	maxDrainBytes    = 1 << 20
)

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	UserAgent      string
}

// Manager owns the upstream credentials, the current session and the HTTP
// client every upstream call goes through.
type Manager struct {
	cfg     Config
	client  *http.Client
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.SyncMetrics

	flight singleflight.Group

	mu         sync.RWMutex
	creds      Credentials
	current    *Session
	generation uint64
}

func NewManager(cfg Config, creds Credentials, clk clock.Clock, log *zap.Logger, m *metrics.SyncMetrics) *Manager {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Manager{
		cfg: cfg,
		client: tracing.WrapHTTPClient(&http.Client{
			Timeout: cfg.RequestTimeout,
			// Login success is a redirect carrying the session cookie, and an
			// expired session redirects to the login page; both are inspected
			// by the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}),
		clock:   clk,
		log:     log.Named("session"),
		metrics: m,
		creds:   creds,
	}
}

// HTTPClient is the client upstream calls must use.
func (m *Manager) HTTPClient() *http.Client { return m.client }

func (m *Manager) BaseURL() string { return m.cfg.BaseURL }

func (m *Manager) RequestTimeout() time.Duration { return m.cfg.RequestTimeout }

// EnsureAuthenticated returns the current session, logging in when there is
// none or it has expired. Concurrent callers share a single login.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (Session, error) {
	if s, ok := m.currentSession(); ok {
		return s, nil
	}

	ch := m.flight.DoChan("login", func() (any, error) {
		if s, ok := m.currentSession(); ok {
			return s, nil
		}
		// Shared by every waiter, so one caller giving up must not cancel it.
		return m.login(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

// Invalidate drops s if it is still the current session. Invalidations of an
// older generation are ignored so a stale 401 cannot discard a fresh login.
func (m *Manager) Invalidate(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Generation != s.Generation {
		return
	}
	m.current = nil
	m.log.Info("upstream.session.invalidated")
}

// Authorize attaches the session cookies to req.
func (m *Manager) Authorize(req *http.Request, s Session) {
	for _, c := range s.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}
}

// UpdateCredentials replaces the credentials and forgets the current session.
func (m *Manager) UpdateCredentials(creds Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	m.current = nil
	m.log.Info("upstream.credentials.updated", zap.Object("credentials", creds))
}

// Close releases idle transport connections.
func (m *Manager) Close() {
	m.client.CloseIdleConnections()
}

func (m *Manager) currentSession() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || !m.current.Valid(m.clock.Now()) {
		return Session{}, false
	}
	return *m.current, true
}

func (m *Manager) credentials() Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds
}

func (m *Manager) login(ctx context.Context) (Session, error) {
	creds := m.credentials()
	if !creds.Complete() {
		m.metrics.IncLogin(metrics.LoginOutcomeRejected)
		return Session{}, &AuthError{Kind: domain.AuthInvalidCredentials, Err: ErrMissingCredentials}
	}

	var lastErr error
	for attempt := 1; attempt <= maxLoginAttempts; attempt++ {
		cookies, err := m.attemptLogin(ctx, creds)
		if err == nil {
			s := m.store(cookies)
			m.metrics.IncLogin(metrics.LoginOutcomeSuccess)
			m.log.Info("upstream.login.success",
				zap.Uint64("generation", s.Generation),
				zap.Time("expires_at", s.ExpiresAt),
				zap.Int("attempt", attempt),
			)
			return s, nil
		}
		if !errors.Is(err, errRejected) {
			m.metrics.IncLogin(metrics.LoginOutcomeError)
			m.log.Warn("upstream.login.error", zap.Int("attempt", attempt), zap.Error(err))
			return Session{}, err
		}
		m.metrics.IncLogin(metrics.LoginOutcomeRejected)
		m.log.Warn("upstream.login.rejected", zap.Int("attempt", attempt), zap.Error(err))
		lastErr = err
	}
	return Session{}, &AuthError{Kind: domain.AuthInvalidCredentials, Err: lastErr}
}

// attemptLogin performs GET+POST against the login form and returns the
// cookies that make up the session. errRejected marks a credential rejection.
func (m *Manager) attemptLogin(ctx context.Context, creds Credentials) ([]*http.Cookie, error) {
	loginURL := m.cfg.BaseURL + LoginPath

	pageCookies, err := m.do(ctx, opLoginPage, http.MethodGet, loginURL, nil, nil, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return StatusError(opLoginPage, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("email", creds.Email)
	form.Set("password", creds.Secret)
	form.Set("formSubmitted", "1")

	var status int
	postCookies, err := m.do(ctx, opLogin, http.MethodPost, loginURL, strings.NewReader(form.Encode()), pageCookies, func(resp *http.Response) error {
		if resp.StatusCode >= http.StatusInternalServerError {
			return StatusError(opLogin, resp.StatusCode)
		}
		status = resp.StatusCode
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A rejected login re-renders the form with 200.
	if status != http.StatusFound && status != http.StatusSeeOther {
		return nil, fmt.Errorf("%w: status %d", errRejected, status)
	}
	cookies := mergeCookies(pageCookies, postCookies)
	if findCookie(cookies, CookieName) == nil {
		return nil, fmt.Errorf("%w: %w", errRejected, ErrNoSessionCookie)
	}
	return cookies, nil
}

func (m *Manager) do(
	ctx context.Context,
	op, method, target string,
	body io.Reader,
	cookies []*http.Cookie,
	check func(*http.Response) error,
) ([]*http.Cookie, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, domain.NewUpstreamError(domain.UpstreamClientError, op, 0, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	m.Authorize(req, Session{cookies: cookies})

	resp, err := m.client.Do(req)
	if err != nil {
		upErr := ClassifyTransportError(op, err)
		m.metrics.ObserveUpstreamRequest(op, upErr, time.Since(start))
		return nil, upErr
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	err = check(resp)
	m.metrics.ObserveUpstreamRequest(op, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return resp.Cookies(), nil
}

func (m *Manager) store(cookies []*http.Cookie) Session {
	now := m.clock.Now()
	var expires time.Time
	if c := findCookie(cookies, CookieName); c != nil {
		expires = expiryOf(c, now)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	s := &Session{
		cookies:    cookies,
		IssuedAt:   now,
		ExpiresAt:  expires,
		Generation: m.generation,
	}
	m.current = s
	return *s
}
