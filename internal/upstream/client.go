package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/smallbiznis/adminis/internal/observability/metrics"
	"github.com/smallbiznis/adminis/internal/observability/tracing"
	"github.com/smallbiznis/adminis/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DashboardPath       = "/i/"
	PendingPaymentsPath = "/api/pending-payments/%s/"
	PaymentsHistoryPath = "/api/payments-history/%s/"
	CountersPath        = "/api/counters/%s/"

	OpListProperties  = "list_properties"
	OpPaymentHistory  = "payments_history"
	OpPendingPayments = "pending_payments"
	OpCounters        = "counters"

	maxBodyBytes = 8 << 20
)

type (
	AuthError     = domain.AuthError
	UpstreamError = domain.UpstreamError
)

var ErrNoBill = errors.New("no_bill")

// errUnauthorized marks a response that means the session is no longer accepted.
var errUnauthorized error = unauthorizedError{}

type unauthorizedError struct{}

func (unauthorizedError) Error() string        { return "unauthorized" }
func (unauthorizedError) MetricReason() string { return metrics.ReasonSessionExpired }

// Authenticator is the part of the session manager the client depends on.
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context) (session.Session, error)
	Invalidate(s session.Session)
	Authorize(req *http.Request, s session.Session)
	HTTPClient() *http.Client
	BaseURL() string
	RequestTimeout() time.Duration
}

// Client performs read-only calls against the upstream. Every call goes
// through the session manager and is retried once after re-authenticating.
type Client struct {
	auth     Authenticator
	log      *zap.Logger
	metrics  *metrics.SyncMetrics
	otel     *metrics.Metrics
	fetchSeq atomic.Uint64
}

func NewClient(auth Authenticator, log *zap.Logger, m *metrics.SyncMetrics, otelMetrics *metrics.Metrics) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		auth:    auth,
		log:     log.Named("upstream"),
		metrics: m,
		otel:    otelMetrics,
	}
}

// ListProperties discovers the account's properties from the dashboard.
func (c *Client) ListProperties(ctx context.Context) ([]domain.Property, error) {
	var props []domain.Property
	err := c.fetch(ctx, OpListProperties, DashboardPath, func(body []byte) error {
		parsed, err := ParseDashboard(bytes.NewReader(body))
		if errors.Is(err, ErrLoginPage) {
			return errUnauthorized
		}
		if err != nil {
			return domain.NewUpstreamError(domain.UpstreamMalformedResponse, OpListProperties, http.StatusOK, err)
		}
		props = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return props, nil
}

// GetLatestBill returns the newest document of the payment history. The
// receipt endpoint refuses access, and the history entry carries the same
// total, receipt and breakdown. ErrNoBill means the history is empty.
func (c *Client) GetLatestBill(ctx context.Context, propertyID string) (RawBill, error) {
	payments, _, err := c.paymentHistory(ctx, propertyID)
	if err != nil {
		return RawBill{}, err
	}
	bill, ok := LatestBill(payments)
	if !ok {
		return RawBill{}, ErrNoBill
	}
	return bill, nil
}

// GetPaymentHistory returns the decodable payment records of a property,
// newest first as the upstream lists them.
func (c *Client) GetPaymentHistory(ctx context.Context, propertyID string) ([]RawPayment, error) {
	payments, _, err := c.paymentHistory(ctx, propertyID)
	return payments, err
}

// GetPendingBalance returns the pending-payments document of a property.
func (c *Client) GetPendingBalance(ctx context.Context, propertyID string) (RawPending, error) {
	path := fmt.Sprintf(PendingPaymentsPath, url.PathEscape(propertyID))
	pending := RawPending{PropertyID: propertyID}
	err := c.fetch(ctx, OpPendingPayments, path, func(body []byte) error {
		var env pendingEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return domain.NewUpstreamError(domain.UpstreamMalformedResponse, OpPendingPayments, http.StatusOK, err)
		}
		pending.AllowPayments = bool(env.AllowPayments)
		if code, err := strconv.Atoi(string(env.Error)); err == nil {
			pending.ErrorCode = code
		}
		if env.Results != nil {
			pending.Owner = env.Results.Owner
			pending.Assoc = env.Results.Assoc
		}
		return nil
	})
	if err != nil {
		return RawPending{}, err
	}
	return pending, nil
}

// GetCounters returns the meter-readings document of a property. The
// endpoint is known to answer with bodies that are not JSON; those yield
// ok=false rather than an error. Transport and auth failures still fail.
func (c *Client) GetCounters(ctx context.Context, propertyID string) (doc json.RawMessage, ok bool, err error) {
	path := fmt.Sprintf(CountersPath, url.PathEscape(propertyID))
	err = c.fetch(ctx, OpCounters, path, func(body []byte) error {
		body = bytes.TrimSpace(body)
		if !json.Valid(body) {
			c.log.Debug("upstream.counters.invalid",
				zap.String("property_id", propertyID),
				zap.Int("bytes", len(body)),
			)
			return nil
		}
		doc, ok = json.RawMessage(body), true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return doc, ok, nil
}

// FetchProperty gathers bill, payments and pending balance with one history
// request and one pending request. A failed pending request keeps the
// history and leaves the pending balance at zero with PendingMissing set;
// auth failures and cancellation still fail the property.
func (c *Client) FetchProperty(ctx context.Context, propertyID string) (RawProperty, error) {
	payments, skipped, err := c.paymentHistory(ctx, propertyID)
	if err != nil {
		return RawProperty{}, err
	}
	out := RawProperty{Payments: payments, Skipped: skipped}

	pending, err := c.GetPendingBalance(ctx, propertyID)
	var authErr *AuthError
	switch {
	case err == nil:
		out.Pending = pending
	case errors.As(err, &authErr) || ctx.Err() != nil:
		return RawProperty{}, err
	default:
		c.log.Warn("upstream.pending.unavailable",
			zap.String("property_id", propertyID),
			zap.String("reason", metrics.ClassifyReason(err)),
			zap.Error(err),
		)
		out.Pending = RawPending{PropertyID: propertyID}
		out.PendingMissing = true
	}

	if bill, ok := LatestBill(payments); ok {
		out.Bill = &bill
	}
	return out, nil
}

// LatestBill promotes the newest history record to a bill.
func LatestBill(payments []RawPayment) (RawBill, bool) {
	if len(payments) == 0 {
		return RawBill{}, false
	}
	newest := payments[0]
	for _, p := range payments[1:] {
		if p.FetchSeq > newest.FetchSeq {
			newest = p
		}
	}
	return RawBill{
		PropertyID: newest.PropertyID,
		Date:       newest.Date,
		Receipt:    newest.Receipt,
		Total:      newest.Amount,
		Details:    newest.Details,
	}, true
}

func (c *Client) paymentHistory(ctx context.Context, propertyID string) ([]RawPayment, int, error) {
	path := fmt.Sprintf(PaymentsHistoryPath, url.PathEscape(propertyID))
	var (
		payments []RawPayment
		skipped  int
	)
	err := c.fetch(ctx, OpPaymentHistory, path, func(body []byte) error {
		var env historyEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return domain.NewUpstreamError(domain.UpstreamMalformedResponse, OpPaymentHistory, http.StatusOK, err)
		}

		// Records arrive newest first; they are numbered from the end so the
		// newest record carries the highest fetch sequence.
		base := c.fetchSeq.Add(uint64(len(env.Results)))
		payments = make([]RawPayment, 0, len(env.Results))
		for i, raw := range env.Results {
			var rec historyRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				skipped++
				c.log.Warn("upstream.record.skipped",
					zap.String("property_id", propertyID),
					zap.Int("index", i),
					zap.String("reason", "undecodable"),
					zap.Error(err),
				)
				continue
			}
			if !rec.Amount.Present {
				skipped++
				c.log.Warn("upstream.record.skipped",
					zap.String("property_id", propertyID),
					zap.Int("index", i),
					zap.String("reason", "missing_amount"),
				)
				continue
			}
			charges, dropped, malformed := rec.charges()
			if dropped > 0 || malformed {
				c.log.Warn("upstream.breakdown.degraded",
					zap.String("property_id", propertyID),
					zap.Int("index", i),
					zap.Int("charges_dropped", dropped),
					zap.Bool("details_malformed", malformed),
				)
			}
			payments = append(payments, RawPayment{
				PropertyID: propertyID,
				Amount:     rec.Amount,
				Date:       string(rec.Date),
				Receipt:    string(rec.Receipt),
				Details:    charges,
				FetchSeq:   base - uint64(i),
			})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return payments, skipped, nil
}

// fetch GETs path with the current session and hands the body to decode.
// An authentication failure invalidates the session and retries once.
func (c *Client) fetch(ctx context.Context, op, path string, decode func([]byte) error) (err error) {
	ctx, span := tracing.Start(ctx, "upstream."+op, attribute.String("op", op))
	defer func() { tracing.End(span, err) }()

	for attempt := 1; ; attempt++ {
		s, err := c.auth.EnsureAuthenticated(ctx)
		if err != nil {
			return err
		}

		status, body, err := c.roundTrip(ctx, op, path, s)
		if err == nil {
			err = decode(body)
		}
		if !errors.Is(err, errUnauthorized) {
			return err
		}

		c.auth.Invalidate(s)
		if attempt >= 2 {
			return &AuthError{Kind: domain.AuthSessionExpired, Err: fmt.Errorf("%s: %w (status %d)", op, err, status)}
		}
		c.log.Info("upstream.session.expired", zap.String("op", op), zap.Int("status", status))
	}
}

func (c *Client) roundTrip(ctx context.Context, op, path string, s session.Session) (status int, body []byte, err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveUpstreamRequest(op, err, time.Since(start))
		reason := "ok"
		if err != nil {
			reason = metrics.ClassifyReason(err)
		}
		c.otel.RecordUpstreamRequest(ctx, op, status, reason)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.auth.RequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.auth.BaseURL()+path, nil)
	if err != nil {
		return 0, nil, domain.NewUpstreamError(domain.UpstreamClientError, op, 0, err)
	}
	req.Header.Set("Accept", "application/json, text/html;q=0.9")
	c.auth.Authorize(req, s)

	resp, err := c.auth.HTTPClient().Do(req)
	if err != nil {
		return 0, nil, session.ClassifyTransportError(op, err)
	}
	defer resp.Body.Close()

	status = resp.StatusCode
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return status, nil, errUnauthorized
	case status >= 300 && status < 400:
		if strings.Contains(resp.Header.Get("Location"), session.LoginPath) {
			return status, nil, errUnauthorized
		}
		return status, nil, session.StatusError(op, status)
	case status != http.StatusOK:
		return status, nil, session.StatusError(op, status)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return status, nil, session.ClassifyTransportError(op, err)
	}
	return status, body, nil
}
