package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/smallbiznis/adminis/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const historyJSON = `{
  "results": [
    {"amount": "862.12", "date": "30.01.2026", "receipt": 4512, "extra": true,
     "details": [
       {"name": "Apa calda", "amount": "60.74"},
       {"name": "Apa rece", "amount": 141.73}
     ]},
    {"date": "30.12.2025", "receipt": "4400"},
    {"amount": 790.5, "date": "29.12.2025", "receipt": "4388", "details": []},
    "garbage"
  ]
}`

type fakeUpstream struct {
	logins      atomic.Int32
	expireNext  atomic.Int32
	alwaysDeny  atomic.Bool
	historyCode int
	history     string
	pending     string
	pendingCode int
	counters    string
}

func (f *fakeUpstream) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(session.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			f.logins.Add(1)
			http.SetCookie(w, &http.Cookie{Name: session.CookieName, Value: "sess"})
			w.WriteHeader(http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if f.alwaysDeny.Load() {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if f.expireNext.Load() > 0 {
				f.expireNext.Add(-1)
				w.Header().Set("Location", session.LoginPath)
				w.WriteHeader(http.StatusFound)
				return
			}
			if c, err := r.Cookie(session.CookieName); err != nil || c.Value != "sess" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc(DashboardPath, authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(dashboardHTML))
	}))
	mux.HandleFunc("/api/payments-history/16835/", authed(func(w http.ResponseWriter, r *http.Request) {
		if f.historyCode != 0 {
			w.WriteHeader(f.historyCode)
			return
		}
		_, _ = w.Write([]byte(f.history))
	}))
	mux.HandleFunc("/api/pending-payments/16835/", authed(func(w http.ResponseWriter, r *http.Request) {
		if f.pendingCode != 0 {
			w.WriteHeader(f.pendingCode)
			return
		}
		_, _ = w.Write([]byte(f.pending))
	}))
	mux.HandleFunc("/api/counters/16835/", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(f.counters))
	}))
	return mux
}

func newTestClient(t *testing.T, f *fakeUpstream) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	mgr := session.NewManager(session.Config{BaseURL: srv.URL, RequestTimeout: 500 * time.Millisecond},
		session.NewCredentials("ana@example.com", "s3cret"), nil, nil, nil)
	return NewClient(mgr, nil, nil, nil), srv
}

func TestListProperties(t *testing.T) {
	f := &fakeUpstream{}
	client, _ := newTestClient(t, f)

	props, err := client.ListProperties(context.Background())
	require.NoError(t, err)
	assert.Len(t, props, 3)
	assert.Equal(t, int32(1), f.logins.Load())
}

func TestPaymentHistorySkipsMalformedRecords(t *testing.T) {
	f := &fakeUpstream{history: historyJSON}
	client, _ := newTestClient(t, f)

	payments, err := client.GetPaymentHistory(context.Background(), "16835")
	require.NoError(t, err)
	require.Len(t, payments, 2)

	assert.Equal(t, "862.12", payments[0].Amount.Text)
	assert.Equal(t, "4512", payments[0].Receipt)
	assert.Equal(t, "30.01.2026", payments[0].Date)
	require.Len(t, payments[0].Details, 2)
	assert.Equal(t, "141.73", payments[0].Details[1].Amount.Text)

	assert.Equal(t, "790.5", payments[1].Amount.Text)
	assert.True(t, payments[1].Amount.Number)
	assert.False(t, payments[0].Amount.Number)
	assert.Greater(t, payments[0].FetchSeq, payments[1].FetchSeq)
}

func TestPaymentHistoryToleratesBadBreakdown(t *testing.T) {
	cases := []struct {
		name    string
		details string
		charges []RawCharge
	}{
		{
			name:    "numeric name",
			details: `[{"name": 5, "amount": "1.00"}, {"name": "Apa rece", "amount": "2.00"}]`,
			charges: []RawCharge{{Name: "5", Amount: Amount("1.00")}, {Name: "Apa rece", Amount: Amount("2.00")}},
		},
		{
			name:    "entry not an object",
			details: `["Apa calda", {"name": "Apa rece", "amount": "2.00"}]`,
			charges: []RawCharge{{Name: "Apa rece", Amount: Amount("2.00")}},
		},
		{
			name:    "details object",
			details: `{"Apa": "1.00"}`,
			charges: []RawCharge{},
		},
		{
			name:    "details string",
			details: `"n/a"`,
			charges: []RawCharge{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeUpstream{history: `{"results": [{"amount": "862.12", "date": "30.01.2026", "receipt": "4512", "details": ` + tc.details + `}]}`}
			client, _ := newTestClient(t, f)

			payments, err := client.GetPaymentHistory(context.Background(), "16835")
			require.NoError(t, err)
			require.Len(t, payments, 1)
			assert.Equal(t, "862.12", payments[0].Amount.Text)
			assert.Equal(t, "30.01.2026", payments[0].Date)
			assert.Equal(t, tc.charges, payments[0].Details)

			bill, err := client.GetLatestBill(context.Background(), "16835")
			require.NoError(t, err)
			assert.Equal(t, "862.12", bill.Total.Text)
		})
	}
}

func TestGetLatestBill(t *testing.T) {
	f := &fakeUpstream{history: historyJSON}
	client, _ := newTestClient(t, f)

	bill, err := client.GetLatestBill(context.Background(), "16835")
	require.NoError(t, err)
	assert.Equal(t, "16835", bill.PropertyID)
	assert.Equal(t, "862.12", bill.Total.Text)
	assert.Len(t, bill.Details, 2)
}

func TestGetLatestBillEmptyHistory(t *testing.T) {
	f := &fakeUpstream{history: `{"results": []}`}
	client, _ := newTestClient(t, f)

	_, err := client.GetLatestBill(context.Background(), "16835")
	assert.ErrorIs(t, err, ErrNoBill)
}

func TestGetPendingBalance(t *testing.T) {
	f := &fakeUpstream{pending: `{"error": 0, "allowPayments": true, "results": {"owner": "120,50", "assoc": null}}`}
	client, _ := newTestClient(t, f)

	pending, err := client.GetPendingBalance(context.Background(), "16835")
	require.NoError(t, err)
	assert.True(t, pending.AllowPayments)
	assert.Equal(t, 0, pending.ErrorCode)
	assert.Equal(t, Amount("120,50"), pending.Owner)
	assert.False(t, pending.Assoc.Present)
}

func TestFetchRetriesOnceAfterSessionExpiry(t *testing.T) {
	f := &fakeUpstream{history: historyJSON, pending: `{"error": 0, "results": null}`}
	client, _ := newTestClient(t, f)
	f.expireNext.Store(1)

	raw, err := client.FetchProperty(context.Background(), "16835")
	require.NoError(t, err)
	require.NotNil(t, raw.Bill)
	assert.Equal(t, 2, len(raw.Payments))
	assert.Equal(t, 2, raw.Skipped)
	assert.Equal(t, int32(2), f.logins.Load())
}

func TestFetchPropertyKeepsHistoryWhenPendingFails(t *testing.T) {
	cases := []struct {
		name     string
		upstream *fakeUpstream
	}{
		{"server error", &fakeUpstream{history: historyJSON, pendingCode: http.StatusBadGateway}},
		{"malformed body", &fakeUpstream{history: historyJSON, pending: `<html>`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, tc.upstream)

			raw, err := client.FetchProperty(context.Background(), "16835")
			require.NoError(t, err)
			require.NotNil(t, raw.Bill)
			assert.Equal(t, "862.12", raw.Bill.Total.Text)
			assert.Len(t, raw.Payments, 2)
			assert.True(t, raw.PendingMissing)
			assert.Equal(t, RawPending{PropertyID: "16835"}, raw.Pending)
		})
	}
}

func TestFetchPropertyFailsOnPendingAuthFailure(t *testing.T) {
	f := &fakeUpstream{history: historyJSON, pendingCode: http.StatusUnauthorized}
	client, _ := newTestClient(t, f)

	_, err := client.FetchProperty(context.Background(), "16835")
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Equal(t, domain.AuthSessionExpired, authErr.Kind)
}

func TestGetCounters(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		f := &fakeUpstream{counters: `{"results": [{"name": "Apa rece", "value": 12}]}`}
		client, _ := newTestClient(t, f)

		doc, ok, err := client.GetCounters(context.Background(), "16835")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.JSONEq(t, f.counters, string(doc))
	})

	t.Run("invalid body", func(t *testing.T) {
		f := &fakeUpstream{counters: `{"results": [,]}`}
		client, _ := newTestClient(t, f)

		doc, ok, err := client.GetCounters(context.Background(), "16835")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, doc)
	})
}

func TestFetchEscalatesSecondAuthFailure(t *testing.T) {
	f := &fakeUpstream{history: historyJSON}
	client, _ := newTestClient(t, f)
	f.alwaysDeny.Store(true)

	_, err := client.GetPaymentHistory(context.Background(), "16835")
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, domain.AuthSessionExpired, authErr.Kind)
	assert.Equal(t, int32(2), f.logins.Load())
}

func TestFetchClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		upstream  *fakeUpstream
		kind      domain.UpstreamErrorKind
		retryable bool
	}{
		{"server error", &fakeUpstream{historyCode: http.StatusServiceUnavailable}, domain.UpstreamServerError, true},
		{"not found", &fakeUpstream{historyCode: http.StatusNotFound}, domain.UpstreamClientError, false},
		{"malformed body", &fakeUpstream{history: `<html>oops</html>`}, domain.UpstreamMalformedResponse, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, tc.upstream)

			_, err := client.GetPaymentHistory(context.Background(), "16835")
			var upErr *UpstreamError
			require.True(t, errors.As(err, &upErr), "got %v", err)
			assert.Equal(t, tc.kind, upErr.Kind)
			assert.Equal(t, tc.retryable, upErr.Retryable)
			assert.Equal(t, OpPaymentHistory, upErr.Op)
		})
	}
}

func TestFetchTimeoutIsRetryable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(session.LoginPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			http.SetCookie(w, &http.Cookie{Name: session.CookieName, Value: "sess"})
			w.WriteHeader(http.StatusFound)
		}
	})
	mux.HandleFunc(DashboardPath, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr := session.NewManager(session.Config{BaseURL: srv.URL, RequestTimeout: 100 * time.Millisecond},
		session.NewCredentials("ana@example.com", "s3cret"), nil, nil, nil)
	client := NewClient(mgr, nil, nil, nil)

	_, err := client.ListProperties(context.Background())
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr), "got %v", err)
	assert.Equal(t, domain.UpstreamTimeout, upErr.Kind)
	assert.True(t, upErr.Retryable)
}
