package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/ingest-gateway/internal/apikey"
	"github.com/jmehdipour/ingest-gateway/internal/config"
	"github.com/jmehdipour/ingest-gateway/internal/http/middleware"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/jmehdipour/ingest-gateway/internal/service/metering"
	"github.com/jmehdipour/ingest-gateway/internal/testutil"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeReports struct {
	mu     sync.Mutex
	filter repository.EventFilter
	events []model.Event
	err    error
}

func (f *fakeReports) ListByProject(_ context.Context, filter repository.EventFilter) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return f.events, f.err
}

func (f *fakeReports) InsertBatch(context.Context, []model.Event) error { return nil }

type harness struct {
	t       *testing.T
	conn    *sqlx.DB
	e       *echo.Echo
	issuer  *apikey.Issuer
	reports *fakeReports
	redis   *miniredis.Miniredis
}

func newHarness(t *testing.T, limit, consumed int64) *harness {
	t.Helper()
	return newHarnessWith(t, limit, consumed, nil)
}

// newHarnessWith lets a test adjust the router deps before it is built.
func newHarnessWith(t *testing.T, limit, consumed int64, tune func(*Deps)) *harness {
	t.Helper()
	conn := testutil.NewSQLiteDB(t)
	testutil.InsertProject(t, conn, "proj-a", "owner-1")
	testutil.InsertProject(t, conn, "proj-b", "owner-1")
	testutil.InsertPlan(t, conn, model.Plan{ID: "plan-1", Name: "Plan", EventLimit: limit})
	testutil.InsertSubscription(t, conn, model.Subscription{
		ID: "sub-1", OwnerID: "owner-1", PlanID: "plan-1", EventLimit: limit, Consumed: consumed, Active: true,
	})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := func() time.Time { return testutil.Now }
	keys := repository.NewAPIKeysRepository(conn)
	hasher := apikey.NewHasher(bcrypt.MinCost)
	issuer := apikey.NewIssuer(keys, repository.NewProjectsRepository(conn), hasher, apikey.WithClock(clock))
	reports := &fakeReports{}

	deps := Deps{
		Validator: apikey.NewValidator(keys, hasher, apikey.WithClock(clock)),
		Issuer:    issuer,
		Metering: metering.New(conn,
			repository.NewSubscriptionsRepository(),
			repository.NewEventsRepository(),
			repository.NewOutboxRepository(conn),
			repository.NewPlansRepository(conn),
			metering.WithClock(clock),
		),
		Reports: reports,
		Limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{Redis: rdb, Window: time.Second}),
		Retry:   config.MeteringConfig{RetryAttempts: 2, RetryInitialInterval: time.Millisecond, RetryMaxInterval: time.Millisecond},
	}
	if tune != nil {
		tune(&deps)
	}
	e := NewRouter(deps)
	return &harness{t: t, conn: conn, e: e, issuer: issuer, reports: reports, redis: mr}
}

func (h *harness) issue(project string, caps ...model.Capability) string {
	h.t.Helper()
	raw, _, err := h.issuer.Issue(context.Background(), apikey.IssueRequest{ProjectID: project, Capabilities: caps})
	require.NoError(h.t, err)
	return raw
}

func (h *harness) do(method, path, key, body string, hdr ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func (h *harness) consumed() int64 {
	var n int64
	require.NoError(h.t, h.conn.Get(&n, `SELECT consumed FROM subscriptions WHERE id = 'sub-1'`))
	return n
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const eventBody = `{"project_id":"proj-a","type":"crash","level":"error","message":"nil pointer","attributes":{"build":"42"}}`

func TestHealthz(t *testing.T) {
	h := newHarness(t, 10, 0)
	rec := h.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestIngest_ReadKeyCannotWrite(t *testing.T) {
	h := newHarness(t, 10, 3)
	key := h.issue("proj-a", model.CapabilityRead)

	rec := h.do(http.MethodPost, "/v1/events", key, eventBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decode(t, rec)["error"])

	assert.EqualValues(t, 3, h.consumed())
	assert.Zero(t, testutil.Count(t, h.conn, `SELECT COUNT(*) FROM events`))
	assert.Zero(t, testutil.Count(t, h.conn, `SELECT COUNT(*) FROM outbox`))
	assert.Zero(t, testutil.Count(t, h.conn, `SELECT COUNT(*) FROM api_keys WHERE total_uses > 0 OR last_used_at IS NOT NULL`))
}

func (h *harness) issueFrom(project string, allowed ...string) string {
	h.t.Helper()
	raw, _, err := h.issuer.Issue(context.Background(), apikey.IssueRequest{
		ProjectID:    project,
		Capabilities: model.CapabilitySet{model.CapabilityWrite},
		AllowedIPs:   allowed,
	})
	require.NoError(h.t, err)
	return raw
}

func TestIngest_AllowListIgnoresForwardedHeaders(t *testing.T) {
	h := newHarness(t, 10, 0)
	key := h.issueFrom("proj-a", "10.9.9.9")

	// httptest requests come from 192.0.2.1
	for _, hdr := range [][]string{
		nil,
		{echo.HeaderXForwardedFor, "10.9.9.9"},
		{echo.HeaderXRealIP, "10.9.9.9"},
		{echo.HeaderXForwardedFor, "10.9.9.9, 10.9.9.9"},
	} {
		rec := h.do(http.MethodPost, "/v1/events", key, eventBody, hdr...)
		assert.Equal(t, http.StatusForbidden, rec.Code, "headers %v: %s", hdr, rec.Body.String())
	}
	assert.Zero(t, h.consumed())
	assert.Zero(t, testutil.Count(t, h.conn, `SELECT COUNT(*) FROM events`))

	direct := h.issueFrom("proj-a", "192.0.2.0/24")
	rec := h.do(http.MethodPost, "/v1/events", direct, eventBody, echo.HeaderXForwardedFor, "203.0.113.7")
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestIngest_AllowListBehindTrustedProxy(t *testing.T) {
	h := newHarnessWith(t, 10, 0, func(d *Deps) {
		d.TrustedProxies = []string{"192.0.2.0/24", "not-a-cidr"}
	})
	key := h.issueFrom("proj-a", "10.9.9.9")

	rec := h.do(http.MethodPost, "/v1/events", key, eventBody, echo.HeaderXForwardedFor, "10.9.9.9")
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// the right-most untrusted hop is the client, whatever the caller prepends
	rec = h.do(http.MethodPost, "/v1/events", key, eventBody, echo.HeaderXForwardedFor, "10.9.9.9, 203.0.113.7")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/events", key, eventBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.EqualValues(t, 1, h.consumed())
}

func TestParseTrustedRange(t *testing.T) {
	n, err := parseTrustedRange(" 10.0.0.0/8 ")
	require.NoError(t, err)
	assert.True(t, n.Contains([]byte{10, 1, 2, 3}))

	n, err = parseTrustedRange("192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10/32", n.String())

	n, err = parseTrustedRange("::1")
	require.NoError(t, err)
	assert.Equal(t, "::1/128", n.String())

	_, err = parseTrustedRange("proxy.local")
	assert.Error(t, err)
}

func TestIngest_AdmitsLastUnit(t *testing.T) {
	h := newHarness(t, 1_000_000, 999_999)
	key := h.issue("proj-a", model.CapabilityWrite)

	rec := h.do(http.MethodPost, "/v1/events", key, eventBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, false, body["duplicate"])
	assert.NotEmpty(t, body["id"])

	assert.EqualValues(t, 1_000_000, h.consumed())
	assert.Equal(t, 1, testutil.Count(t, h.conn, `SELECT COUNT(*) FROM events WHERE type = 'crash' AND project_id = 'proj-a'`))
	assert.Equal(t, 1, testutil.Count(t, h.conn, `SELECT COUNT(*) FROM api_keys WHERE total_uses = 1`))
}

func TestIngest_QuotaExhausted(t *testing.T) {
	h := newHarness(t, 1_000_000, 1_000_000)
	key := h.issue("proj-a", model.CapabilityWrite)

	rec := h.do(http.MethodPost, "/v1/events", key, eventBody)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "event_limit_exceeded", body["error"])
	assert.Equal(t, "event limit exceeded", body["description"])

	assert.EqualValues(t, 1_000_000, h.consumed())
	assert.Zero(t, testutil.Count(t, h.conn, `SELECT COUNT(*) FROM events`))
}

func TestIngest_NoSubscription(t *testing.T) {
	h := newHarness(t, 10, 0)
	_, err := h.conn.Exec(`UPDATE subscriptions SET active = 0`)
	require.NoError(t, err)
	key := h.issue("proj-a", model.CapabilityWrite)

	rec := h.do(http.MethodPost, "/v1/events", key, eventBody)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "no_active_subscription", decode(t, rec)["error"])
}

func TestIngest_AuthenticationFailures(t *testing.T) {
	h := newHarness(t, 10, 0)
	key := h.issue("proj-a", model.CapabilityWrite)
	tok, err := apikey.ParseToken(key, apikey.DefaultPrefix)
	require.NoError(t, err)
	other, err := apikey.NewToken(apikey.DefaultPrefix)
	require.NoError(t, err)

	for name, k := range map[string]string{
		"missing":      "",
		"malformed":    "not-a-key",
		"unknown id":   other.String(),
		"wrong secret": apikey.Token{Prefix: tok.Prefix, ID: tok.ID, Secret: other.Secret}.String(),
	} {
		t.Run(name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/v1/events", k, eventBody)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "invalid api key", decode(t, rec)["error"])
		})
	}
	assert.Zero(t, h.consumed())
}

func TestIngest_ScopeMismatchAndBearer(t *testing.T) {
	h := newHarness(t, 10, 0)
	key := h.issue("proj-b", model.CapabilityWrite)

	rec := h.do(http.MethodPost, "/v1/events", key, eventBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/events", "",
		`{"project_id":"proj-b","message":"hello"}`, "Authorization", "Bearer "+key)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestIngest_BadPayload(t *testing.T) {
	h := newHarness(t, 10, 0)
	key := h.issue("proj-a", model.CapabilityWrite)

	for name, body := range map[string]string{
		"not json":        `{`,
		"missing project": `{"message":"x"}`,
		"missing message": `{"project_id":"proj-a"}`,
		"bad type":        `{"project_id":"proj-a","message":"x","type":"metric"}`,
		"bad level":       `{"project_id":"proj-a","message":"x","level":"loud"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/v1/events", key, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := h.do(http.MethodPost, "/v1/events", key, eventBody, "Idempotency-Key", strings.Repeat("k", 129))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, h.consumed())
	assert.Zero(t, testutil.Count(t, h.conn, `SELECT COUNT(*) FROM api_keys WHERE total_uses > 0`), "bad input never reaches the validator")
}

func TestIngest_IdempotencyHeader(t *testing.T) {
	h := newHarness(t, 10, 0)
	key := h.issue("proj-a", model.CapabilityWrite)

	first := h.do(http.MethodPost, "/v1/events", key, eventBody, "Idempotency-Key", "evt-1")
	second := h.do(http.MethodPost, "/v1/events", key, eventBody, "Idempotency-Key", "evt-1")
	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)

	assert.Equal(t, decode(t, first)["id"], decode(t, second)["id"])
	assert.Equal(t, true, decode(t, second)["duplicate"])
	assert.EqualValues(t, 1, h.consumed())
}

func TestIngest_RateLimitedPerKey(t *testing.T) {
	h := newHarness(t, 100, 0)
	rps := 1
	raw, _, err := h.issuer.Issue(context.Background(), apikey.IssueRequest{
		ProjectID: "proj-a", Capabilities: model.CapabilitySet{model.CapabilityWrite}, RateLimitRPS: &rps,
	})
	require.NoError(t, err)
	other := h.issue("proj-a", model.CapabilityWrite)

	codes := []int{
		h.do(http.MethodPost, "/v1/events", raw, eventBody).Code,
		h.do(http.MethodPost, "/v1/events", raw, eventBody).Code,
		h.do(http.MethodPost, "/v1/events", other, eventBody).Code,
	}
	// the second request can land in a new window only if the test straddles a second
	if codes[1] != http.StatusAccepted {
		assert.Equal(t, http.StatusTooManyRequests, codes[1])
		assert.EqualValues(t, 2, h.consumed())
	}
	assert.Equal(t, http.StatusAccepted, codes[0])
	assert.Equal(t, http.StatusAccepted, codes[2], "limits are per key")
}

type flakyMeter struct {
	mu       sync.Mutex
	failures int
	calls    int
	keys     []string
}

func (m *flakyMeter) Admit(_ context.Context, req metering.AdmitRequest) (*metering.AdmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.keys = append(m.keys, req.IdempotencyKey)
	if m.calls <= m.failures {
		return nil, repository.Transient(errors.New("deadlock found"))
	}
	return &metering.AdmitResult{EventID: "evt"}, nil
}

func (m *flakyMeter) Usage(context.Context, string) (*model.Subscription, error) {
	return nil, metering.ErrNoActiveSubscription
}

func TestAdmitWithRetry(t *testing.T) {
	cfg := config.MeteringConfig{RetryAttempts: 3, RetryInitialInterval: time.Millisecond, RetryMaxInterval: 2 * time.Millisecond}

	m := &flakyMeter{failures: 2}
	res, err := admitWithRetry(context.Background(), m, cfg, metering.AdmitRequest{IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "evt", res.EventID)
	assert.Equal(t, 3, m.calls)
	assert.Equal(t, []string{"k1", "k1", "k1"}, m.keys)

	m = &flakyMeter{failures: 100}
	_, err = admitWithRetry(context.Background(), m, cfg, metering.AdmitRequest{IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, repository.ErrTransient)
	assert.Equal(t, 4, m.calls)
}

type quotaMeter struct{ calls int }

func (m *quotaMeter) Admit(context.Context, metering.AdmitRequest) (*metering.AdmitResult, error) {
	m.calls++
	return nil, &metering.QuotaError{Limit: 1, Consumed: 1}
}

func (m *quotaMeter) Usage(context.Context, string) (*model.Subscription, error) { return nil, nil }

func TestAdmitWithRetry_PermanentErrorsNotRetried(t *testing.T) {
	m := &quotaMeter{}
	_, err := admitWithRetry(context.Background(), m, config.MeteringConfig{RetryAttempts: 5}, metering.AdmitRequest{})
	assert.ErrorIs(t, err, metering.ErrQuotaExceeded)
	assert.Equal(t, 1, m.calls)
}

func TestListEvents(t *testing.T) {
	h := newHarness(t, 10, 0)
	h.reports.events = []model.Event{{ID: "e1", ProjectID: "proj-a", Type: model.EventTypeLog, Message: "hi"}}
	read := h.issue("proj-a", model.CapabilityRead)
	write := h.issue("proj-a", model.CapabilityWrite)

	rec := h.do(http.MethodGet, "/v1/projects/proj-a/events?type=log&level=warn&limit=10&offset=5", read, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, repository.EventFilter{
		ProjectID: "proj-a", Type: model.EventTypeLog, Level: model.LevelWarn, Limit: 10, Offset: 5,
	}, h.reports.filter)

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/v1/projects/proj-a/events", write, "").Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/v1/projects/proj-b/events", read, "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/projects/proj-a/events?level=loud", read, "").Code)

	h.reports.err = errors.New("clickhouse down")
	assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodGet, "/v1/projects/proj-a/events", read, "").Code)
}

func TestUsageEndpoint(t *testing.T) {
	h := newHarness(t, 100, 40)
	read := h.issue("proj-a", model.CapabilityRead)

	rec := h.do(http.MethodGet, "/v1/usage?project=proj-a", read, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 100, body["event_limit"])
	assert.EqualValues(t, 40, body["consumed"])
	assert.EqualValues(t, 60, body["remaining"])

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/v1/usage?project=proj-b", read, "").Code)
}

func TestKeyAdministration(t *testing.T) {
	h := newHarness(t, 10, 0)
	admin := h.issue("proj-a", model.CapabilityAdmin)

	rec := h.do(http.MethodPost, "/v1/projects/proj-a/keys", admin,
		`{"name":"sdk","capabilities":["write","read"],"allowed_ips":["192.0.2.0/24"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	raw, _ := created["key"].(string)
	require.NotEmpty(t, raw)
	view := created["api_key"].(map[string]any)
	assert.NotContains(t, view, "secret_hash")
	keyID := view["id"].(string)

	// httptest requests come from 192.0.2.1
	rec = h.do(http.MethodPost, "/v1/events", raw, eventBody)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/v1/projects/proj-a/keys", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])
	assert.NotContains(t, rec.Body.String(), "secret_hash")

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/v1/projects/proj-a/keys/"+keyID, admin, "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/v1/projects/proj-a/keys/01HV6Z3E4K9QW8T7R6Y5X4C3B2", admin, "").Code)

	rec = h.do(http.MethodPost, "/v1/events", raw, eventBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/projects/proj-a/keys", admin, `{"capabilities":["root"]}`).Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/v1/projects/proj-b/keys", admin, `{"capabilities":["read"]}`).Code)

	write := h.issue("proj-a", model.CapabilityWrite)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/v1/projects/proj-a/keys", write, "").Code)
}
