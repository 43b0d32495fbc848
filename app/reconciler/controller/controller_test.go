package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/types"
	"github.com/virtualvasu/saferoads-filecoin/app/reconciler/watcher"
	"github.com/virtualvasu/saferoads-filecoin/pkg/db/audit/audittest"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger/ledgertest"
	"github.com/virtualvasu/saferoads-filecoin/pkg/reconcile"
	"github.com/virtualvasu/saferoads-filecoin/pkg/redis"
)

const (
	alice ledger.Account = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	token                = "test-token"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []redis.Event
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev redis.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	ledger    *ledgertest.Ledger
	owner     *ledger.KeySigner
	app       *types.App
	store     *audittest.Store
	publisher *recordingPublisher
	router    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("ADMIN_TOKEN", token)
	t.Setenv("ADMIN_USER", "ops")
	t.Setenv("ADMIN_PASSWORD", "s3cret")
	t.Setenv("ADMIN_USERS", "")

	logger := zaptest.NewLogger(t)
	owner := ledgertest.NewSigner(t)
	f := ledgertest.New(owner.Address())
	engine := reconcile.New(f, logger, reconcile.Config{
		Network:       ledger.FilecoinCalibration,
		Concurrency:   2,
		CallTimeout:   time.Second,
		VerifyTimeout: time.Second,
	})
	t.Cleanup(engine.Close)

	pub := &recordingPublisher{}
	w, err := watcher.New(context.Background(), engine, pub, logger, watcher.Options{})
	require.NoError(t, err)

	fx := &fixture{
		ledger:    f,
		owner:     owner,
		store:     audittest.New(),
		publisher: pub,
	}
	fx.app = &types.App{
		Engine:    engine,
		Network:   ledger.FilecoinCalibration,
		Signer:    owner,
		Publisher: pub,
		AuditDB:   fx.store,
		Watcher:   w,
		Logger:    logger,
	}
	fx.router = fx.handler(t)
	return fx
}

// handler rebuilds the router, for tests that change the app first.
func (fx *fixture) handler(t *testing.T) http.Handler {
	t.Helper()
	r, err := NewController(fx.app).NewRouter()
	require.NoError(t, err)
	return WithCORS(r)
}

func (fx *fixture) do(t *testing.T, method, path string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/health", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "calibration", body["network"])

	fx.ledger.Chain = ledger.FilecoinMainnet.ChainID
	rec = fx.do(t, http.MethodGet, "/api/health", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestSummary(t *testing.T) {
	fx := newFixture(t)
	fx.ledger.Report(alice, true)
	fx.ledger.Report(fx.owner.Address(), true)
	fx.ledger.Report(alice, false)

	rec := fx.do(t, http.MethodGet, "/api/accounts/"+strings.ToLower(alice.String())+"/summary", false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var s reconcile.AccountSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, alice, s.Account)
	assert.Equal(t, 1, s.VerifiedCount)
	assert.Equal(t, 1, s.PendingCount)
	assert.Equal(t, "0.05", s.TotalReward.String())

	rewarded, ok := decode(t, rec)["rewarded"].([]interface{})
	require.True(t, ok, rec.Body.String())
	require.Len(t, rewarded, 1)
	entry := rewarded[0].(map[string]interface{})
	assert.Equal(t, "0.05", entry["reward"])
	assert.Equal(t, float64(1), entry["incident"].(map[string]interface{})["id"])

	assert.Equal(t, []string{redis.EventSummaryRefreshed}, fx.publisher.Types())
}

func TestSummary_BadAccount(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/api/accounts/not-an-address/summary", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummary_PartialOnFatal(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 4; i++ {
		fx.ledger.Report(alice, true)
	}
	fx.ledger.FetchErr[3] = fmt.Errorf("%w: INSUFFICIENT_PAYER_BALANCE", ledger.ErrInsufficientBalance)

	rec := fx.do(t, http.MethodGet, "/api/accounts/"+alice.String()+"/summary", false)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "InsufficientBalance", body["kind"])
	partial, ok := body["partial"].(map[string]interface{})
	require.True(t, ok, rec.Body.String())
	assert.Equal(t, true, partial["partial"])
	assert.Equal(t, float64(2), partial["verifiedCount"])
	assert.Empty(t, fx.publisher.Types())
}

func TestIncidents(t *testing.T) {
	fx := newFixture(t)
	fx.ledger.Report(alice, true)
	fx.ledger.Report(alice, false)

	rec := fx.do(t, http.MethodGet, "/api/incidents", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["incidents"], 2)
	assert.Equal(t, float64(1), body["verifiedCount"])
	assert.Equal(t, "1", body["contractBalance"])
}

func TestVerify(t *testing.T) {
	fx := newFixture(t)
	fx.ledger.Report(alice, false)

	rec := fx.do(t, http.MethodPost, "/api/incidents/1/verify?account="+alice.String(), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, fx.ledger.Sent())

	rec = fx.do(t, http.MethodPost, "/api/incidents/1/verify?account="+alice.String(), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["incidentId"])
	assert.Equal(t, fmt.Sprintf("0x%064x", 1), body["txHash"])
	assert.Contains(t, body["txUrl"], "calibration.filscan.io")
	assert.Equal(t, strings.ToLower(alice.String()), body["reporter"])
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["verifiedCount"])

	records := fx.store.All()
	require.Len(t, records, 1)
	assert.Equal(t, uint64(1), records[0].IncidentID)
	assert.Equal(t, "0.05", records[0].Reward)
	assert.Equal(t, []string{redis.EventIncidentVerified, redis.EventSummaryRefreshed}, fx.publisher.Types())

	rec = fx.do(t, http.MethodPost, "/api/incidents/1/verify", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AlreadyVerified", decode(t, rec)["kind"])
	assert.Equal(t, []uint64{1}, fx.ledger.Sent())
}

func TestVerify_Errors(t *testing.T) {
	fx := newFixture(t)
	fx.ledger.Report(alice, false)

	assert.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodPost, "/api/incidents/0/verify", true).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodPost, "/api/incidents/1/verify?account=nope", true).Code)
	assert.Equal(t, http.StatusNotFound, fx.do(t, http.MethodPost, "/api/incidents/9/verify", true).Code)

	fx.ledger.VerifyErr = fmt.Errorf("%w: execution reverted", ledger.ErrLedgerRejected)
	assert.Equal(t, http.StatusUnprocessableEntity, fx.do(t, http.MethodPost, "/api/incidents/1/verify", true).Code)
	fx.ledger.VerifyErr = nil

	fx.ledger.Chain = ledger.FilecoinMainnet.ChainID
	assert.Equal(t, http.StatusPreconditionFailed, fx.do(t, http.MethodPost, "/api/incidents/1/verify", true).Code)
	assert.Equal(t, []uint64{1}, fx.ledger.Sent(), "only the rejected transaction was sent")
}

func TestVerify_NotOwner(t *testing.T) {
	fx := newFixture(t)
	fx.ledger.Report(alice, false)
	fx.app.Signer = ledgertest.NewSigner(t)
	fx.router = fx.handler(t)

	rec := fx.do(t, http.MethodPost, "/api/incidents/1/verify", true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Unauthorized", decode(t, rec)["kind"])
	assert.Empty(t, fx.ledger.Sent())
	assert.Empty(t, fx.store.All())
}

func TestVerifications(t *testing.T) {
	fx := newFixture(t)
	fx.ledger.Report(alice, false)
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodPost, "/api/incidents/1/verify", true).Code)

	rec := fx.do(t, http.MethodGet, "/api/accounts/"+alice.String()+"/verifications", false)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode(t, rec)["verifications"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, float64(1), rows[0].(map[string]interface{})["incidentId"])

	assert.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodGet, "/api/accounts/"+alice.String()+"/verifications?limit=x", false).Code)

	fx.app.AuditDB = nil
	fx.router = fx.handler(t)
	assert.Equal(t, http.StatusServiceUnavailable, fx.do(t, http.MethodGet, "/api/accounts/"+alice.String()+"/verifications", false).Code)
}

func TestLoginSession(t *testing.T) {
	fx := newFixture(t)
	fx.ledger.Report(alice, false)

	login := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
		rec := httptest.NewRecorder()
		fx.router.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusBadRequest, login("{").Code)
	assert.Equal(t, http.StatusUnauthorized, login(`{"username":"ops","password":"wrong"}`).Code)

	rec := login(`{"username":"ops","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)

	req := httptest.NewRequest(http.MethodPost, "/api/incidents/1/verify", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/incidents/1/verify", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "forged"})
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusNoContent, fx.do(t, http.MethodPost, "/api/auth/logout", false).Code)
}

func TestWatch(t *testing.T) {
	fx := newFixture(t)
	path := "/api/watch/" + alice.String()

	assert.Equal(t, http.StatusUnauthorized, fx.do(t, http.MethodPut, path, false).Code)
	assert.Equal(t, http.StatusCreated, fx.do(t, http.MethodPut, path, true).Code)
	assert.Equal(t, http.StatusOK, fx.do(t, http.MethodPut, path, true).Code)

	rec := fx.do(t, http.MethodGet, "/api/watch", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []watcher.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, alice, list[0].Account)

	assert.Equal(t, http.StatusNoContent, fx.do(t, http.MethodDelete, path, true).Code)
	assert.Equal(t, http.StatusNotFound, fx.do(t, http.MethodDelete, path, true).Code)
}

func TestNetworksAndDiagnostics(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/networks", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "calibration", body["active"])
	assert.Len(t, body["networks"], 2)

	rec = fx.do(t, http.MethodGet, "/api/diagnostics", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["healthy"])
	assert.Len(t, body["checks"], 5)
}

func TestCORSPreflight(t *testing.T) {
	fx := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/incidents/1/verify", nil)
	req.Header.Set("Origin", "https://saferoads.example")
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://saferoads.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		ledger.ErrUnauthorized:        http.StatusForbidden,
		ledger.ErrAlreadyVerified:     http.StatusConflict,
		ledger.ErrNotFound:            http.StatusNotFound,
		ledger.ErrWrongNetwork:        http.StatusPreconditionFailed,
		ledger.ErrLedgerRejected:      http.StatusUnprocessableEntity,
		ledger.ErrTimeout:             http.StatusGatewayTimeout,
		context.DeadlineExceeded:      http.StatusGatewayTimeout,
		ledger.ErrNetwork:             http.StatusBadGateway,
		ledger.ErrInsufficientBalance: http.StatusBadGateway,
		errors.New("boom"):            http.StatusBadGateway,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(fmt.Errorf("op: %w", err)), err.Error())
	}
}
