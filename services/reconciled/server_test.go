package reconciled

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chainsettle/services/reconciled/eventstore"
	"chainsettle/services/reconciled/internal/testkit"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/reference"
	"chainsettle/services/reconciled/settlement"
	"chainsettle/services/reconciled/sweeper"
	"chainsettle/services/reconciled/watcher"
)

const operatorSecret = "operator-secret"

type serverFixture struct {
	events  *eventstore.Store
	health  *watcher.Health
	now     time.Time
	handler http.Handler
	reports string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	db := testkit.OpenDB(t)
	f := &serverFixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), reports: t.TempDir()}
	clock := func() time.Time { return f.now }
	f.events = eventstore.New(db, eventstore.WithClock(clock))
	targets := settlement.NewTargets(db)
	applier := settlement.NewApplier(db, f.events, targets, settlement.NewMilestones(db), reference.NewResolver(targets))
	f.health = watcher.NewHealth(time.Minute, watcher.WithHealthClock(clock))
	sweep := sweeper.New(sweeper.Config{}, f.events, testkit.Registry(t), f.health, applier, sweeper.WithClock(clock))
	f.handler = NewServer(ServerConfig{
		Events:     f.events,
		Health:     f.health,
		Sweeper:    sweep,
		Operator:   OperatorConfig{JWTSecret: operatorSecret, Issuer: "chainsettle", Audience: "reconciled"},
		ReportsDir: f.reports,
	}).Handler()
	return f
}

func token(t *testing.T, secret string, exp time.Time, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "ops@example.com",
		"iss":   "chainsettle",
		"aud":   "reconciled",
		"exp":   exp.Unix(),
		"scope": strings.Join(scopes, " "),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (f *serverFixture) do(t *testing.T, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) orphan(t *testing.T, seed string) models.PaymentEvent {
	t.Helper()
	res, err := f.events.InsertIfAbsent(context.Background(), models.PaymentEvent{
		Network:       "base",
		TxHash:        testkit.Hash(seed).Hex(),
		GrossAmount:   "1000000",
		Fee:           "0",
		TokenSymbol:   "USDC",
		TokenDecimals: 6,
		BlockNumber:   10,
		BlockTime:     f.now,
		Reference:     "bogus",
		Source:        models.SourceRPC,
		Status:        models.StatusOrphaned,
		StatusReason:  string(reference.ReasonBadFormat),
	})
	require.NoError(t, err)
	return res.Event
}

func TestHealthzReportsDegradedNetworks(t *testing.T) {
	f := newServerFixture(t)
	f.health.Register("base", 10)
	f.health.Register("celo", 20)
	f.now = f.now.Add(2 * time.Minute)
	f.health.RecordProgress("base", 11)
	f.health.RecordFailure("celo", errors.New("dial tcp: connection refused"))

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status   string                  `json:"status"`
		Networks []watcher.NetworkStatus `json:"networks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
	require.Len(t, body.Networks, 2)
	require.False(t, body.Networks[0].Degraded)
	require.True(t, body.Networks[1].Degraded)
	require.Contains(t, body.Networks[1].LastError, "connection refused")
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	f := newServerFixture(t)
	exp := time.Now().Add(time.Hour)

	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/operator/events", "").Code)
	require.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodGet, "/v1/operator/events", token(t, "other-secret", exp, ScopeRead)).Code)
	require.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodGet, "/v1/operator/events", token(t, operatorSecret, time.Now().Add(-time.Hour), ScopeRead)).Code)
	require.Equal(t, http.StatusForbidden,
		f.do(t, http.MethodPost, "/v1/operator/reports", token(t, operatorSecret, exp, ScopeRead)).Code)
	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodGet, "/v1/operator/events", token(t, operatorSecret, exp, ScopeRead)).Code)
}

func TestOperatorListsAndFetchesEvents(t *testing.T) {
	f := newServerFixture(t)
	evt := f.orphan(t, "orphan-1")
	bearer := token(t, operatorSecret, time.Now().Add(time.Hour), ScopeRead)

	rec := f.do(t, http.MethodGet, "/v1/operator/events?status=orphaned&limit=5", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Events []models.PaymentEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Events, 1)
	require.Equal(t, evt.TxHash, list.Events[0].TxHash)

	rec = f.do(t, http.MethodGet, "/v1/operator/events/base/"+evt.TxHash, bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/operator/events/base/"+testkit.Hash("missing").Hex(), bearer)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/operator/events?status=bogus", bearer)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/operator/events?limit=-1", bearer)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperatorListsAnomaliesByKind(t *testing.T) {
	f := newServerFixture(t)
	for _, kind := range []models.AnomalyKind{models.AnomalyDuplicatePayment, models.AnomalyAmountMismatch} {
		_, err := f.events.RecordAnomaly(context.Background(), models.Anomaly{
			Kind: kind, Network: "base", TxHash: testkit.Hash(string(kind)).Hex(), TargetKind: "invoice",
		})
		require.NoError(t, err)
	}
	bearer := token(t, operatorSecret, time.Now().Add(time.Hour), ScopeRead)

	rec := f.do(t, http.MethodGet, "/v1/operator/anomalies?kind=duplicate_payment", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Anomalies []models.Anomaly `json:"anomalies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Anomalies, 1)
	require.Equal(t, models.AnomalyDuplicatePayment, body.Anomalies[0].Kind)

	rec = f.do(t, http.MethodGet, "/v1/operator/anomalies", bearer)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Anomalies, 2)
}

func TestOperatorExportsReportAndSweeps(t *testing.T) {
	f := newServerFixture(t)
	f.orphan(t, "orphan-2")
	_, err := f.events.RecordAnomaly(context.Background(), models.Anomaly{
		Kind: models.AnomalyOrphanedReference, Network: "base", TxHash: testkit.Hash("orphan-2").Hex(), TargetID: ptr(uuid.New()),
	})
	require.NoError(t, err)
	bearer := token(t, operatorSecret, time.Now().Add(time.Hour), ScopeReports)

	rec := f.do(t, http.MethodPost, "/v1/operator/reports", bearer)
	require.Equal(t, http.StatusCreated, rec.Code)
	var export sweeper.Export
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &export))
	require.Equal(t, 1, export.Rows)
	_, err = os.Stat(export.CSVPath)
	require.NoError(t, err)
	_, err = os.Stat(export.ParquetPath)
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/v1/operator/sweep", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var report sweeper.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, sweeper.Report{}, report)
}

func ptr[T any](v T) *T { return &v }
