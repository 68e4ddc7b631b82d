package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"chainsettle/observability"
	"chainsettle/services/reconciled/signing"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func settlement(tx string) Settlement {
	return Settlement{
		TargetKind: "invoice",
		TargetID:   uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Amount:     "97500000",
		Decimals:   6,
		Symbol:     "USDC",
		Network:    "base",
		TxHash:     tx,
		Channel:    "onchain",
		SettledAt:  time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestDisplayAmountScalesByDecimals(t *testing.T) {
	require.Equal(t, "97.5", settlement("0x1").DisplayAmount().String())
	bad := settlement("0x1")
	bad.Amount = "n/a"
	require.True(t, bad.DisplayAmount().IsZero())
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	queue := NewQueue(WithCapacity(2), WithTTL(time.Minute), withClock(clock.Now))
	for _, tx := range []string{"0x1", "0x2", "0x3"} {
		require.NoError(t, queue.NotifySettled(context.Background(), settlement(tx)))
	}
	require.Equal(t, 2, queue.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "0x2", first.TxHash)
	second, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "0x3", second.TxHash)
}

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestQueueBacklogGaugeIsSeparateFromPipelineDepth(t *testing.T) {
	observability.Reconciled().SetQueueDepth(7)
	queue := NewQueue(WithCapacity(8))
	for _, tx := range []string{"0x1", "0x2"} {
		require.NoError(t, queue.NotifySettled(context.Background(), settlement(tx)))
	}
	require.Equal(t, float64(2), gaugeValue(t, "chainsettle_reconciled_notification_backlog"))
	require.Equal(t, float64(7), gaugeValue(t, "chainsettle_reconciled_pipeline_queue_depth"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, float64(1), gaugeValue(t, "chainsettle_reconciled_notification_backlog"))
	require.Equal(t, float64(7), gaugeValue(t, "chainsettle_reconciled_pipeline_queue_depth"))
}

func TestQueueEvictsExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	queue := NewQueue(WithTTL(time.Minute), withClock(clock.Now))
	require.NoError(t, queue.NotifySettled(context.Background(), settlement("0xold")))
	clock.Advance(2 * time.Minute)
	require.NoError(t, queue.NotifySettled(context.Background(), settlement("0xnew")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, "0xnew", got.TxHash)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, ok = queue.Dequeue(short)
	require.False(t, ok)
}

func TestQueueRunRetriesThenDelivers(t *testing.T) {
	queue := NewQueue(WithRetries(3, time.Millisecond))
	var calls atomic.Int32
	delivered := make(chan Settlement, 1)
	downstream := Func(func(_ context.Context, s Settlement) error {
		if calls.Add(1) < 3 {
			return errors.New("downstream unavailable")
		}
		delivered <- s
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- queue.Run(ctx, downstream) }()

	require.NoError(t, queue.NotifySettled(ctx, settlement("0xabc")))
	select {
	case s := <-delivered:
		require.Equal(t, "0xabc", s.TxHash)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	require.Equal(t, int32(3), calls.Load())
	cancel()
	require.NoError(t, <-done)
}

func TestWebhookNotifierSignsPayload(t *testing.T) {
	var (
		body      []byte
		signature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL, "hook-secret", WithRateLimit(0, 0))
	require.NoError(t, err)
	require.NoError(t, n.NotifySettled(context.Background(), settlement("0xabc")))

	require.True(t, signing.Verify("hook-secret", body, signature))
	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "97.5", payload["displayAmount"])
	require.Equal(t, "0xabc", payload["txHash"])
	require.Equal(t, "invoice", payload["targetKind"])
}

func TestWebhookNotifierReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL, "")
	require.NoError(t, err)
	require.Error(t, n.NotifySettled(context.Background(), settlement("0xabc")))

	_, err = NewWebhookNotifier("  ", "")
	require.ErrorIs(t, err, ErrNoEndpoint)
}
