package settlement

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"chainsettle/services/reconciled/eventstore"
	"chainsettle/services/reconciled/internal/testkit"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/notifier"
	"chainsettle/services/reconciled/reference"
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

type recorder struct {
	mu      sync.Mutex
	notices []notifier.Settlement
}

func (r *recorder) NotifySettled(_ context.Context, s notifier.Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, s)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

type fixture struct {
	db      *gorm.DB
	events  *eventstore.Store
	targets *Targets
	applier *Applier
	clock   *fakeClock
	notes   *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := testkit.OpenDB(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := eventstore.New(db, eventstore.WithClock(clock.Now))
	targets := NewTargets(db)
	notes := &recorder{}
	base := []Option{WithNotifier(notes), WithClock(clock.Now), WithStaleAfter(time.Minute)}
	applier := NewApplier(db, events, targets, NewMilestones(db), reference.NewResolver(targets), append(base, opts...)...)
	return &fixture{db: db, events: events, targets: targets, applier: applier, clock: clock, notes: notes}
}

func (f *fixture) invoice(t *testing.T, target models.SettlementTarget) reference.Reference {
	t.Helper()
	if target.AmountDue == "" {
		target.AmountDue = "97500000"
	}
	row := testkit.Target(t, f.db, "invoices", target)
	return reference.Reference{Kind: reference.KindInvoice, ID: row.ID}
}

func (f *fixture) event(t *testing.T, network, tx, ref string) models.PaymentEvent {
	t.Helper()
	res, err := f.events.InsertIfAbsent(context.Background(), models.PaymentEvent{
		Network:       network,
		TxHash:        tx,
		Payer:         strings.ToLower(testkit.Payer.Hex()),
		Payee:         strings.ToLower(testkit.Payee.Hex()),
		GrossAmount:   "100000000",
		Fee:           "2500000",
		TokenAddress:  strings.ToLower(testkit.BaseUSDC.Hex()),
		TokenSymbol:   "USDC",
		TokenDecimals: 6,
		BlockNumber:   100,
		BlockTime:     time.Unix(1_700_000_000, 0).UTC(),
		Reference:     ref,
		Source:        models.SourceRPC,
		Status:        models.StatusConfirmed,
	})
	require.NoError(t, err)
	require.True(t, res.Inserted)
	return res.Event
}

func (f *fixture) loadInvoice(t *testing.T, id uuid.UUID) models.SettlementTarget {
	t.Helper()
	var row models.SettlementTarget
	require.NoError(t, f.db.Table("invoices").Where("id = ?", id).Take(&row).Error)
	return row
}

func (f *fixture) status(t *testing.T, network, tx string) models.PaymentEvent {
	t.Helper()
	evt, err := f.events.Get(context.Background(), network, tx)
	require.NoError(t, err)
	return evt
}

func (f *fixture) anomalies(t *testing.T, kind models.AnomalyKind) []models.Anomaly {
	t.Helper()
	rows, err := f.events.ListAnomalies(context.Background(), kind, 50)
	require.NoError(t, err)
	return rows
}

func TestApplyExactAmountMarksInvoicePaid(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{ID: uuid.MustParse("11111111-1111-1111-1111-111111111111")})
	evt := f.event(t, "base", "0xabc", "invoice_11111111-1111-1111-1111-111111111111")

	res, err := f.applier.ResolveAndApply(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Equal(t, ref, res.Target)
	require.Zero(t, res.Discrepancy.Sign())
	require.Empty(t, res.Anomalies)

	invoice := f.loadInvoice(t, ref.ID)
	require.Equal(t, models.TargetPaid, invoice.Status)
	require.Equal(t, "0xabc", invoice.PaymentTxHash)
	require.Equal(t, "base", invoice.PaymentNetwork)
	require.Equal(t, models.ChannelOnChain, invoice.PaymentChannel)
	require.Equal(t, "97500000", invoice.PaidAmount)
	require.Equal(t, "2500000", invoice.PaidFee)
	require.Equal(t, "0", invoice.PaymentDiscrepancy)
	require.NotNil(t, invoice.PaidAt)

	stored := f.status(t, "base", "0xabc")
	require.Equal(t, models.StatusApplied, stored.Status)
	require.Equal(t, "0", stored.Discrepancy)
	require.NotNil(t, stored.AppliedAt)
	require.Equal(t, 1, stored.Attempts)

	require.Equal(t, 1, f.notes.count())
	require.Equal(t, "97.5", f.notes.notices[0].DisplayAmount().String())
}

func TestApplyReplayIsAlreadyApplied(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{})
	evt := f.event(t, "base", "0xabc", ref.String())

	first, err := f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first.Outcome)

	// A redelivered webhook hands the same row back to the applier.
	replay, err := f.events.InsertIfAbsent(context.Background(), evt)
	require.NoError(t, err)
	require.False(t, replay.Inserted)

	second, err := f.applier.ResolveAndApply(context.Background(), replay.Event)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyApplied, second.Outcome)
	require.Equal(t, ReasonEventApplied, second.Reason)

	require.Equal(t, models.TargetPaid, f.loadInvoice(t, ref.ID).Status)
	require.Equal(t, 1, f.notes.count())
	require.Empty(t, f.anomalies(t, models.AnomalyDuplicatePayment))
}

func TestResolveAndApplyOrphansUnresolvableReference(t *testing.T) {
	f := newFixture(t)
	untouched := f.invoice(t, models.SettlementTarget{})
	evt := f.event(t, "base", "0xdead", "invoice_does-not-exist")

	res, err := f.applier.ResolveAndApply(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, OutcomeOrphaned, res.Outcome)
	require.Equal(t, string(reference.ReasonBadFormat), res.Reason)

	stored := f.status(t, "base", "0xdead")
	require.Equal(t, models.StatusOrphaned, stored.Status)
	require.Equal(t, "bad_format", stored.StatusReason)

	listed, err := f.events.ListByStatus(context.Background(), []models.EventStatus{models.StatusFailed, models.StatusOrphaned}, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Len(t, f.anomalies(t, models.AnomalyOrphanedReference), 1)

	require.Equal(t, models.TargetSent, f.loadInvoice(t, untouched.ID).Status)
	require.Zero(t, f.notes.count())
}

func TestApplyMissingTargetOrphans(t *testing.T) {
	f := newFixture(t)
	ref := reference.Reference{Kind: reference.KindProposal, ID: uuid.New()}
	evt := f.event(t, "base", "0xgone", ref.String())

	res, err := f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, OutcomeOrphaned, res.Outcome)
	require.Equal(t, models.StatusOrphaned, f.status(t, "base", "0xgone").Status)
}

func TestDuplicatePaymentAcrossNetworksSurfacesSecondHash(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{})
	onBase := f.event(t, "base", "0xb1", ref.String())
	onCelo := f.event(t, "celo", "0xc1", ref.String())

	first, err := f.applier.ResolveAndApply(context.Background(), onBase)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first.Outcome)

	second, err := f.applier.ResolveAndApply(context.Background(), onCelo)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyApplied, second.Outcome)
	require.Equal(t, ReasonTargetPaid, second.Reason)
	require.Equal(t, []models.AnomalyKind{models.AnomalyDuplicatePayment}, second.Anomalies)

	dupes := f.anomalies(t, models.AnomalyDuplicatePayment)
	require.Len(t, dupes, 1)
	require.Equal(t, "celo", dupes[0].Network)
	require.Equal(t, "0xc1", dupes[0].TxHash)
	require.Equal(t, ref.ID, *dupes[0].TargetID)
	require.Contains(t, dupes[0].Details, "0xb1")

	celo := f.status(t, "celo", "0xc1")
	require.Equal(t, models.StatusApplied, celo.Status)
	require.Equal(t, ReasonTargetPaid, celo.StatusReason)

	invoice := f.loadInvoice(t, ref.ID)
	require.Equal(t, "0xb1", invoice.PaymentTxHash)
	require.Equal(t, 1, f.notes.count())
}

func TestConcurrentApplyCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{})
	evt := f.event(t, "base", "0xrace", ref.String())

	var (
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
		wg       sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.applier.ResolveAndApply(context.Background(), evt)
			assert.NoError(t, err)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, outcomes[OutcomeApplied])
	require.Equal(t, 7, outcomes[OutcomeAlreadyApplied])
	require.Equal(t, 1, f.notes.count())
	require.Equal(t, models.StatusApplied, f.status(t, "base", "0xrace").Status)
}

func TestOnChainAndOffRampRaceHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{})
	evt := f.event(t, "base", "0xchain", ref.String())

	var (
		wg                sync.WaitGroup
		chainRes, rampRes Result
		chainErr, rampErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		chainRes, chainErr = f.applier.Apply(context.Background(), evt, ref)
	}()
	go func() {
		defer wg.Done()
		rampRes, rampErr = f.applier.SettleExternal(context.Background(), External{
			Reference:   ref,
			Provider:    "Moonpay",
			ProviderRef: "mp-7781",
			Amount:      "97500000",
			Decimals:    6,
			Currency:    "usd",
		})
	}()
	wg.Wait()
	require.NoError(t, chainErr)
	require.NoError(t, rampErr)

	outcomes := []Outcome{chainRes.Outcome, rampRes.Outcome}
	require.ElementsMatch(t, []Outcome{OutcomeApplied, OutcomeAlreadyApplied}, outcomes)

	invoice := f.loadInvoice(t, ref.ID)
	require.Equal(t, models.TargetPaid, invoice.Status)
	if chainRes.Outcome == OutcomeApplied {
		require.Equal(t, models.ChannelOnChain, invoice.PaymentChannel)
		require.Equal(t, "0xchain", invoice.PaymentTxHash)
	} else {
		require.Equal(t, models.ChannelOffRamp, invoice.PaymentChannel)
		require.Equal(t, "moonpay", invoice.PaymentNetwork)
		require.Equal(t, "mp-7781", invoice.PaymentTxHash)
	}
	require.Equal(t, models.StatusApplied, f.status(t, "base", "0xchain").Status)
	require.Len(t, f.anomalies(t, models.AnomalyDuplicatePayment), 1)
	require.Equal(t, 1, f.notes.count())
}

func TestDiscrepancyIsRecordedNotRejected(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{AmountDue: "100000000"})
	evt := f.event(t, "base", "0xshort", ref.String())

	res, err := f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Equal(t, "-2500000", res.Discrepancy.String())
	require.Equal(t, []models.AnomalyKind{models.AnomalyAmountMismatch}, res.Anomalies)

	invoice := f.loadInvoice(t, ref.ID)
	require.Equal(t, models.TargetPaid, invoice.Status)
	require.Equal(t, "-2500000", invoice.PaymentDiscrepancy)
	require.Equal(t, "-2500000", f.status(t, "base", "0xshort").Discrepancy)
}

func TestTargetMismatchFailsEvent(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{
		Network:      "base",
		PayeeAddress: "0x000000000000000000000000000000000000dEaD",
	})
	evt := f.event(t, "base", "0xwrongpayee", ref.String())

	res, err := f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, OutcomeTargetMismatch, res.Outcome)
	require.Contains(t, res.Reason, "payee")

	stored := f.status(t, "base", "0xwrongpayee")
	require.Equal(t, models.StatusFailed, stored.Status)
	require.Equal(t, string(OutcomeTargetMismatch), stored.StatusReason)
	require.Equal(t, models.TargetSent, f.loadInvoice(t, ref.ID).Status)
	require.Len(t, f.anomalies(t, models.AnomalyTargetMismatch), 1)
	require.Zero(t, f.notes.count())
}

func TestStaleApplyingIsReclaimed(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{})
	evt := f.event(t, "base", "0xstuck", ref.String())

	// Simulate a worker that claimed the event and died.
	ok, err := f.events.MarkStatus(context.Background(), "base", "0xstuck", models.StatusConfirmed, models.StatusApplying, eventstore.IncrementAttempts())
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyApplied, res.Outcome)
	require.Equal(t, ReasonInFlight, res.Reason)
	require.Equal(t, models.TargetSent, f.loadInvoice(t, ref.ID).Status)

	f.clock.Advance(2 * time.Minute)
	res, err = f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	stored := f.status(t, "base", "0xstuck")
	require.Equal(t, models.StatusApplied, stored.Status)
	require.Equal(t, 2, stored.Attempts)
}

func TestApplyRefusesUnconfirmedEvent(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{})
	res, err := f.events.InsertIfAbsent(context.Background(), models.PaymentEvent{
		Network: "base", TxHash: "0xpending", GrossAmount: "1", Fee: "0",
		Reference: ref.String(), Status: models.StatusPending, BlockTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	out, err := f.applier.Apply(context.Background(), res.Event, ref)
	require.ErrorIs(t, err, ErrNotClaimable)
	require.Equal(t, OutcomeFailed, out.Outcome)
	require.Equal(t, models.StatusPending, f.status(t, "base", "0xpending").Status)
}

func milestone(t *testing.T, db *gorm.DB, contract uuid.UUID, title string) models.Milestone {
	t.Helper()
	m := models.Milestone{
		ID:            uuid.New(),
		ContractID:    contract,
		Title:         title,
		PaymentStatus: models.MilestoneUnpaid,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, db.Create(&m).Error)
	return m
}

func milestoneStatus(t *testing.T, db *gorm.DB, id uuid.UUID) models.MilestoneStatus {
	t.Helper()
	var m models.Milestone
	require.NoError(t, db.Take(&m, "id = ?", id).Error)
	return m.PaymentStatus
}

func TestMilestoneLinkedByForeignKey(t *testing.T) {
	f := newFixture(t)
	contract := uuid.New()
	linked := milestone(t, f.db, contract, "Kickoff")
	ref := f.invoice(t, models.SettlementTarget{ContractID: &contract, MilestoneID: &linked.ID, Description: "Design phase"})
	other := milestone(t, f.db, contract, "Design phase")
	evt := f.event(t, "base", "0xfk", ref.String())

	res, err := f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, LinkByForeignKey, res.Linkage.Strategy)
	require.Equal(t, models.MilestonePaid, milestoneStatus(t, f.db, linked.ID))
	require.Equal(t, models.MilestoneUnpaid, milestoneStatus(t, f.db, other.ID))
}

func TestMilestoneLinkedByDescriptionHeuristic(t *testing.T) {
	f := newFixture(t)
	contract := uuid.New()
	design := milestone(t, f.db, contract, "Design Phase")
	build := milestone(t, f.db, contract, "Build")
	ref := f.invoice(t, models.SettlementTarget{ContractID: &contract, Description: "Invoice for the design phase deliverables"})
	evt := f.event(t, "base", "0xheur", ref.String())

	res, err := f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Equal(t, LinkByDescriptionHeuristic, res.Linkage.Strategy)
	require.Equal(t, design.ID, res.Linkage.MilestoneID)
	require.Equal(t, models.MilestonePaid, milestoneStatus(t, f.db, design.ID))
	require.Equal(t, models.MilestoneUnpaid, milestoneStatus(t, f.db, build.ID))
}

func TestAmbiguousHeuristicLinksNothing(t *testing.T) {
	f := newFixture(t)
	contract := uuid.New()
	a := milestone(t, f.db, contract, "Design")
	b := milestone(t, f.db, contract, "Design review")
	ref := f.invoice(t, models.SettlementTarget{ContractID: &contract, Description: "Design review payment"})
	evt := f.event(t, "base", "0xambig", ref.String())

	res, err := f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.True(t, res.Linkage.Ambiguous())
	require.Len(t, f.anomalies(t, models.AnomalyAmbiguousMilestone), 1)
	require.Equal(t, models.MilestoneUnpaid, milestoneStatus(t, f.db, a.ID))
	require.Equal(t, models.MilestoneUnpaid, milestoneStatus(t, f.db, b.ID))
}

func TestHeuristicDisabled(t *testing.T) {
	f := newFixture(t, WithDescriptionHeuristic(false))
	contract := uuid.New()
	design := milestone(t, f.db, contract, "Design")
	ref := f.invoice(t, models.SettlementTarget{ContractID: &contract, Description: "Design"})
	evt := f.event(t, "base", "0xoff", ref.String())

	res, err := f.applier.Apply(context.Background(), evt, ref)
	require.NoError(t, err)
	require.Equal(t, LinkNone, res.Linkage.Strategy)
	require.Equal(t, models.MilestoneUnpaid, milestoneStatus(t, f.db, design.ID))
}

func TestSettleExternalValidatesInput(t *testing.T) {
	f := newFixture(t)
	ref := f.invoice(t, models.SettlementTarget{})

	_, err := f.applier.SettleExternal(context.Background(), External{Reference: ref, Provider: "moonpay", Amount: "5"})
	require.Error(t, err)
	_, err = f.applier.SettleExternal(context.Background(), External{Reference: ref, Provider: "moonpay", ProviderRef: "x", Amount: "-5"})
	require.ErrorIs(t, err, ErrInvalidAmount)

	missing := reference.Reference{Kind: reference.KindPaymentLink, ID: uuid.New()}
	_, err = f.applier.SettleExternal(context.Background(), External{Reference: missing, Provider: "moonpay", ProviderRef: "x", Amount: "5"})
	require.ErrorIs(t, err, ErrTargetNotFound)
}
