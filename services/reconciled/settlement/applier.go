package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"chainsettle/observability"
	"chainsettle/services/reconciled/eventstore"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/notifier"
	"chainsettle/services/reconciled/reference"
)

// Outcome classifies the result of applying a payment.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeTargetMismatch Outcome = "target_mismatch"
	OutcomeOrphaned       Outcome = "orphaned"
	OutcomeFailed         Outcome = "failed"
)

// Reasons attached to non-applied outcomes.
const (
	ReasonEventApplied = "event_applied"
	ReasonInFlight     = "in_flight"
	ReasonTargetPaid   = "target_paid"
)

var (
	// ErrNotClaimable is returned when the event is not in a status the applier can take.
	ErrNotClaimable = errors.New("settlement: event not claimable")
	// ErrClaimLost is returned when the event left applying while the transaction ran.
	ErrClaimLost = errors.New("settlement: event claim lost")
	// ErrInvalidAmount flags amounts that cannot be parsed as unsigned integers.
	ErrInvalidAmount = errors.New("settlement: invalid amount")
)

const (
	defaultApplyTimeout = 15 * time.Second
	defaultStaleAfter   = 2 * time.Minute
)

// Result describes what Apply did.
type Result struct {
	Outcome Outcome
	Reason  string
	Target  reference.Reference
	// Discrepancy is credited minus due, in the token's smallest unit. Nil unless applied.
	Discrepancy *big.Int
	Linkage     Linkage
	Anomalies   []models.AnomalyKind
}

// Applier marks settlement targets paid from confirmed payment events.
type Applier struct {
	db         *gorm.DB
	events     *eventstore.Store
	targets    *Targets
	milestones *Milestones
	resolver   *reference.Resolver
	notifier   notifier.Notifier
	timeout    time.Duration
	staleAfter time.Duration
	heuristic  bool
	logger     *slog.Logger
	metrics    *observability.ReconciledMetrics
	now        func() time.Time
}

// Option customises an Applier.
type Option func(*Applier)

// WithNotifier sets the downstream settlement notifier.
func WithNotifier(n notifier.Notifier) Option {
	return func(a *Applier) { a.notifier = n }
}

// WithTimeout bounds a single application.
func WithTimeout(d time.Duration) Option {
	return func(a *Applier) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithStaleAfter sets how long an event may sit in applying before another
// caller may re-claim it.
func WithStaleAfter(d time.Duration) Option {
	return func(a *Applier) {
		if d > 0 {
			a.staleAfter = d
		}
	}
}

// WithDescriptionHeuristic enables milestone matching by title substring.
func WithDescriptionHeuristic(enabled bool) Option {
	return func(a *Applier) { a.heuristic = enabled }
}

// WithLogger sets the applier logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Applier) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ReconciledMetrics) Option {
	return func(a *Applier) { a.metrics = m }
}

// WithClock overrides the clock used for proof timestamps and stale cutoffs.
func WithClock(now func() time.Time) Option {
	return func(a *Applier) {
		if now != nil {
			a.now = now
		}
	}
}

// NewApplier wires the applier to its stores.
func NewApplier(db *gorm.DB, events *eventstore.Store, targets *Targets, milestones *Milestones, resolver *reference.Resolver, opts ...Option) *Applier {
	a := &Applier{
		db:         db,
		events:     events,
		targets:    targets,
		milestones: milestones,
		resolver:   resolver,
		timeout:    defaultApplyTimeout,
		staleAfter: defaultStaleAfter,
		heuristic:  true,
		logger:     slog.Default(),
		now:        events.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StaleAfter reports the applying-status staleness threshold.
func (a *Applier) StaleAfter() time.Duration {
	return a.staleAfter
}

// ResolveAndApply decodes the event reference and applies it. Unresolvable
// references orphan the event; lookup failures leave it for the sweeper.
func (a *Applier) ResolveAndApply(ctx context.Context, event models.PaymentEvent) (Result, error) {
	ref, err := a.resolver.Resolve(ctx, event.Reference)
	if err != nil {
		var unresolvable *reference.Unresolvable
		if errors.As(err, &unresolvable) {
			return a.orphan(ctx, event, unresolvable)
		}
		if recErr := a.events.RecordFailure(ctx, event.Network, event.TxHash, err); recErr != nil {
			a.logger.Warn("record failure", slog.Any("error", recErr))
		}
		return Result{Outcome: OutcomeFailed}, err
	}
	return a.Apply(ctx, event, ref)
}

func (a *Applier) orphan(ctx context.Context, event models.PaymentEvent, cause *reference.Unresolvable) (Result, error) {
	ok, err := a.events.MarkStatus(ctx, event.Network, event.TxHash, event.Status, models.StatusOrphaned,
		eventstore.Reason(string(cause.Reason)))
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if !ok {
		return Result{Outcome: OutcomeAlreadyApplied, Reason: ReasonInFlight}, nil
	}
	res := Result{Outcome: OutcomeOrphaned, Reason: string(cause.Reason)}
	created, err := a.events.RecordAnomaly(ctx, models.Anomaly{
		Kind:    models.AnomalyOrphanedReference,
		Network: event.Network,
		TxHash:  event.TxHash,
		Details: fmt.Sprintf("reference=%q reason=%s", event.Reference, cause.Reason),
	})
	if err != nil {
		a.logger.Warn("record orphan anomaly", slog.Any("error", err))
	} else if created {
		res.Anomalies = append(res.Anomalies, models.AnomalyOrphanedReference)
		a.metrics.RecordAnomaly(string(models.AnomalyOrphanedReference))
	}
	a.metrics.RecordSettlement(event.Network, string(OutcomeOrphaned), 0)
	a.logger.Warn("payment orphaned",
		slog.String("network", event.Network),
		slog.String("tx_hash", event.TxHash),
		slog.String("reference", event.Reference),
		slog.String("reason", string(cause.Reason)))
	return res, nil
}

// Apply settles the target named by ref from event. It is safe to call
// concurrently and repeatedly for the same event: exactly one caller moves the
// event to applying, and the row-locked target status check serialises
// different events paying the same target.
func (a *Applier) Apply(ctx context.Context, event models.PaymentEvent, ref reference.Reference) (Result, error) {
	start := time.Now()
	res, err := a.apply(ctx, event, ref)
	res.Target = ref
	if res.Outcome == "" {
		res.Outcome = OutcomeFailed
	}
	a.metrics.RecordSettlement(event.Network, string(res.Outcome), time.Since(start))
	return res, err
}

func (a *Applier) apply(ctx context.Context, event models.PaymentEvent, ref reference.Reference) (Result, error) {
	claimed, res, err := a.claim(ctx, event)
	if err != nil || !claimed {
		return res, err
	}

	applyCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var notice *notifier.Settlement
	err = a.db.WithContext(applyCtx).Transaction(func(tx *gorm.DB) error {
		events := a.events.WithTx(tx)
		pay, err := a.onChainPayment(event)
		if err != nil {
			return err
		}
		out, err := a.settleTarget(applyCtx, tx, ref, pay)
		if errors.Is(err, ErrTargetNotFound) {
			ok, markErr := events.MarkStatus(applyCtx, event.Network, event.TxHash, models.StatusApplying, models.StatusOrphaned,
				eventstore.Reason(string(reference.ReasonEntityNotFound)))
			if markErr != nil {
				return markErr
			}
			if !ok {
				return ErrClaimLost
			}
			res = Result{Outcome: OutcomeOrphaned, Reason: string(reference.ReasonEntityNotFound)}
			return a.anomaly(applyCtx, events, &res, models.Anomaly{
				Kind:       models.AnomalyOrphanedReference,
				Network:    event.Network,
				TxHash:     event.TxHash,
				TargetKind: string(ref.Kind),
				Details:    fmt.Sprintf("reference=%q reason=%s", event.Reference, reference.ReasonEntityNotFound),
			})
		}
		if err != nil {
			return err
		}
		res = out.result

		changes := []eventstore.Change{eventstore.AppliedAt(pay.at)}
		next := models.StatusApplied
		switch res.Outcome {
		case OutcomeApplied:
			changes = append(changes, eventstore.Discrepancy(res.Discrepancy.String()))
		case OutcomeAlreadyApplied:
			changes = append(changes, eventstore.Reason(res.Reason))
		case OutcomeTargetMismatch:
			next = models.StatusFailed
			changes = []eventstore.Change{eventstore.Reason(string(OutcomeTargetMismatch)), eventstore.LastError(res.Reason)}
		}
		ok, err := events.MarkStatus(applyCtx, event.Network, event.TxHash, models.StatusApplying, next, changes...)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimLost
		}
		notice = out.notice
		return nil
	})
	if err != nil {
		// The event stays in applying; the sweeper re-claims it once stale.
		recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancelRecord()
		if recErr := a.events.RecordFailure(recordCtx, event.Network, event.TxHash, err); recErr != nil {
			a.logger.Warn("record failure", slog.Any("error", recErr))
		}
		a.logger.Error("apply payment",
			slog.String("network", event.Network),
			slog.String("tx_hash", event.TxHash),
			slog.String("reference", ref.String()),
			slog.Any("error", err))
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("settlement: apply %s/%s: %w", event.Network, event.TxHash, err)
	}

	res.Target = ref
	a.afterCommit(ctx, res, notice)
	a.logger.Info("payment reconciled",
		slog.String("network", event.Network),
		slog.String("tx_hash", event.TxHash),
		slog.String("reference", ref.String()),
		slog.String("outcome", string(res.Outcome)))
	return res, nil
}

// claim takes ownership of the event by moving it confirmed -> applying, or by
// re-claiming an applying row that has gone stale.
func (a *Applier) claim(ctx context.Context, event models.PaymentEvent) (bool, Result, error) {
	ok, err := a.events.MarkStatus(ctx, event.Network, event.TxHash, models.StatusConfirmed, models.StatusApplying,
		eventstore.IncrementAttempts())
	if err != nil {
		return false, Result{Outcome: OutcomeFailed}, err
	}
	if ok {
		return true, Result{}, nil
	}
	current, err := a.events.Get(ctx, event.Network, event.TxHash)
	if err != nil {
		return false, Result{Outcome: OutcomeFailed}, err
	}
	switch current.Status {
	case models.StatusApplied:
		return false, Result{Outcome: OutcomeAlreadyApplied, Reason: ReasonEventApplied}, nil
	case models.StatusApplying:
		stale, err := a.events.ClaimStale(ctx, event.Network, event.TxHash, a.now().Add(-a.staleAfter))
		if err != nil {
			return false, Result{Outcome: OutcomeFailed}, err
		}
		if stale {
			a.logger.Info("re-claimed stale payment",
				slog.String("network", event.Network),
				slog.String("tx_hash", event.TxHash),
				slog.Int("attempts", current.Attempts+1))
			return true, Result{}, nil
		}
		return false, Result{Outcome: OutcomeAlreadyApplied, Reason: ReasonInFlight}, nil
	default:
		return false, Result{Outcome: OutcomeFailed, Reason: string(current.Status)},
			fmt.Errorf("%w: %s/%s is %s", ErrNotClaimable, event.Network, event.TxHash, current.Status)
	}
}

// payment is the channel-independent view of money arriving for a target.
type payment struct {
	channel  string
	network  string
	txHash   string
	credited *big.Int
	fee      string
	decimals uint8
	symbol   string
	token    string
	payee    string
	at       time.Time
}

func (a *Applier) onChainPayment(event models.PaymentEvent) (payment, error) {
	gross, err := uint256.FromDecimal(strings.TrimSpace(event.GrossAmount))
	if err != nil {
		return payment{}, fmt.Errorf("%w: gross %q: %v", ErrInvalidAmount, event.GrossAmount, err)
	}
	fee, err := uint256.FromDecimal(strings.TrimSpace(event.Fee))
	if err != nil {
		return payment{}, fmt.Errorf("%w: fee %q: %v", ErrInvalidAmount, event.Fee, err)
	}
	if fee.Gt(gross) {
		return payment{}, fmt.Errorf("%w: fee exceeds gross", ErrInvalidAmount)
	}
	net := new(uint256.Int).Sub(gross, fee)
	return payment{
		channel:  models.ChannelOnChain,
		network:  event.Network,
		txHash:   event.TxHash,
		credited: net.ToBig(),
		fee:      fee.Dec(),
		decimals: event.TokenDecimals,
		symbol:   event.TokenSymbol,
		token:    normalizeHex(event.TokenAddress),
		payee:    normalizeHex(event.Payee),
		at:       a.now().UTC(),
	}, nil
}

type settled struct {
	result Result
	notice *notifier.Settlement
}

// settleTarget runs inside the caller's transaction: it locks the target,
// short-circuits when it is already paid, checks payment constraints, marks it
// paid and pays any linked milestone.
func (a *Applier) settleTarget(ctx context.Context, tx *gorm.DB, ref reference.Reference, pay payment) (settled, error) {
	events := a.events.WithTx(tx)
	targets := a.targets.WithTx(tx)
	milestones := a.milestones.WithTx(tx)

	target, err := targets.Get(ctx, ref.Kind, ref.ID)
	if err != nil {
		return settled{}, err
	}
	if target.Status == models.TargetPaid {
		res, err := a.alreadyPaid(ctx, events, ref, target, pay)
		return settled{result: res}, err
	}

	if mismatch := constraintMismatch(target, pay); mismatch != "" {
		res := Result{Outcome: OutcomeTargetMismatch, Reason: mismatch}
		err := a.anomaly(ctx, events, &res, models.Anomaly{
			Kind:       models.AnomalyTargetMismatch,
			Network:    pay.network,
			TxHash:     pay.txHash,
			TargetKind: string(ref.Kind),
			TargetID:   &target.ID,
			Details:    mismatch,
		})
		return settled{result: res}, err
	}

	due, ok := new(big.Int).SetString(strings.TrimSpace(target.AmountDue), 10)
	if !ok || due.Sign() < 0 {
		return settled{}, fmt.Errorf("%w: amount due %q on %s", ErrInvalidAmount, target.AmountDue, ref)
	}
	discrepancy := new(big.Int).Sub(pay.credited, due)

	linkage, err := linkMilestone(ctx, milestones, target, a.heuristic, a.logger)
	if err != nil {
		return settled{}, err
	}

	proof := Proof{
		Channel:     pay.channel,
		Network:     pay.network,
		TxHash:      pay.txHash,
		Amount:      pay.credited.String(),
		Fee:         pay.fee,
		Discrepancy: discrepancy.String(),
		PaidAt:      pay.at,
	}
	lost, err := targets.MarkPaid(ctx, ref.Kind, ref.ID, proof)
	if err != nil {
		return settled{}, err
	}
	if lost {
		current, err := targets.Get(ctx, ref.Kind, ref.ID)
		if err != nil {
			return settled{}, err
		}
		res, err := a.alreadyPaid(ctx, events, ref, current, pay)
		return settled{result: res}, err
	}

	res := Result{Outcome: OutcomeApplied, Discrepancy: discrepancy, Linkage: linkage}
	switch {
	case linkage.Ambiguous():
		candidates := make([]string, 0, len(linkage.Candidates))
		for _, id := range linkage.Candidates {
			candidates = append(candidates, id.String())
		}
		if err := a.anomaly(ctx, events, &res, models.Anomaly{
			Kind:       models.AnomalyAmbiguousMilestone,
			Network:    pay.network,
			TxHash:     pay.txHash,
			TargetKind: string(ref.Kind),
			TargetID:   &target.ID,
			Details:    "candidates=" + strings.Join(candidates, ","),
		}); err != nil {
			return settled{}, err
		}
	case linkage.MilestoneID != uuid.Nil:
		if _, err := milestones.MarkMilestonePaid(ctx, linkage.MilestoneID, proof); err != nil {
			if !errors.Is(err, ErrMilestoneNotFound) {
				return settled{}, err
			}
			a.logger.Warn("linked milestone missing",
				slog.String("target", ref.String()),
				slog.String("milestone_id", linkage.MilestoneID.String()))
		}
	}

	if discrepancy.Sign() != 0 {
		if err := a.anomaly(ctx, events, &res, models.Anomaly{
			Kind:       models.AnomalyAmountMismatch,
			Network:    pay.network,
			TxHash:     pay.txHash,
			TargetKind: string(ref.Kind),
			TargetID:   &target.ID,
			Details:    fmt.Sprintf("credited=%s due=%s discrepancy=%s", pay.credited, due, discrepancy),
		}); err != nil {
			return settled{}, err
		}
	}

	return settled{
		result: res,
		notice: &notifier.Settlement{
			TargetKind: string(ref.Kind),
			TargetID:   ref.ID,
			Amount:     pay.credited.String(),
			Decimals:   pay.decimals,
			Symbol:     pay.symbol,
			Network:    pay.network,
			TxHash:     pay.txHash,
			Channel:    pay.channel,
			SettledAt:  pay.at,
		},
	}, nil
}

// alreadyPaid handles a payment arriving for a target some other payment
// already settled. The second payment is surfaced, never discarded.
func (a *Applier) alreadyPaid(ctx context.Context, events *eventstore.Store, ref reference.Reference, target models.SettlementTarget, pay payment) (Result, error) {
	res := Result{Outcome: OutcomeAlreadyApplied, Reason: ReasonTargetPaid}
	if strings.EqualFold(target.PaymentTxHash, pay.txHash) && strings.EqualFold(target.PaymentNetwork, pay.network) {
		return res, nil
	}
	err := a.anomaly(ctx, events, &res, models.Anomaly{
		Kind:       models.AnomalyDuplicatePayment,
		Network:    pay.network,
		TxHash:     pay.txHash,
		TargetKind: string(ref.Kind),
		TargetID:   &target.ID,
		Details: fmt.Sprintf("paid_by=%s:%s:%s amount=%s",
			target.PaymentChannel, target.PaymentNetwork, target.PaymentTxHash, pay.credited),
	})
	return res, err
}

// constraintMismatch compares the payment against the optional expectations
// recorded on the target. Off-ramp payments carry no token or payee.
func constraintMismatch(target models.SettlementTarget, pay payment) string {
	var problems []string
	if pay.channel == models.ChannelOnChain {
		if want := strings.ToLower(strings.TrimSpace(target.Network)); want != "" && want != pay.network {
			problems = append(problems, fmt.Sprintf("network %s, expected %s", pay.network, want))
		}
	}
	if want := normalizeHex(target.TokenAddress); want != "" && pay.token != "" && want != pay.token {
		problems = append(problems, fmt.Sprintf("token %s, expected %s", pay.token, want))
	}
	if want := normalizeHex(target.PayeeAddress); want != "" && pay.payee != "" && want != pay.payee {
		problems = append(problems, fmt.Sprintf("payee %s, expected %s", pay.payee, want))
	}
	return strings.Join(problems, "; ")
}

func (a *Applier) anomaly(ctx context.Context, events *eventstore.Store, res *Result, anomaly models.Anomaly) error {
	created, err := events.RecordAnomaly(ctx, anomaly)
	if err != nil {
		return err
	}
	if created {
		res.Anomalies = append(res.Anomalies, anomaly.Kind)
	}
	return nil
}

func (a *Applier) afterCommit(ctx context.Context, res Result, notice *notifier.Settlement) {
	for _, kind := range res.Anomalies {
		a.metrics.RecordAnomaly(string(kind))
		a.logger.Warn("settlement anomaly", slog.String("kind", string(kind)), slog.String("target", res.Target.String()))
	}
	if res.Discrepancy != nil && res.Discrepancy.Sign() != 0 && notice != nil {
		a.metrics.RecordDiscrepancy(notice.Network)
	}
	if notice == nil || a.notifier == nil {
		return
	}
	if err := a.notifier.NotifySettled(context.WithoutCancel(ctx), *notice); err != nil {
		a.logger.Warn("settlement notification failed",
			slog.String("target", res.Target.String()),
			slog.Any("error", err))
	}
}
