package offramp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chainsettle/services/reconciled/reference"
	"chainsettle/services/reconciled/settlement"
	"chainsettle/services/reconciled/signing"
)

// SignatureHeader carries the provider's hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Offramp-Signature"

const maxBodyBytes = 1 << 20

// Settler applies a confirmed off-chain settlement.
type Settler interface {
	SettleExternal(ctx context.Context, ext settlement.External) (settlement.Result, error)
}

type notification struct {
	DeliveryID        string    `json:"deliveryId"`
	Provider          string    `json:"provider"`
	ProviderReference string    `json:"providerReference"`
	Reference         string    `json:"reference"`
	Amount            string    `json:"amount"`
	Decimals          uint8     `json:"decimals"`
	Currency          string    `json:"currency"`
	SettledAt         time.Time `json:"settledAt"`
}

func (n notification) deliveryID() string {
	if id := strings.TrimSpace(n.DeliveryID); id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(n.Provider)) + ":" + strings.TrimSpace(n.ProviderReference)
}

// Handler serves POST /v1/offramp/settlements.
type Handler struct {
	settler Settler
	log     *DeliveryLog
	secret  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewHandler constructs the off-ramp intake.
func NewHandler(settler Settler, deliveries *DeliveryLog, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{settler: settler, log: deliveries, secret: secret, timeout: 15 * time.Second, logger: logger}
}

// ServeHTTP verifies, de-duplicates and applies one provider notification.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(reader)
	_ = r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	if !signing.Verify(h.secret, body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("offramp signature rejected")
		writeError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}
	var note notification
	if err := json.Unmarshal(body, &note); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if strings.TrimSpace(note.Provider) == "" || strings.TrimSpace(note.ProviderReference) == "" {
		writeError(w, http.StatusBadRequest, errors.New("provider and providerReference required"))
		return
	}
	ref, err := reference.Parse(note.Reference)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	id := note.deliveryID()
	state, previous, err := h.log.Reserve(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	switch state {
	case DeliverySettled:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "duplicate",
			"outcome": previous.Outcome,
			"target":  previous.Target,
		})
		return
	case DeliveryPending:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	res, err := h.settler.SettleExternal(ctx, settlement.External{
		Reference:   ref,
		Provider:    note.Provider,
		ProviderRef: note.ProviderReference,
		Amount:      note.Amount,
		Decimals:    note.Decimals,
		Currency:    note.Currency,
		SettledAt:   note.SettledAt,
	})
	if err != nil {
		if relErr := h.log.Release(id); relErr != nil {
			h.logger.Error("release offramp delivery", slog.String("delivery_id", id), slog.Any("error", relErr))
		}
		h.logger.Warn("offramp settlement failed",
			slog.String("delivery_id", id),
			slog.String("provider", note.Provider),
			slog.String("reference", ref.String()),
			slog.Any("error", err))
		switch {
		case errors.Is(err, settlement.ErrTargetNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, settlement.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusServiceUnavailable, err)
		}
		return
	}

	record := DeliveryRecord{Status: "processed", Outcome: string(res.Outcome), Reason: res.Reason, Target: ref.String()}
	if err := h.log.Complete(id, record); err != nil {
		// The settlement committed; a retry resolves to already_applied.
		h.logger.Error("record offramp delivery", slog.String("delivery_id", id), slog.Any("error", err))
	}
	h.logger.Info("offramp settlement processed",
		slog.String("delivery_id", id),
		slog.String("provider", note.Provider),
		slog.String("reference", ref.String()),
		slog.String("outcome", string(res.Outcome)))

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "processed",
		"outcome": string(res.Outcome),
		"reason":  res.Reason,
		"target":  ref.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
