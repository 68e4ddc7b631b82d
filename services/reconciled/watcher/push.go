package watcher

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"chainsettle/services/reconciled/chain"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/registry"
	"chainsettle/services/reconciled/signing"
)

// PushSignatureHeader carries the provider's hex HMAC-SHA256 of the body.
const PushSignatureHeader = "X-Webhook-Signature"

const maxPushBody = 1 << 20

type pushPayload struct {
	Confirmations uint64    `json:"confirmations"`
	Logs          []pushLog `json:"logs"`
}

type pushLog struct {
	Address        common.Address `json:"address"`
	Topics         []common.Hash  `json:"topics"`
	Data           hexutil.Bytes  `json:"data"`
	BlockNumber    hexutil.Uint64 `json:"blockNumber"`
	BlockTimestamp hexutil.Uint64 `json:"blockTimestamp"`
	TxHash         common.Hash    `json:"transactionHash"`
	LogIndex       hexutil.Uint   `json:"logIndex"`
	Confirmations  *uint64        `json:"confirmations,omitempty"`
	Removed        bool           `json:"removed"`
}

// PushReceiver accepts log deliveries from a provider subscription and feeds
// them through the same handoff as the pollers. Deliveries below the network's
// confirmation threshold are stored pending and promoted later.
type PushReceiver struct {
	registry *registry.Registry
	handoff  Handoff
	secret   string
	logger   *slog.Logger
}

// NewPushReceiver constructs the webhook intake.
func NewPushReceiver(reg *registry.Registry, handoff Handoff, secret string, logger *slog.Logger) *PushReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushReceiver{registry: reg, handoff: handoff, secret: secret, logger: logger}
}

// ServeHTTP handles POST /v1/webhooks/{network}.
func (p *PushReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	network := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "network")))
	cfg, err := p.registry.Resolve(network)
	if err != nil {
		var notFound *registry.NotFoundError
		if errors.As(err, &notFound) {
			http.Error(w, "unknown network", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxPushBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !signing.Verify(p.secret, body, r.Header.Get(PushSignatureHeader)) {
		p.logger.Warn("webhook signature rejected", slog.String("network", cfg.ID))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	sightings := make([]chain.RawSighting, 0, len(payload.Logs))
	for _, l := range payload.Logs {
		confirmations := payload.Confirmations
		if l.Confirmations != nil {
			confirmations = *l.Confirmations
		}
		blockTime := time.Time{}
		if l.BlockTimestamp > 0 {
			blockTime = time.Unix(int64(l.BlockTimestamp), 0).UTC()
		}
		sightings = append(sightings, chain.RawSighting{
			Network:       cfg.ID,
			Source:        models.SourceWebhook,
			Address:       l.Address,
			Topics:        l.Topics,
			Data:          l.Data,
			TxHash:        l.TxHash,
			LogIndex:      uint(l.LogIndex),
			BlockNumber:   uint64(l.BlockNumber),
			BlockTime:     blockTime,
			Confirmations: confirmations,
			Removed:       l.Removed,
		})
	}
	if err := p.handoff.Deliver(r.Context(), sightings); err != nil {
		p.logger.Error("webhook handoff failed",
			slog.String("network", cfg.ID),
			slog.Int("logs", len(sightings)),
			slog.Any("error", err))
		// The provider retries non-2xx deliveries, which is the redelivery we need.
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": len(sightings)})
}
