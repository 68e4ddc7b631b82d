// Package offramp accepts settlement confirmations from fiat off-ramp
// providers and applies them through the same target transaction as on-chain
// payments.
package offramp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"
)

// DeliveryState is the processing state of a provider delivery.
type DeliveryState int

const (
	// DeliveryNew indicates the delivery was reserved by this call.
	DeliveryNew DeliveryState = iota
	// DeliveryPending indicates another request is processing the delivery.
	DeliveryPending
	// DeliverySettled indicates the delivery already has a recorded outcome.
	DeliverySettled
)

var bucketDeliveries = []byte("deliveries")

var errLogClosed = errors.New("offramp: delivery log not initialised")

// DeliveryRecord is the stored result of a processed delivery.
type DeliveryRecord struct {
	Status     string    `json:"status"`
	Outcome    string    `json:"outcome,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Target     string    `json:"target,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

const statusPending = "pending"

// DeliveryLog remembers provider delivery ids so redelivered webhooks are
// answered from the stored outcome instead of being applied again.
type DeliveryLog struct {
	db  *bbolt.DB
	now func() time.Time
	// reclaimAfter lets a pending reservation left behind by a crashed
	// request be taken over by the provider's next retry.
	reclaimAfter time.Duration
}

// OpenDeliveryLog opens (or creates) the delivery database at path.
func OpenDeliveryLog(path string) (*DeliveryLog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("offramp: open delivery log: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeliveries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("offramp: init delivery log: %w", err)
	}
	return &DeliveryLog{db: db, now: time.Now, reclaimAfter: 5 * time.Minute}, nil
}

// Close releases the database handle.
func (l *DeliveryLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Reserve claims the delivery id. It returns the previous record when the
// delivery was already seen.
func (l *DeliveryLog) Reserve(id string) (DeliveryState, DeliveryRecord, error) {
	if l == nil || l.db == nil {
		return DeliveryPending, DeliveryRecord{}, errLogClosed
	}
	key, err := deliveryKey(id)
	if err != nil {
		return DeliveryPending, DeliveryRecord{}, err
	}
	state := DeliveryNew
	var existing DeliveryRecord
	err = l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		now := l.now().UTC()
		reserve := func() error {
			encoded, err := json.Marshal(DeliveryRecord{Status: statusPending, RecordedAt: now})
			if err != nil {
				return err
			}
			return bucket.Put(key, encoded)
		}
		raw := bucket.Get(key)
		if raw == nil {
			return reserve()
		}
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("decode delivery %s: %w", key, err)
		}
		switch {
		case existing.Status != statusPending:
			state = DeliverySettled
		case now.Sub(existing.RecordedAt) > l.reclaimAfter:
			existing = DeliveryRecord{}
			return reserve()
		default:
			state = DeliveryPending
		}
		return nil
	})
	if err != nil {
		return DeliveryPending, DeliveryRecord{}, fmt.Errorf("offramp: reserve delivery: %w", err)
	}
	return state, existing, nil
}

// Complete stores the final record for a reserved delivery.
func (l *DeliveryLog) Complete(id string, record DeliveryRecord) error {
	if l == nil || l.db == nil {
		return errLogClosed
	}
	key, err := deliveryKey(id)
	if err != nil {
		return err
	}
	if record.Status == "" || record.Status == statusPending {
		return fmt.Errorf("offramp: final status required for delivery %s", key)
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = l.now().UTC()
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		if bucket.Get(key) == nil {
			return fmt.Errorf("offramp: delivery %s not reserved", key)
		}
		return bucket.Put(key, encoded)
	})
}

// Release drops a pending reservation so the provider's retry is processed.
func (l *DeliveryLog) Release(id string) error {
	if l == nil || l.db == nil {
		return errLogClosed
	}
	key, err := deliveryKey(id)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		raw := bucket.Get(key)
		if raw == nil {
			return nil
		}
		var record DeliveryRecord
		if err := json.Unmarshal(raw, &record); err == nil && record.Status != statusPending {
			return nil
		}
		return bucket.Delete(key)
	})
}

// Lookup returns the stored record for the delivery.
func (l *DeliveryLog) Lookup(id string) (DeliveryRecord, bool, error) {
	if l == nil || l.db == nil {
		return DeliveryRecord{}, false, errLogClosed
	}
	key, err := deliveryKey(id)
	if err != nil {
		return DeliveryRecord{}, false, err
	}
	var record DeliveryRecord
	found := false
	err = l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDeliveries).Get(key)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &record)
	})
	if err != nil {
		return DeliveryRecord{}, false, fmt.Errorf("offramp: lookup delivery: %w", err)
	}
	return record, found, nil
}

func deliveryKey(id string) ([]byte, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, fmt.Errorf("offramp: delivery id required")
	}
	return []byte(trimmed), nil
}
