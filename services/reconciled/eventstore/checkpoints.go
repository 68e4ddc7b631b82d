package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chainsettle/services/reconciled/models"
)

// Checkpoint returns the last block durably processed for the network.
func (s *Store) Checkpoint(ctx context.Context, network string) (uint64, bool, error) {
	var cp models.WatcherCheckpoint
	err := s.db.WithContext(ctx).Where("network = ?", strings.ToLower(network)).Take(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("eventstore: load checkpoint %s: %w", network, err)
	}
	return cp.BlockNumber, true, nil
}

// AdvanceCheckpoint records block as processed. The stored value never moves backwards.
func (s *Store) AdvanceCheckpoint(ctx context.Context, network string, block uint64) error {
	cp := models.WatcherCheckpoint{
		Network:     strings.ToLower(network),
		BlockNumber: block,
		UpdatedAt:   s.Now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "network"}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "block_number"}, Value: gorm.Expr("CASE WHEN excluded.block_number > watcher_checkpoints.block_number THEN excluded.block_number ELSE watcher_checkpoints.block_number END")},
				{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
			},
		}).
		Create(&cp).Error
	if err != nil {
		return fmt.Errorf("eventstore: advance checkpoint %s to %d: %w", network, block, err)
	}
	return nil
}
