package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"p2pescrow/lifecycle"
	"p2pescrow/models"
)

// Cursor returns the persisted sync cursor for the chain+contract source.
// Exposed read-only for health reporting; the reconciler owns all writes.
func (s *Store) Cursor(ctx context.Context, chain models.Chain, contract string) (*models.EventSyncCursor, error) {
	var cursor models.EventSyncCursor
	err := s.db.WithContext(ctx).First(&cursor, "chain = ? AND contract = ?", chain, contract).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	return &cursor, nil
}

// CursorInTx loads the cursor under the current transaction, taking its row
// lock so concurrent reconciler instances serialize on the source.
func (s *Store) CursorInTx(tx *gorm.DB, chain models.Chain, contract string) (*models.EventSyncCursor, error) {
	var cursor models.EventSyncCursor
	err := lockForUpdate(tx).First(&cursor, "chain = ? AND contract = ?", chain, contract).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	return &cursor, nil
}

// SaveCursorInTx upserts the cursor inside the transaction carrying the
// order mutations derived from the block range it marks.
func (s *Store) SaveCursorInTx(tx *gorm.DB, cursor *models.EventSyncCursor) error {
	cursor.UpdatedAt = s.now().UTC()
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain"}, {Name: "contract"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_block", "updated_at"}),
	}).Create(cursor).Error
}
