package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_terminal/models"
	"bitbucket.org/mmdatafocus/pos_terminal/utils"
)

// Store is the terminal-local durable queue. It is the only shared mutable
// state between the capture path and the sync path; every status transition
// goes through Mark so the state machine cannot be bypassed.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func isDuplicateKeyErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// Enqueue captures one operation. It is local-only and synchronous: it never
// touches the network, and a failure here is a capture failure the operator
// must see (a sale can not be silently dropped).
//
// The sequence number is allocated inside the same transaction as the insert,
// via an UPDATE on the per-terminal counter row. sqlite serializes write
// transactions, so two concurrent captures on one terminal can not draw the
// same number, and an aborted insert rolls the counter back with it, keeping
// the sequence gap-free.
func (s *Store) Enqueue(ctx context.Context, terminalId string, kind models.TransactionKind, payload any) (*models.OfflineTransaction, error) {
	if terminalId == "" {
		return nil, fmt.Errorf("%w: empty terminal id", utils.ErrorValidation)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", utils.ErrorValidation, kind)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrorValidation, err)
	}
	if len(payloadJSON) == 0 || string(payloadJSON) == "null" {
		return nil, fmt.Errorf("%w: empty payload", utils.ErrorValidation)
	}

	txn := &models.OfflineTransaction{
		OfflineId:   uuid.NewString(),
		TerminalId:  terminalId,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		DataHash:    utils.HashBytes(payloadJSON),
		SyncStatus:  models.SyncStatusPending,
		Retryable:   true,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSequence(tx, terminalId)
		if err != nil {
			return err
		}
		txn.SequenceNumber = seq
		return tx.Create(txn).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrorCapture, err)
	}
	return txn, nil
}

func nextSequence(tx *gorm.DB, terminalId string) (int64, error) {
	res := tx.Model(&models.TerminalSequence{}).
		Where("terminal_id = ?", terminalId).
		Update("next_sequence", gorm.Expr("next_sequence + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		row := models.TerminalSequence{TerminalId: terminalId, NextSequence: 2}
		if err := tx.Create(&row).Error; err != nil {
			if !isDuplicateKeyErr(err) {
				return 0, err
			}
			// Lost the race for the first capture on this terminal; the
			// counter row exists now, so bump it like any other capture.
			res = tx.Model(&models.TerminalSequence{}).
				Where("terminal_id = ?", terminalId).
				Update("next_sequence", gorm.Expr("next_sequence + 1"))
			if res.Error != nil {
				return 0, res.Error
			}
		} else {
			return 1, nil
		}
	}
	var counter models.TerminalSequence
	if err := tx.Where("terminal_id = ?", terminalId).First(&counter).Error; err != nil {
		return 0, err
	}
	return counter.NextSequence - 1, nil
}

func (s *Store) Get(ctx context.Context, offlineId string) (*models.OfflineTransaction, error) {
	var txn models.OfflineTransaction
	err := s.db.WithContext(ctx).Where("offline_id = ?", offlineId).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// UpdatePayload patches the payload of a not-yet-synced transaction and
// recomputes the hash. Allowed only while pending or failed: anything the
// sync engine holds, has applied, or has parked in conflict is immutable here.
func (s *Store) UpdatePayload(ctx context.Context, offlineId string, payload any) (*models.OfflineTransaction, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrorValidation, err)
	}

	var txn models.OfflineTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("offline_id = ?", offlineId).First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if txn.SyncStatus != models.SyncStatusPending && txn.SyncStatus != models.SyncStatusFailed {
			return fmt.Errorf("%w: payload is immutable in status %s", utils.ErrorInvalidTransition, txn.SyncStatus)
		}
		txn.PayloadJSON = payloadJSON
		txn.DataHash = utils.HashBytes(payloadJSON)
		return tx.Model(&txn).Updates(map[string]interface{}{
			"payload_json": txn.PayloadJSON,
			"data_hash":    txn.DataHash,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// RequeueStranded re-arms rows left in syncing by a pass that died before
// finishing the transition. Called only at the start of a pass, under the
// per-terminal lock, where no live pass can be holding a syncing row. It
// deliberately bypasses Mark: crash recovery is the one legitimate way back
// from syncing to pending.
func (s *Store) RequeueStranded(ctx context.Context, terminalId string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.OfflineTransaction{}).
		Where("terminal_id = ? AND sync_status = ?", terminalId, models.SyncStatusSyncing).
		Updates(map[string]interface{}{
			"sync_status":     models.SyncStatusPending,
			"retryable":       true,
			"last_error":      nil,
			"last_error_code": "",
		})
	return res.RowsAffected, res.Error
}

// ListPending returns the sync work list for a terminal: pending plus
// retryable failed rows, in capture order. Conflict rows are never included
// (they only move through the resolver).
func (s *Store) ListPending(ctx context.Context, terminalId string) ([]models.OfflineTransaction, error) {
	var txns []models.OfflineTransaction
	err := s.db.WithContext(ctx).
		Where("terminal_id = ?", terminalId).
		Where("sync_status = ? OR (sync_status = ? AND retryable = ?)",
			models.SyncStatusPending, models.SyncStatusFailed, true).
		Order("sequence_number ASC").
		Find(&txns).Error
	return txns, err
}

// ListQueue returns every transaction for a terminal in capture order.
func (s *Store) ListQueue(ctx context.Context, terminalId string) ([]models.OfflineTransaction, error) {
	var txns []models.OfflineTransaction
	err := s.db.WithContext(ctx).
		Where("terminal_id = ?", terminalId).
		Order("sequence_number ASC").
		Find(&txns).Error
	return txns, err
}

// ListConflicts returns unresolved conflict rows in capture order.
func (s *Store) ListConflicts(ctx context.Context, terminalId string) ([]models.OfflineTransaction, error) {
	var txns []models.OfflineTransaction
	err := s.db.WithContext(ctx).
		Where("terminal_id = ? AND sync_status = ? AND has_conflict = ?",
			terminalId, models.SyncStatusConflict, true).
		Order("sequence_number ASC").
		Find(&txns).Error
	return txns, err
}

// ListAttention returns rows that stopped retrying (integrity failures and
// exhausted transport retries) and need an operator.
func (s *Store) ListAttention(ctx context.Context, terminalId string) ([]models.OfflineTransaction, error) {
	var txns []models.OfflineTransaction
	err := s.db.WithContext(ctx).
		Where("terminal_id = ? AND sync_status = ? AND retryable = ?",
			terminalId, models.SyncStatusFailed, false).
		Order("sequence_number ASC").
		Find(&txns).Error
	return txns, err
}

// BacklogSize counts the transactions a sync pass would pick up.
func (s *Store) BacklogSize(ctx context.Context, terminalId string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.OfflineTransaction{}).
		Where("terminal_id = ?", terminalId).
		Where("sync_status = ? OR (sync_status = ? AND retryable = ?)",
			models.SyncStatusPending, models.SyncStatusFailed, true).
		Count(&count).Error
	return int(count), err
}

// MarkOptions carries the optional fields of a status transition.
type MarkOptions struct {
	ServerId     string
	Error        error
	ErrorCode    string
	Retryable    *bool
	CountAttempt bool

	ConflictType    models.ConflictType
	ConflictDetails string

	// resolution is set only by the Resolver.
	resolution     models.ResolutionType
	resolvedBy     string
	mergedJSON     []byte
	forceOverwrite bool
}

// Mark transitions a transaction's sync status under the state machine guard.
func (s *Store) Mark(ctx context.Context, offlineId string, to models.SyncStatus, opts MarkOptions) (*models.OfflineTransaction, error) {
	var txn models.OfflineTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("offline_id = ?", offlineId).First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}

		viaResolution := opts.resolution != ""
		if !models.CanTransition(txn.SyncStatus, to, viaResolution) {
			return fmt.Errorf("%w: %s -> %s", utils.ErrorInvalidTransition, txn.SyncStatus, to)
		}

		now := time.Now()
		updates := map[string]interface{}{"sync_status": to}

		if opts.CountAttempt {
			updates["sync_attempts"] = txn.SyncAttempts + 1
			updates["last_sync_attempt"] = now
		}
		if opts.Error != nil {
			msg := opts.Error.Error()
			updates["last_error"] = &msg
		}
		if opts.ErrorCode != "" {
			updates["last_error_code"] = opts.ErrorCode
		}
		if opts.Retryable != nil {
			updates["retryable"] = *opts.Retryable
		}

		switch to {
		case models.SyncStatusSynced:
			updates["synced_at"] = now
			if opts.ServerId != "" {
				updates["server_id"] = opts.ServerId
			}
			updates["force_overwrite"] = false
		case models.SyncStatusConflict:
			updates["has_conflict"] = true
			updates["conflict_type"] = opts.ConflictType
			updates["conflict_details"] = opts.ConflictDetails
		case models.SyncStatusPending:
			// Re-arm for the next pass.
			updates["retryable"] = true
			updates["last_error"] = nil
			updates["last_error_code"] = ""
		}

		if viaResolution {
			updates["has_conflict"] = false
			updates["resolution_type"] = opts.resolution
			updates["resolved_by"] = opts.resolvedBy
			updates["resolved_at"] = now
			if opts.ConflictDetails != "" {
				updates["conflict_details"] = opts.ConflictDetails
			}
			if len(opts.mergedJSON) > 0 {
				updates["payload_json"] = opts.mergedJSON
				updates["data_hash"] = utils.HashBytes(opts.mergedJSON)
			}
			if opts.forceOverwrite {
				updates["force_overwrite"] = true
			}
		}

		if err := tx.Model(&txn).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("offline_id = ?", offlineId).First(&txn).Error
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}
