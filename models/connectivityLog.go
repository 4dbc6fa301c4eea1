package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ConnectivityLog is an append-only record of mode transitions and sync
// passes per terminal. Entries are written only on change (or at the end of a
// pass), never on every probe cycle.
type ConnectivityLog struct {
	ID           int               `gorm:"primary_key" json:"id"`
	TerminalId   string            `gorm:"size:64;not null;index" json:"terminal_id"`
	Event        ConnectivityEvent `gorm:"size:20;not null" json:"event"`
	PreviousMode OperationMode     `gorm:"size:16" json:"previous_mode"`
	NewMode      OperationMode     `gorm:"size:16;not null" json:"new_mode"`

	// OfflineDurationMs is filled on came_online events, measured from the
	// previous entry's timestamp.
	OfflineDurationMs int64 `json:"offline_duration_ms"`

	// BacklogSize is the pending+retryable-failed count at the moment of the
	// transition (or the queued count for a sync_pass entry).
	BacklogSize   int `json:"backlog_size"`
	SyncedCount   int `json:"synced_count"`
	FailedCount   int `json:"failed_count"`
	ConflictCount int `json:"conflict_count"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// LatestConnectivityLog returns the most recent entry for a terminal, or nil
// when the terminal has never logged a transition.
func LatestConnectivityLog(ctx context.Context, db *gorm.DB, terminalId string) (*ConnectivityLog, error) {
	var entry ConnectivityLog
	err := db.WithContext(ctx).
		Where("terminal_id = ?", terminalId).
		Order("id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// LatestModeChange returns the most recent mode-transition entry (sync_pass
// entries excluded), used to recover the previously recorded mode and to
// compute offline duration.
func LatestModeChange(ctx context.Context, db *gorm.DB, terminalId string) (*ConnectivityLog, error) {
	var entry ConnectivityLog
	err := db.WithContext(ctx).
		Where("terminal_id = ? AND event <> ?", terminalId, ConnectivityEventSyncPass).
		Order("id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Migrate creates the terminal-local tables. Called once at startup; sqlite
// migration here replaces a server-side schema tool since each terminal owns
// its whole database file.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&OfflineTransaction{},
		&TerminalSequence{},
		&ConnectivityLog{},
	)
}
