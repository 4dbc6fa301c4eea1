package models

import (
	"time"

	"bitbucket.org/mmdatafocus/pos_terminal/utils"
)

// OfflineTransaction is a single buffered operation in the terminal's queue.
// Rows are append-mostly: payload and status mutate under the state machine
// below, but a row is never deleted (the queue doubles as the audit trail).
// Unique constraints: offline_id, (terminal_id, sequence_number).
type OfflineTransaction struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OfflineId      string          `gorm:"size:36;not null;uniqueIndex" json:"offline_id"`
	TerminalId     string          `gorm:"size:64;not null;uniqueIndex:uniq_terminal_seq,priority:1;index" json:"terminal_id"`
	SequenceNumber int64           `gorm:"not null;uniqueIndex:uniq_terminal_seq,priority:2" json:"sequence_number"`
	Kind           TransactionKind `gorm:"size:32;not null;index" json:"kind"`
	PayloadJSON    []byte          `gorm:"type:json;not null" json:"payload"`
	DataHash       string          `gorm:"size:64;not null" json:"data_hash"`

	SyncStatus      SyncStatus `gorm:"size:16;not null;index" json:"sync_status"`
	SyncAttempts    int        `gorm:"not null;default:0" json:"sync_attempts"`
	Retryable       bool       `gorm:"not null;default:true" json:"retryable"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt"`
	SyncedAt        *time.Time `json:"synced_at"`
	ServerId        string     `gorm:"size:128" json:"server_id"`
	LastError       *string    `gorm:"type:text" json:"last_error"`
	LastErrorCode   string     `gorm:"size:32" json:"last_error_code"`

	// ForceOverwrite is set by a keep_local resolution: the next sync pass
	// skips the duplicate check once and overwrites server state.
	ForceOverwrite bool `gorm:"not null;default:false" json:"force_overwrite"`

	HasConflict     bool           `gorm:"not null;default:false;index" json:"has_conflict"`
	ConflictType    ConflictType   `gorm:"size:32" json:"conflict_type"`
	ConflictDetails string         `gorm:"type:text" json:"conflict_details"`
	ResolutionType  ResolutionType `gorm:"size:16" json:"resolution_type"`
	ResolvedBy      string         `gorm:"size:64" json:"resolved_by"`
	ResolvedAt      *time.Time     `json:"resolved_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TerminalSequence is the per-terminal capture counter. The next sequence
// number is allocated with a row-locked read-modify-write so concurrent
// captures on one terminal can never observe the same value.
type TerminalSequence struct {
	TerminalId   string    `gorm:"size:64;primary_key" json:"terminal_id"`
	NextSequence int64     `gorm:"not null;default:1" json:"next_sequence"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CanTransition enforces the sync status state machine:
//
//	pending  -> syncing
//	syncing  -> synced | conflict | failed
//	failed   -> pending | syncing   (retry; only while retryable)
//	conflict -> (resolution only, never via Mark)
//	synced   -> (terminal)
//
// Conflict exits and pending resets from conflict go through the resolver,
// which is the only caller allowed to pass viaResolution=true.
func CanTransition(from, to SyncStatus, viaResolution bool) bool {
	if from == to {
		return false
	}
	switch from {
	case SyncStatusPending:
		return to == SyncStatusSyncing
	case SyncStatusSyncing:
		return to == SyncStatusSynced || to == SyncStatusConflict || to == SyncStatusFailed
	case SyncStatusFailed:
		return to == SyncStatusPending || to == SyncStatusSyncing
	case SyncStatusConflict:
		return viaResolution && (to == SyncStatusPending || to == SyncStatusSynced)
	case SyncStatusSynced:
		return false
	}
	return false
}

// VerifyHash recomputes the digest over the stored payload bytes and compares
// it to DataHash. A mismatch means the row was tampered with or corrupted
// after capture and must never be applied.
func (t *OfflineTransaction) VerifyHash() bool {
	return utils.HashBytes(t.PayloadJSON) == t.DataHash
}

// Terminal reports whether the row can never change again.
func (t *OfflineTransaction) Terminal() bool {
	if t.SyncStatus == SyncStatusSynced {
		return true
	}
	return t.SyncStatus == SyncStatusConflict && t.ResolutionType != ""
}
