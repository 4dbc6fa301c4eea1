package models

import "errors"

type TransactionKind string

const (
	TransactionKindOrder               TransactionKind = "Order"
	TransactionKindPayment             TransactionKind = "Payment"
	TransactionKindVoid                TransactionKind = "Void"
	TransactionKindRefund              TransactionKind = "Refund"
	TransactionKindInventoryAdjustment TransactionKind = "InventoryAdjustment"
	TransactionKindTimecard            TransactionKind = "Timecard"
	TransactionKindCashDrawer          TransactionKind = "CashDrawer"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case TransactionKindOrder, TransactionKindPayment, TransactionKindVoid,
		TransactionKindRefund, TransactionKindInventoryAdjustment,
		TransactionKindTimecard, TransactionKindCashDrawer:
		return true
	}
	return false
}

// NaturallyIdempotent reports whether a duplicate server record for this kind
// is a no-op success rather than a conflict requiring resolution.
func (k TransactionKind) NaturallyIdempotent() bool {
	switch k {
	case TransactionKindVoid, TransactionKindInventoryAdjustment,
		TransactionKindTimecard, TransactionKindCashDrawer:
		return true
	}
	return false
}

type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusFailed   SyncStatus = "failed"
)

type OperationMode string

const (
	OperationModeOnline   OperationMode = "online"
	OperationModeDegraded OperationMode = "degraded"
	OperationModeReadOnly OperationMode = "read_only"
	OperationModeOffline  OperationMode = "offline"
)

// AllowsSync reports whether writes to the primary store are possible in this mode.
func (m OperationMode) AllowsSync() bool {
	return m == OperationModeOnline || m == OperationModeDegraded
}

type ConflictType string

const (
	ConflictTypeDuplicateOrder     ConflictType = "duplicate_order"
	ConflictTypeDuplicatePayment   ConflictType = "duplicate_payment"
	ConflictTypeSemanticDivergence ConflictType = "semantic_divergence"
)

type ResolutionType string

const (
	ResolutionTypeKeepLocal  ResolutionType = "keep_local"
	ResolutionTypeKeepServer ResolutionType = "keep_server"
	ResolutionTypeMerge      ResolutionType = "merge"
)

func (r ResolutionType) Valid() bool {
	switch r {
	case ResolutionTypeKeepLocal, ResolutionTypeKeepServer, ResolutionTypeMerge:
		return true
	}
	return false
}

type CardNetwork string

const (
	CardNetworkVisa       CardNetwork = "visa"
	CardNetworkMastercard CardNetwork = "mastercard"
	CardNetworkAmex       CardNetwork = "amex"
	CardNetworkDiscover   CardNetwork = "discover"
	CardNetworkUnknown    CardNetwork = "unknown"
)

type ConnectivityEvent string

const (
	ConnectivityEventWentOffline  ConnectivityEvent = "went_offline"
	ConnectivityEventCameOnline   ConnectivityEvent = "came_online"
	ConnectivityEventStatusChange ConnectivityEvent = "status_change"
	ConnectivityEventSyncPass     ConnectivityEvent = "sync_pass"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredMonitor  = "monitor"
	SyncTriggeredRetry    = "retry"
	SyncTriggeredSchedule = "schedule"
)

var ErrInvalidTransactionKind = errors.New("invalid transaction kind")
