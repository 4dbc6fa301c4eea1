package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_terminal/config"
	"bitbucket.org/mmdatafocus/pos_terminal/models"
	"bitbucket.org/mmdatafocus/pos_terminal/utils"
)

const syncLeaseTTL = 2 * time.Minute

// Per-transaction failure codes. Persisted in last_error_code so listings and
// reports can classify failures without parsing message text.
const (
	syncErrTransport     = "transport_error"
	syncErrDeclined      = "declined"
	syncErrIntegrity     = "integrity_mismatch"
	syncErrVoiceAuthWait = "voice_auth_required"
	syncErrBadPayload    = "bad_payload"
	syncErrCardDecrypt   = "card_decrypt_failed"
	syncErrCardDecode    = "card_decode_failed"
	syncErrUnknownKind   = "unknown_kind"
)

// KindCounters aggregates per-kind outcomes of one sync pass.
type KindCounters struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Declined  int `json:"declined"`
}

// SyncError is one structured per-transaction failure inside a pass.
type SyncError struct {
	OfflineId      string                 `json:"offline_id"`
	Kind           models.TransactionKind `json:"kind"`
	SequenceNumber int64                  `json:"sequence_number"`
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Retryable      bool                   `json:"retryable"`

	// Cause carries the sentinel-wrapped error for errors.Is matching by
	// in-process consumers; the stored row keeps Code instead.
	Cause error `json:"-"`
}

// PassSummary is the aggregated outcome of one sync pass. A pass never fails
// as a whole because of one transaction; everything lands here instead.
type PassSummary struct {
	TerminalId  string                                  `json:"terminal_id"`
	TriggeredBy string                                  `json:"triggered_by"`
	Queued      int                                     `json:"queued"`
	Synced      int                                     `json:"synced"`
	Failed      int                                     `json:"failed"`
	Conflicts   int                                     `json:"conflicts"`
	Declined    int                                     `json:"declined"`
	Interrupted bool                                    `json:"interrupted"`
	Kinds       map[models.TransactionKind]*KindCounters `json:"kinds"`
	Errors      []SyncError                             `json:"errors"`
	StartedAt   time.Time                               `json:"started_at"`
	FinishedAt  time.Time                               `json:"finished_at"`
	DurationMs  int64                                   `json:"duration_ms"`
}

func (s *PassSummary) kind(k models.TransactionKind) *KindCounters {
	c, ok := s.Kinds[k]
	if !ok {
		c = &KindCounters{}
		s.Kinds[k] = c
	}
	return c
}

// Engine drains a terminal's queue against the central system in capture
// order. Terminals sync independently and in parallel; within one terminal a
// pass is strictly sequential and at most one pass runs at a time.
type Engine struct {
	store   *Store
	server  ServerStore
	gateway PaymentGateway
	cipher  Cipher
	logger  *logrus.Logger

	maxAttempts int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store *Store, server ServerStore, gateway PaymentGateway, cipher Cipher) *Engine {
	maxAttempts := 5
	if v := strings.TrimSpace(os.Getenv("POS_MAX_SYNC_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	return &Engine{
		store:       store,
		server:      server,
		gateway:     gateway,
		cipher:      cipher,
		logger:      config.GetLogger(),
		maxAttempts: maxAttempts,
		locks:       map[string]*sync.Mutex{},
	}
}

func (e *Engine) terminalLock(terminalId string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[terminalId]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[terminalId] = lock
	}
	return lock
}

// TriggerSync runs a pass in the background. Used by the connectivity monitor
// on transition into a syncable mode; overlapping triggers collapse into the
// running pass. ctx cancellation stops the pass between transactions.
func (e *Engine) TriggerSync(ctx context.Context, terminalId string) {
	summary, err := e.SyncPass(ctx, terminalId, models.SyncTriggeredMonitor)
	if err != nil {
		if !errors.Is(err, utils.ErrorSyncInProgress) {
			config.LogError(e.logger, "engine.go", "TriggerSync", "sync pass", terminalId, err)
		}
		return
	}
	config.LogInfo(e.logger, "engine.go", "TriggerSync", "sync pass complete", summary, "sync pass")
}

// SyncPass replays the terminal's pending queue in sequence order.
//
// Per transaction: pending -> syncing -> {synced | conflict | failed}. One
// transaction's failure never aborts the pass. The pass stops early only on
// ctx cancellation, always between transactions, leaving the remainder
// pending for the next pass.
func (e *Engine) SyncPass(ctx context.Context, terminalId string, triggeredBy string) (*PassSummary, error) {
	lock := e.terminalLock(terminalId)
	if !lock.TryLock() {
		return nil, utils.ErrorSyncInProgress
	}
	defer lock.Unlock()

	// Best-effort distributed lease for multi-process sites. Redis being
	// down never blocks a sync: the in-process lock above is authoritative
	// for this process, and the server store is idempotent by offline_id.
	if locker := config.GetRedisLock(); locker != nil {
		lease, err := locker.Obtain(ctx, "pos:sync:"+terminalId, syncLeaseTTL, nil)
		if err == nil {
			defer lease.Release(context.Background())
		} else if errors.Is(err, redislock.ErrNotObtained) {
			return nil, utils.ErrorSyncInProgress
		}
	}

	if n, err := e.store.RequeueStranded(ctx, terminalId); err != nil {
		return nil, err
	} else if n > 0 {
		e.logger.WithFields(logrus.Fields{
			"module":      "engine.go",
			"terminal_id": terminalId,
			"requeued":    n,
		}).Warn("requeued transactions stranded in syncing by an interrupted pass")
	}

	queue, err := e.store.ListPending(ctx, terminalId)
	if err != nil {
		return nil, err
	}

	summary := &PassSummary{
		TerminalId:  terminalId,
		TriggeredBy: triggeredBy,
		Queued:      len(queue),
		Kinds:       map[models.TransactionKind]*KindCounters{},
		StartedAt:   time.Now(),
	}

	for i := range queue {
		if ctx.Err() != nil {
			// Mode flipped or shutdown: stop between transactions. Rows not
			// yet touched stay pending and are picked up next pass.
			summary.Interrupted = true
			break
		}
		e.syncOne(ctx, &queue[i], summary)
	}

	summary.FinishedAt = time.Now()
	summary.DurationMs = summary.FinishedAt.Sub(summary.StartedAt).Milliseconds()

	e.recordPass(ctx, summary)
	e.publishSummary(summary)
	return summary, nil
}

func (e *Engine) syncOne(ctx context.Context, txn *models.OfflineTransaction, summary *PassSummary) {
	counters := summary.kind(txn.Kind)

	if _, err := e.store.Mark(ctx, txn.OfflineId, models.SyncStatusSyncing, MarkOptions{CountAttempt: true}); err != nil {
		// Row changed under us (e.g. resolved concurrently); skip it.
		config.LogError(e.logger, "engine.go", "syncOne", "mark syncing", txn.OfflineId, err)
		return
	}

	// Integrity gate: unverified data is never applied. A mismatch means
	// local corruption or tampering; retrying cannot fix it, so it is parked
	// non-retryable and escalated.
	if !txn.VerifyHash() {
		e.fail(ctx, txn, summary, counters, SyncError{
			Code:      syncErrIntegrity,
			Message:   utils.ErrorIntegrity.Error(),
			Retryable: false,
			Cause:     utils.ErrorIntegrity,
		})
		e.logger.WithFields(logrus.Fields{
			"module":      "engine.go",
			"terminal_id": txn.TerminalId,
			"offline_id":  txn.OfflineId,
		}).Error("payload hash mismatch, operator attention required")
		return
	}

	var outcome syncOutcome
	switch txn.Kind {
	case models.TransactionKindOrder:
		outcome = e.applyCreate(ctx, txn, models.ConflictTypeDuplicateOrder)
	case models.TransactionKindPayment:
		outcome = e.applyPayment(ctx, txn)
	case models.TransactionKindRefund:
		outcome = e.applyCreate(ctx, txn, models.ConflictTypeDuplicatePayment)
	case models.TransactionKindVoid,
		models.TransactionKindInventoryAdjustment,
		models.TransactionKindTimecard,
		models.TransactionKindCashDrawer:
		outcome = e.applyIdempotent(ctx, txn)
	default:
		outcome = syncOutcome{err: &SyncError{Code: syncErrUnknownKind, Message: string(txn.Kind), Retryable: false}}
	}

	switch {
	case outcome.conflict != "":
		summary.Conflicts++
		counters.Conflicts++
		if _, err := e.store.Mark(ctx, txn.OfflineId, models.SyncStatusConflict, MarkOptions{
			ConflictType:    outcome.conflict,
			ConflictDetails: outcome.details,
		}); err != nil {
			config.LogError(e.logger, "engine.go", "syncOne", "mark conflict", txn.OfflineId, err)
		}
	case outcome.err != nil:
		syncErr := *outcome.err
		if syncErr.Retryable && syncErr.Code != syncErrVoiceAuthWait && txn.SyncAttempts+1 >= e.maxAttempts {
			// Retry budget exhausted: stop retrying silently and surface the
			// row through the attention listing instead. Waiting on a voice
			// authorization code is exempt: it is an operator hold, not a
			// transport failure, and must stay queued however many passes go
			// by before the code is entered.
			syncErr.Retryable = false
			syncErr.Message = fmt.Sprintf("%s (after %d attempts)", syncErr.Message, txn.SyncAttempts+1)
		}
		if syncErr.Code == syncErrDeclined {
			summary.Declined++
			counters.Declined++
		}
		e.fail(ctx, txn, summary, counters, syncErr)
	default:
		summary.Synced++
		counters.Synced++
		if _, err := e.store.Mark(ctx, txn.OfflineId, models.SyncStatusSynced, MarkOptions{ServerId: outcome.serverId}); err != nil {
			config.LogError(e.logger, "engine.go", "syncOne", "mark synced", txn.OfflineId, err)
		}
	}
}

func (e *Engine) fail(ctx context.Context, txn *models.OfflineTransaction, summary *PassSummary, counters *KindCounters, syncErr SyncError) {
	syncErr.OfflineId = txn.OfflineId
	syncErr.Kind = txn.Kind
	syncErr.SequenceNumber = txn.SequenceNumber
	summary.Failed++
	counters.Failed++
	summary.Errors = append(summary.Errors, syncErr)

	retryable := syncErr.Retryable
	cause := syncErr.Cause
	if cause == nil {
		cause = errors.New(syncErr.Message)
	}
	if _, err := e.store.Mark(ctx, txn.OfflineId, models.SyncStatusFailed, MarkOptions{
		Error:     fmt.Errorf("%s: %w", syncErr.Code, cause),
		ErrorCode: syncErr.Code,
		Retryable: &retryable,
	}); err != nil {
		config.LogError(e.logger, "engine.go", "fail", "mark failed", txn.OfflineId, err)
	}
}

type syncOutcome struct {
	serverId string
	conflict models.ConflictType
	details  string
	err      *SyncError
}

// applyCreate pushes a record whose duplicate on the server is a conflict
// (orders and refunds: a second commit would double-charge or double-book).
func (e *Engine) applyCreate(ctx context.Context, txn *models.OfflineTransaction, dup models.ConflictType) syncOutcome {
	if txn.ForceOverwrite {
		serverId, err := e.server.Overwrite(ctx, txn.Kind, txn.OfflineId, txn.PayloadJSON)
		if err != nil {
			return transportFailure(err)
		}
		return syncOutcome{serverId: serverId}
	}
	created, serverId, err := e.server.CreateIfAbsent(ctx, txn.Kind, txn.OfflineId, txn.PayloadJSON)
	if err != nil {
		return transportFailure(err)
	}
	if !created {
		return syncOutcome{
			conflict: dup,
			details:  fmt.Sprintf("server already holds record %s for offline_id %s", serverId, txn.OfflineId),
		}
	}
	return syncOutcome{serverId: serverId}
}

// applyIdempotent pushes a naturally idempotent record: a duplicate means an
// earlier attempt already landed, so it reads as success, not conflict.
func (e *Engine) applyIdempotent(ctx context.Context, txn *models.OfflineTransaction) syncOutcome {
	created, serverId, err := e.server.CreateIfAbsent(ctx, txn.Kind, txn.OfflineId, txn.PayloadJSON)
	if err != nil {
		return transportFailure(err)
	}
	_ = created
	return syncOutcome{serverId: serverId}
}

func (e *Engine) applyPayment(ctx context.Context, txn *models.OfflineTransaction) syncOutcome {
	decoded, err := models.DecodePayload(txn.Kind, txn.PayloadJSON)
	if err != nil {
		return syncOutcome{err: &SyncError{Code: syncErrBadPayload, Message: err.Error(), Retryable: false}}
	}
	payment := decoded.(*models.PaymentPayload)

	if payment.StoreAndForward() {
		card := payment.Card
		if card.RequiresVoiceAuth && card.VoiceAuthCode == "" {
			return syncOutcome{err: &SyncError{
				Code:      syncErrVoiceAuthWait,
				Message:   "over-floor payment awaiting voice authorization code",
				Retryable: true,
			}}
		}

		// Decrypt only here, immediately before the gateway call, and drop
		// the plaintext right after.
		cardJSON, err := e.cipher.Decrypt(card.CardBlobEnc)
		if err != nil {
			return syncOutcome{err: &SyncError{Code: syncErrCardDecrypt, Message: err.Error(), Retryable: false}}
		}
		var details CardDetails
		err = json.Unmarshal(cardJSON, &details)
		Zero(cardJSON)
		if err != nil {
			return syncOutcome{err: &SyncError{Code: syncErrCardDecode, Message: err.Error(), Retryable: false}}
		}

		result, err := e.gateway.Authorize(ctx, details, payment.Amount)
		details = CardDetails{}
		if err != nil {
			return transportFailure(err)
		}
		if !result.Approved {
			// A post-hoc decline is a business outcome: the register already
			// accepted the money, so the operator must follow up. Never
			// silently retried.
			return syncOutcome{err: &SyncError{
				Code:      syncErrDeclined,
				Message:   result.DeclineReason,
				Retryable: false,
				Cause:     fmt.Errorf("%w: %s", utils.ErrorDeclined, result.DeclineReason),
			}}
		}
	}

	if txn.ForceOverwrite {
		serverId, err := e.server.Overwrite(ctx, txn.Kind, txn.OfflineId, txn.PayloadJSON)
		if err != nil {
			return transportFailure(err)
		}
		return syncOutcome{serverId: serverId}
	}
	created, serverId, err := e.server.CreateIfAbsent(ctx, txn.Kind, txn.OfflineId, txn.PayloadJSON)
	if err != nil {
		return transportFailure(err)
	}
	if !created {
		return syncOutcome{
			conflict: models.ConflictTypeDuplicatePayment,
			details:  fmt.Sprintf("server already holds payment %s for offline_id %s", serverId, txn.OfflineId),
		}
	}
	return syncOutcome{serverId: serverId}
}

func transportFailure(err error) syncOutcome {
	return syncOutcome{err: &SyncError{
		Code:      syncErrTransport,
		Message:   err.Error(),
		Retryable: true,
		Cause:     fmt.Errorf("%w: %v", utils.ErrorTransport, err),
	}}
}

func (e *Engine) recordPass(ctx context.Context, summary *PassSummary) {
	entry := models.ConnectivityLog{
		TerminalId:    summary.TerminalId,
		Event:         models.ConnectivityEventSyncPass,
		BacklogSize:   summary.Queued,
		SyncedCount:   summary.Synced,
		FailedCount:   summary.Failed,
		ConflictCount: summary.Conflicts,
	}
	if err := e.store.DB().WithContext(ctx).Create(&entry).Error; err != nil {
		config.LogError(e.logger, "engine.go", "recordPass", "create log entry", entry, err)
	}
}

// publishSummary pushes the pass summary to the auxiliary cloud when Pub/Sub
// is configured. Fire-and-forget: back-office dashboards want it, the
// terminal does not depend on it.
func (e *Engine) publishSummary(summary *PassSummary) {
	topicName := strings.TrimSpace(os.Getenv("POS_SYNC_TOPIC"))
	if topicName == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := config.GetClient(ctx)
	if err != nil {
		config.LogError(e.logger, "engine.go", "publishSummary", "pubsub client", nil, err)
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	res := client.Topic(topicName).Publish(ctx, &pubsub.Message{Data: data})
	if _, err := res.Get(ctx); err != nil {
		config.LogError(e.logger, "engine.go", "publishSummary", "publish", summary.TerminalId, err)
	}
}
