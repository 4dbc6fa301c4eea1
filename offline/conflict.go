package offline

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/mmdatafocus/pos_terminal/models"
	"bitbucket.org/mmdatafocus/pos_terminal/utils"
)

// Resolver is the only way a transaction leaves conflict state. Automatic
// retry never picks a conflict row up; an operator (or a policy acting as
// one) must decide between the local and the server version.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve applies one of the three resolution actions:
//
//   - keep_local: the local payload wins. Back to pending with the overwrite
//     flag set, so the next pass replaces server state instead of tripping
//     the duplicate check again.
//   - keep_server: server state wins. Marked synced without applying; the
//     discard is recorded in the conflict details.
//   - merge: an operator-supplied payload replaces the local one (hash
//     recomputed) and goes back to pending for a fresh attempt.
//
// Every path records resolution_type, resolved_by and resolved_at and clears
// has_conflict; a resolved row is never revisited automatically.
func (r *Resolver) Resolve(ctx context.Context, offlineId string, resolution models.ResolutionType, resolvedBy string, mergedPayload any) (*models.OfflineTransaction, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution %q", utils.ErrorValidation, resolution)
	}
	if resolvedBy == "" {
		return nil, fmt.Errorf("%w: resolved_by is required", utils.ErrorValidation)
	}

	txn, err := r.store.Get(ctx, offlineId)
	if err != nil {
		return nil, err
	}
	if txn.SyncStatus != models.SyncStatusConflict || !txn.HasConflict {
		return nil, fmt.Errorf("%w: transaction %s is not in conflict", utils.ErrorInvalidTransition, offlineId)
	}

	switch resolution {
	case models.ResolutionTypeKeepLocal:
		return r.store.Mark(ctx, offlineId, models.SyncStatusPending, MarkOptions{
			resolution:     resolution,
			resolvedBy:     resolvedBy,
			forceOverwrite: true,
		})

	case models.ResolutionTypeKeepServer:
		return r.store.Mark(ctx, offlineId, models.SyncStatusSynced, MarkOptions{
			resolution:      resolution,
			resolvedBy:      resolvedBy,
			ConflictDetails: txn.ConflictDetails + "; local copy discarded in favor of server state",
		})

	case models.ResolutionTypeMerge:
		if mergedPayload == nil {
			return nil, fmt.Errorf("%w: merge requires a merged payload", utils.ErrorValidation)
		}
		mergedJSON, err := json.Marshal(mergedPayload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", utils.ErrorValidation, err)
		}
		// Reject merged payloads that do not decode as the transaction's kind.
		if _, err := models.DecodePayload(txn.Kind, mergedJSON); err != nil {
			return nil, fmt.Errorf("%w: merged payload does not match kind %s: %v", utils.ErrorValidation, txn.Kind, err)
		}
		return r.store.Mark(ctx, offlineId, models.SyncStatusPending, MarkOptions{
			resolution: resolution,
			resolvedBy: resolvedBy,
			mergedJSON: mergedJSON,
		})
	}
	return nil, fmt.Errorf("%w: unknown resolution %q", utils.ErrorValidation, resolution)
}
