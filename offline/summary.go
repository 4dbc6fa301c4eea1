package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"bitbucket.org/mmdatafocus/pos_terminal/models"
)

// KindSummary aggregates one transaction kind for the daily report.
type KindSummary struct {
	Captured int             `json:"captured"`
	Synced   int             `json:"synced"`
	Pending  int             `json:"pending"`
	Failed   int             `json:"failed"`
	Conflict int             `json:"conflict"`
	Amount   decimal.Decimal `json:"amount"`
}

// DeclinedPayment is a store-and-forward payment the gateway rejected after
// the register already accepted it. Flagged prominently: money changed hands.
type DeclinedPayment struct {
	OfflineId string          `json:"offline_id"`
	Amount    decimal.Decimal `json:"amount"`
	LastFour  string          `json:"last_four,omitempty"`
	Reason    string          `json:"reason"`
}

// OfflineSummary is the end-of-day view of one terminal's offline activity.
type OfflineSummary struct {
	TerminalId string                                  `json:"terminal_id"`
	Date       string                                  `json:"date"`
	Captured   int                                     `json:"captured"`
	Backlog    int                                     `json:"backlog"`
	Kinds      map[models.TransactionKind]*KindSummary `json:"kinds"`
	Declined   []DeclinedPayment                       `json:"declined"`
	Conflicts  int                                     `json:"conflicts"`
}

// DailySummary aggregates everything captured on a calendar date (terminal
// local time) plus the current backlog.
func DailySummary(ctx context.Context, store *Store, terminalId string, date time.Time) (*OfflineSummary, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	var txns []models.OfflineTransaction
	err := store.DB().WithContext(ctx).
		Where("terminal_id = ? AND created_at >= ? AND created_at < ?", terminalId, dayStart, dayEnd).
		Order("sequence_number ASC").
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	backlog, err := store.BacklogSize(ctx, terminalId)
	if err != nil {
		return nil, err
	}

	summary := &OfflineSummary{
		TerminalId: terminalId,
		Date:       dayStart.Format("2006-01-02"),
		Captured:   len(txns),
		Backlog:    backlog,
		Kinds:      map[models.TransactionKind]*KindSummary{},
	}

	for i := range txns {
		txn := &txns[i]
		ks, ok := summary.Kinds[txn.Kind]
		if !ok {
			ks = &KindSummary{}
			summary.Kinds[txn.Kind] = ks
		}
		ks.Captured++
		switch txn.SyncStatus {
		case models.SyncStatusSynced:
			ks.Synced++
		case models.SyncStatusPending, models.SyncStatusSyncing:
			ks.Pending++
		case models.SyncStatusFailed:
			ks.Failed++
		case models.SyncStatusConflict:
			ks.Conflict++
			summary.Conflicts++
		}

		decoded, err := models.DecodePayload(txn.Kind, txn.PayloadJSON)
		if err != nil {
			continue
		}
		switch p := decoded.(type) {
		case *models.OrderPayload:
			ks.Amount = ks.Amount.Add(p.TotalAmount)
		case *models.PaymentPayload:
			ks.Amount = ks.Amount.Add(p.Amount)
			if txn.SyncStatus == models.SyncStatusFailed && txn.LastErrorCode == syncErrDeclined {
				declined := DeclinedPayment{
					OfflineId: txn.OfflineId,
					Amount:    p.Amount,
				}
				if txn.LastError != nil {
					declined.Reason = *txn.LastError
				}
				if p.Card != nil {
					declined.LastFour = p.Card.LastFour
				}
				summary.Declined = append(summary.Declined, declined)
			}
		case *models.RefundPayload:
			ks.Amount = ks.Amount.Add(p.Amount)
		}
	}
	return summary, nil
}

// ExportXLSX renders the daily summary as a spreadsheet for the end-of-day
// till report.
func ExportXLSX(summary *OfflineSummary) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := "Offline Summary"
	f.SetSheetName("Sheet1", sheet)

	rows := [][]interface{}{
		{"Terminal", summary.TerminalId},
		{"Date", summary.Date},
		{"Captured", summary.Captured},
		{"Backlog", summary.Backlog},
		{"Conflicts", summary.Conflicts},
		{},
		{"Kind", "Captured", "Synced", "Pending", "Failed", "Conflict", "Amount"},
	}
	for kind, ks := range summary.Kinds {
		rows = append(rows, []interface{}{
			string(kind), ks.Captured, ks.Synced, ks.Pending, ks.Failed, ks.Conflict, ks.Amount.StringFixed(2),
		})
	}
	if len(summary.Declined) > 0 {
		rows = append(rows, []interface{}{}, []interface{}{"Declined payments (follow up required)"})
		rows = append(rows, []interface{}{"Offline ID", "Amount", "Last four", "Reason"})
		for _, d := range summary.Declined {
			rows = append(rows, []interface{}{d.OfflineId, d.Amount.StringFixed(2), d.LastFour, d.Reason})
		}
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write summary row %d: %w", i+1, err)
		}
	}
	return f, nil
}
