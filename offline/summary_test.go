package offline

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_terminal/models"
)

func TestDailySummaryAggregatesByKind(t *testing.T) {
	server := newFakeServer()
	gateway := &fakeGateway{result: GatewayResult{Approved: false, DeclineReason: "do not honor"}}
	store, engine := newTestEngine(t, server, gateway)
	auth := NewAuthorizer(testCipher(t))
	ctx := context.Background()

	mustEnqueue(t, store, "terminal-1", models.TransactionKindOrder, testOrder(1))
	mustEnqueue(t, store, "terminal-1", models.TransactionKindOrder, testOrder(2))
	mustEnqueue(t, store, "terminal-1", models.TransactionKindPayment, cashPayment(7.00))

	amount := decimal.NewFromFloat(25.00)
	card, err := auth.Authorize("terminal-1", futureCard("4111111111111111"), amount)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	declined := mustEnqueue(t, store, "terminal-1", models.TransactionKindPayment, models.PaymentPayload{
		Amount: amount,
		Method: "card",
		Card:   card,
	})

	if _, err := engine.SyncPass(ctx, "terminal-1", models.SyncTriggeredManual); err != nil {
		t.Fatalf("SyncPass: %v", err)
	}

	summary, err := DailySummary(ctx, store, "terminal-1", time.Now())
	if err != nil {
		t.Fatalf("DailySummary: %v", err)
	}
	if summary.Captured != 4 {
		t.Fatalf("captured = %d, want 4", summary.Captured)
	}
	if summary.Backlog != 0 {
		t.Fatalf("backlog = %d: declined payments must not count as retryable backlog", summary.Backlog)
	}

	orders := summary.Kinds[models.TransactionKindOrder]
	if orders == nil || orders.Captured != 2 || orders.Synced != 2 {
		t.Fatalf("order summary = %+v", orders)
	}
	if !orders.Amount.Equal(decimal.NewFromFloat(7.00)) {
		t.Fatalf("order amount = %s, want 7.00", orders.Amount)
	}

	payments := summary.Kinds[models.TransactionKindPayment]
	if payments == nil || payments.Captured != 2 || payments.Synced != 1 || payments.Failed != 1 {
		t.Fatalf("payment summary = %+v", payments)
	}
	if !payments.Amount.Equal(decimal.NewFromFloat(32.00)) {
		t.Fatalf("payment amount = %s, want 32.00", payments.Amount)
	}

	if len(summary.Declined) != 1 {
		t.Fatalf("declined = %+v", summary.Declined)
	}
	if summary.Declined[0].OfflineId != declined.OfflineId || summary.Declined[0].LastFour != "1111" {
		t.Fatalf("declined entry = %+v", summary.Declined[0])
	}
	if !summary.Declined[0].Amount.Equal(amount) {
		t.Fatalf("declined amount = %s", summary.Declined[0].Amount)
	}

	// Another day is empty.
	yesterday, err := DailySummary(ctx, store, "terminal-1", time.Now().AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("DailySummary yesterday: %v", err)
	}
	if yesterday.Captured != 0 {
		t.Fatalf("yesterday captured = %d", yesterday.Captured)
	}
}

func TestExportXLSX(t *testing.T) {
	summary := &OfflineSummary{
		TerminalId: "terminal-1",
		Date:       "2026-08-30",
		Captured:   3,
		Backlog:    1,
		Kinds: map[models.TransactionKind]*KindSummary{
			models.TransactionKindOrder: {Captured: 2, Synced: 2, Amount: decimal.NewFromFloat(19.90)},
		},
		Declined: []DeclinedPayment{
			{OfflineId: "abc", Amount: decimal.NewFromFloat(25.00), LastFour: "1111", Reason: "declined: do not honor"},
		},
	}

	f, err := ExportXLSX(summary)
	if err != nil {
		t.Fatalf("ExportXLSX: %v", err)
	}
	defer f.Close()

	got, err := f.GetCellValue("Offline Summary", "B1")
	if err != nil {
		t.Fatalf("GetCellValue: %v", err)
	}
	if got != "terminal-1" {
		t.Fatalf("B1 = %q, want terminal id", got)
	}
	rows, err := f.GetRows("Offline Summary")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) < 8 {
		t.Fatalf("sheet too short: %d rows", len(rows))
	}
}
