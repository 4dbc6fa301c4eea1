package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_terminal/models"
)

func newTestService(t *testing.T, server *fakeServer, gateway *fakeGateway) (*Store, *Engine, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, engine := newTestEngine(t, server, gateway)
	svc := NewService(store, engine, NewAuthorizer(testCipher(t)), NewResolver(store))
	router := gin.New()
	svc.RegisterRoutes(router)
	return store, engine, router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestVoiceAuthEntryRearmsFailedPayment(t *testing.T) {
	server := newFakeServer()
	gateway := &fakeGateway{result: GatewayResult{Approved: true, AuthCode: "GW-2"}}
	store, engine, router := newTestService(t, server, gateway)
	ctx := context.Background()

	amount := decimal.NewFromFloat(200.00)
	auth := NewAuthorizer(testCipher(t))
	card, err := auth.Authorize("terminal-1", futureCard("4111111111111111"), amount)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	txn := mustEnqueue(t, store, "terminal-1", models.TransactionKindPayment, models.PaymentPayload{
		Amount: amount,
		Method: "card",
		Card:   card,
	})

	if _, err := engine.SyncPass(ctx, "terminal-1", models.SyncTriggeredManual); err != nil {
		t.Fatalf("SyncPass: %v", err)
	}
	// Simulate a row that stopped retrying, e.g. one whose budget was burned
	// by transport failures while the operator was on the phone.
	err = store.DB().Model(&models.OfflineTransaction{}).
		Where("offline_id = ?", txn.OfflineId).
		Updates(map[string]interface{}{"retryable": false, "sync_attempts": 7}).Error
	if err != nil {
		t.Fatalf("park row: %v", err)
	}

	rec := postJSON(t, router, "/pos/payments/"+txn.OfflineId+"/voice-auth", voiceAuthRequest{
		VoiceAuthCode: "VA-553300",
		EnteredBy:     "manager-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("voice-auth status = %d, body %s", rec.Code, rec.Body)
	}

	got := mustGet(t, store, txn.OfflineId)
	if got.SyncStatus != models.SyncStatusPending || !got.Retryable {
		t.Fatalf("entering the code must re-arm the row, got %s retryable=%v", got.SyncStatus, got.Retryable)
	}
	if got.LastError != nil || got.LastErrorCode != "" {
		t.Fatalf("re-armed row must shed its stale error, got %v / %q", got.LastError, got.LastErrorCode)
	}

	summary, err := engine.SyncPass(ctx, "terminal-1", models.SyncTriggeredRetry)
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if summary.Synced != 1 {
		t.Fatalf("re-armed payment must sync: %+v", summary)
	}
	if gateway.callCount() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gateway.callCount())
	}
}

func TestVoiceAuthRejectsNonPaymentAndUnderFloor(t *testing.T) {
	server := newFakeServer()
	store, _, router := newTestService(t, server, &fakeGateway{})

	order := mustEnqueue(t, store, "terminal-1", models.TransactionKindOrder, testOrder(1))
	rec := postJSON(t, router, "/pos/payments/"+order.OfflineId+"/voice-auth", voiceAuthRequest{
		VoiceAuthCode: "VA-1", EnteredBy: "manager-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("order voice-auth status = %d", rec.Code)
	}

	cash := mustEnqueue(t, store, "terminal-1", models.TransactionKindPayment, cashPayment(5.00))
	rec = postJSON(t, router, "/pos/payments/"+cash.OfflineId+"/voice-auth", voiceAuthRequest{
		VoiceAuthCode: "VA-2", EnteredBy: "manager-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("cash voice-auth status = %d", rec.Code)
	}
}
