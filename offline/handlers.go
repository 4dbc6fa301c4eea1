package offline

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_terminal/config"
	"bitbucket.org/mmdatafocus/pos_terminal/models"
	"bitbucket.org/mmdatafocus/pos_terminal/utils"
)

// Service bundles the offline components behind the terminal's local HTTP
// surface. The HTTP layer is deliberately thin: capture handlers acknowledge
// as soon as the local store has the row, exactly like the register keys.
type Service struct {
	Store      *Store
	Engine     *Engine
	Authorizer *Authorizer
	Resolver   *Resolver

	mu       sync.Mutex
	monitors map[string]*Monitor
}

func NewService(store *Store, engine *Engine, authorizer *Authorizer, resolver *Resolver) *Service {
	return &Service{
		Store:      store,
		Engine:     engine,
		Authorizer: authorizer,
		Resolver:   resolver,
		monitors:   map[string]*Monitor{},
	}
}

func (s *Service) RegisterMonitor(terminalId string, monitor *Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[terminalId] = monitor
}

func (s *Service) monitor(terminalId string) *Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitors[terminalId]
}

// RegisterRoutes mounts the terminal API under /pos.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	pos := r.Group("/pos")
	pos.POST("/enqueue/order", s.enqueueOrder())
	pos.POST("/enqueue/payment", s.enqueuePayment())
	pos.POST("/enqueue/void", enqueueSimple[models.VoidPayload](s, models.TransactionKindVoid))
	pos.POST("/enqueue/refund", enqueueSimple[models.RefundPayload](s, models.TransactionKindRefund))
	pos.POST("/enqueue/inventory", enqueueSimple[models.InventoryAdjustmentPayload](s, models.TransactionKindInventoryAdjustment))
	pos.POST("/enqueue/timecard", enqueueSimple[models.TimecardPayload](s, models.TransactionKindTimecard))
	pos.POST("/enqueue/cashdrawer", enqueueSimple[models.CashDrawerPayload](s, models.TransactionKindCashDrawer))

	pos.GET("/connectivity/:terminalId", s.connectivityStatus())
	pos.POST("/sync/:terminalId", s.triggerSync())
	pos.GET("/queue/:terminalId", s.listQueue())
	pos.GET("/conflicts/:terminalId", s.listConflicts())
	pos.POST("/conflicts/:offlineId/resolve", s.resolveConflict())
	pos.POST("/payments/:offlineId/voice-auth", s.recordVoiceAuth())
	pos.GET("/summary/:terminalId", s.dailySummary())
}

type enqueueResponse struct {
	OfflineId      string `json:"offline_id"`
	SequenceNumber int64  `json:"sequence_number"`
	SyncStatus     string `json:"sync_status"`
}

func bindError(c *gin.Context, err error) {
	if fields := utils.ProcessValidationErrors(err); fields != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func captureError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrorValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorCapture):
		// A capture failure means the local disk rejected a sale. Fatal for
		// the operation and loud for the operator.
		config.GetLogger().WithFields(logrus.Fields{
			"module":         "handlers.go",
			"correlation_id": utils.GetCorrelationIdFromContext(c.Request.Context()),
		}).Error(err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "fatal": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type orderRequest struct {
	TerminalId string              `json:"terminal_id" binding:"required"`
	Order      models.OrderPayload `json:"order" binding:"required"`
}

func (s *Service) enqueueOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		if req.Order.PlacedAt.IsZero() {
			req.Order.PlacedAt = time.Now()
		}
		txn, err := s.Store.Enqueue(c.Request.Context(), req.TerminalId, models.TransactionKindOrder, req.Order)
		if err != nil {
			captureError(c, err)
			return
		}
		c.JSON(http.StatusCreated, enqueueResponse{
			OfflineId:      txn.OfflineId,
			SequenceNumber: txn.SequenceNumber,
			SyncStatus:     string(txn.SyncStatus),
		})
	}
}

type paymentRequest struct {
	TerminalId     string          `json:"terminal_id" binding:"required"`
	OrderOfflineId string          `json:"order_offline_id"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	TipAmount      decimal.Decimal `json:"tip_amount"`
	Method         string          `json:"method" binding:"required,oneof=cash card"`
	Card           *struct {
		Number   string `json:"number" binding:"required"`
		ExpMonth int    `json:"exp_month" binding:"required"`
		ExpYear  int    `json:"exp_year" binding:"required"`
		CVV      string `json:"cvv" binding:"required"`
		Holder   string `json:"holder"`
	} `json:"card"`
}

type paymentResponse struct {
	enqueueResponse
	OfflineAuthorizationCode string `json:"offline_authorization_code,omitempty"`
	RequiresVoiceAuth        bool   `json:"requires_voice_auth,omitempty"`
}

func (s *Service) enqueuePayment() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req paymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		if req.Method == "card" && req.Card == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "card payment requires card details"})
			return
		}

		payload := models.PaymentPayload{
			OrderOfflineId: req.OrderOfflineId,
			Amount:         req.Amount,
			TipAmount:      req.TipAmount,
			Method:         req.Method,
		}
		if req.Card != nil {
			// Local store-and-forward authorization. A validation failure is
			// a decline at capture: nothing is queued.
			auth, err := s.Authorizer.Authorize(req.TerminalId, CardDetails{
				Number:   req.Card.Number,
				ExpMonth: req.Card.ExpMonth,
				ExpYear:  req.Card.ExpYear,
				CVV:      req.Card.CVV,
				Holder:   req.Card.Holder,
			}, req.Amount)
			if err != nil {
				captureError(c, err)
				return
			}
			payload.Card = auth
		}

		txn, err := s.Store.Enqueue(c.Request.Context(), req.TerminalId, models.TransactionKindPayment, payload)
		if err != nil {
			captureError(c, err)
			return
		}
		resp := paymentResponse{enqueueResponse: enqueueResponse{
			OfflineId:      txn.OfflineId,
			SequenceNumber: txn.SequenceNumber,
			SyncStatus:     string(txn.SyncStatus),
		}}
		if payload.Card != nil {
			resp.OfflineAuthorizationCode = payload.Card.OfflineAuthorizationCode
			resp.RequiresVoiceAuth = payload.Card.RequiresVoiceAuth
		}
		c.JSON(http.StatusCreated, resp)
	}
}

type simpleRequest[P any] struct {
	TerminalId string `json:"terminal_id" binding:"required"`
	Payload    P      `json:"payload" binding:"required"`
}

func enqueueSimple[P any](s *Service, kind models.TransactionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req simpleRequest[P]
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		txn, err := s.Store.Enqueue(c.Request.Context(), req.TerminalId, kind, req.Payload)
		if err != nil {
			captureError(c, err)
			return
		}
		c.JSON(http.StatusCreated, enqueueResponse{
			OfflineId:      txn.OfflineId,
			SequenceNumber: txn.SequenceNumber,
			SyncStatus:     string(txn.SyncStatus),
		})
	}
}

func (s *Service) connectivityStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		terminalId := c.Param("terminalId")
		monitor := s.monitor(terminalId)
		if monitor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no monitor registered for terminal"})
			return
		}
		mode, probes := monitor.Status()
		backlog, _ := s.Store.BacklogSize(c.Request.Context(), terminalId)
		last, _ := models.LatestModeChange(c.Request.Context(), s.Store.DB(), terminalId)
		c.JSON(http.StatusOK, gin.H{
			"terminal_id": terminalId,
			"mode":        mode,
			"probes":      probes,
			"backlog":     backlog,
			"last_change": last,
		})
	}
}

func (s *Service) triggerSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		terminalId := c.Param("terminalId")
		force := strings.EqualFold(c.Query("force"), "true")

		if !force {
			monitor := s.monitor(terminalId)
			if monitor == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "no monitor registered for terminal"})
				return
			}
			if mode, _ := monitor.Status(); !mode.AllowsSync() {
				c.JSON(http.StatusConflict, gin.H{"error": "terminal mode does not allow sync", "mode": mode})
				return
			}
		}

		summary, err := s.Engine.SyncPass(c.Request.Context(), terminalId, models.SyncTriggeredManual)
		if err != nil {
			if errors.Is(err, utils.ErrorSyncInProgress) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func (s *Service) listQueue() gin.HandlerFunc {
	return func(c *gin.Context) {
		txns, err := s.Store.ListQueue(c.Request.Context(), c.Param("terminalId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": txns})
	}
}

func (s *Service) listConflicts() gin.HandlerFunc {
	return func(c *gin.Context) {
		terminalId := c.Param("terminalId")
		conflicts, err := s.Store.ListConflicts(c.Request.Context(), terminalId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		attention, err := s.Store.ListAttention(c.Request.Context(), terminalId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "attention": attention})
	}
}

type resolveRequest struct {
	Resolution    models.ResolutionType `json:"resolution" binding:"required"`
	ResolvedBy    string                `json:"resolved_by" binding:"required"`
	MergedPayload map[string]any        `json:"merged_payload"`
}

func (s *Service) resolveConflict() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		var merged any
		if req.MergedPayload != nil {
			merged = req.MergedPayload
		}
		txn, err := s.Resolver.Resolve(c.Request.Context(), c.Param("offlineId"), req.Resolution, req.ResolvedBy, merged)
		if err != nil {
			captureError(c, err)
			return
		}
		c.JSON(http.StatusOK, txn)
	}
}

type voiceAuthRequest struct {
	VoiceAuthCode string `json:"voice_auth_code" binding:"required"`
	EnteredBy     string `json:"entered_by"`
}

func (s *Service) recordVoiceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req voiceAuthRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		offlineId := c.Param("offlineId")

		txn, err := s.Store.Get(c.Request.Context(), offlineId)
		if err != nil {
			captureError(c, err)
			return
		}
		if txn.Kind != models.TransactionKindPayment {
			c.JSON(http.StatusBadRequest, gin.H{"error": "voice auth applies to payments only"})
			return
		}
		decoded, err := models.DecodePayload(txn.Kind, txn.PayloadJSON)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		payment := decoded.(*models.PaymentPayload)
		if payment.Card == nil || !payment.Card.RequiresVoiceAuth {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payment does not require voice authorization"})
			return
		}
		payment.Card.VoiceAuthCode = req.VoiceAuthCode

		updated, err := s.Store.UpdatePayload(c.Request.Context(), offlineId, payment)
		if err != nil {
			captureError(c, err)
			return
		}
		if updated.SyncStatus == models.SyncStatusFailed {
			// The payment may have burned its retry budget waiting for this
			// code. Re-arm it so the next pass picks it up.
			updated, err = s.Store.Mark(c.Request.Context(), offlineId, models.SyncStatusPending, MarkOptions{})
			if err != nil {
				captureError(c, err)
				return
			}
		}
		c.JSON(http.StatusOK, updated)
	}
}

func (s *Service) dailySummary() gin.HandlerFunc {
	return func(c *gin.Context) {
		terminalId := c.Param("terminalId")
		date := time.Now()
		if v := c.Query("date"); v != "" {
			parsed, err := time.ParseInLocation("2006-01-02", v, time.Local)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
			date = parsed
		}

		summary, err := DailySummary(c.Request.Context(), s.Store, terminalId, date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if strings.EqualFold(c.Query("format"), "xlsx") {
			file, err := ExportXLSX(summary)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.Header("Content-Disposition", `attachment; filename="offline-summary-`+summary.Date+`.xlsx"`)
			c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
			if err := file.Write(c.Writer); err != nil {
				c.Status(http.StatusInternalServerError)
			}
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}
