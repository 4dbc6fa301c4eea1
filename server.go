package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_terminal/config"
	"bitbucket.org/mmdatafocus/pos_terminal/models"
	"bitbucket.org/mmdatafocus/pos_terminal/offline"
	"bitbucket.org/mmdatafocus/pos_terminal/utils"
)

const defaultPort = "8080"

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func terminalIDs() []string {
	raw := strings.TrimSpace(os.Getenv("POS_TERMINAL_IDS"))
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv("POS_TERMINAL_ID"))
	}
	if raw == "" {
		raw = "terminal-1"
	}
	return splitAndTrim(raw)
}

func main() {
	port := os.Getenv("POS_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP listener ASAP; captures are gated on the local store
	// being open, not on any network dependency.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	r.Use(cors.New(corsConfig))
	r.Use(gin.Recovery())

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Open the local store after the port is open, then migrate. The store is
	// a sqlite file on this terminal; migration is cheap and local.
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if err := models.Migrate(db); err != nil {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
	}

	cipher, err := offline.CipherFromEnv()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "card cipher"}).Panic(err.Error())
	}
	backend, err := offline.NewBackendClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "backend client"}).Panic(err.Error())
	}

	store := offline.NewStore(db)
	engine := offline.NewEngine(store, backend, backend, cipher)
	authorizer := offline.NewAuthorizer(cipher)
	resolver := offline.NewResolver(store)
	service := offline.NewService(store, engine, authorizer, resolver)
	service.RegisterRoutes(r)

	// One connectivity monitor per terminal served by this process. Each
	// runs its own probe loop and kicks the sync engine on recovery.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	probes := offline.ProbesFromEnv()
	for _, terminalId := range terminalIDs() {
		monitor := offline.NewMonitor(store, terminalId, probes, engine.TriggerSync)
		service.RegisterMonitor(terminalId, monitor)
		go monitor.Run(workerCtx)
	}

	config.LogInfo(logger, "server.go", "main", "startup", map[string]any{
		"port":      port,
		"terminals": terminalIDs(),
	}, "pos terminal ready")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop the monitors and any running sync pass; the engine stops between
	// transactions, so nothing is left half-applied.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("shutdown: " + err.Error())
	}
}
