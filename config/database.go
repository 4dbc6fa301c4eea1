package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
	// Do NOT open the database in init(): the terminal process must start its
	// HTTP listener immediately even if the local disk is briefly unavailable.
}

// SetDB overrides the global handle. Used by tests running against a temp-file store.
func SetDB(override *gorm.DB) {
	db = override
}

// ConnectDatabaseWithRetry opens the terminal-local store and sets the global DB.
// Call this from main() AFTER the HTTP server is listening.
//
// The store is a single sqlite file on the terminal's own disk: captures must
// keep working with zero network dependency and must survive power-off while
// offline. POS_DB_PATH overrides the location (":memory:" is accepted for dev).
func ConnectDatabaseWithRetry() {
	dbPath := strings.TrimSpace(os.Getenv("POS_DB_PATH"))
	if dbPath == "" {
		dbPath = "pos_terminal.db"
	}

	// busy_timeout makes the capture path wait rather than fail when the sync
	// worker briefly holds the write lock; WAL lets reads proceed under writes.
	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

	var attempt int
	for {
		attempt++
		var err error
		db, err = gorm.Open(sqlite.Open(dsn), initConfig())
		if err == nil {
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				// sqlite allows one writer; a small pool avoids lock churn
				// between the capture path and the sync worker.
				maxOpen := intFromEnv("DB_MAX_OPEN_CONNS", 4)
				maxIdle := intFromEnv("DB_MAX_IDLE_CONNS", 2)
				if maxOpen > 0 {
					sqlDB.SetMaxOpenConns(maxOpen)
				}
				if maxIdle >= 0 {
					sqlDB.SetMaxIdleConns(maxIdle)
				}
			}

			if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
				log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
			}
			log.Printf("opened local transaction store at %s (attempt=%d)", dbPath, attempt)
			return
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to open local store (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// InitConfig Initialize Config
func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

// InitLog Connection Log Configuration
func initLog() logger.Interface {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
	return newLogger
}

// InitNamingStrategy Init NamingStrategy
func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
