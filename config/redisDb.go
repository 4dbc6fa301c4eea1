package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisLock returns the distributed lock client, or nil when Redis is not
// configured. Callers must treat the lock as a best-effort optimization: the
// sync engine also serializes per terminal in-process, so correctness never
// depends on Redis being reachable.
func GetRedisLock() *redislock.Client {
	return locker
}

func init() {
	godotenv.Load()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		// A standalone terminal has no Redis; multi-lane sites that run several
		// terminal processes against one store set REDIS_ADDR on each.
		return
	}
	rdb = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Printf("redis configured but unreachable (%s): %v", addr, err)
	}
	locker = redislock.New(rdb)
}
