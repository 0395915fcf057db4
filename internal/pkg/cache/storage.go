package cache

import (
	"net"
	"strconv"

	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/billrecon/internal/pkg/env"
)

// limiterDatabase keeps rate-limit counters apart from locks and pub/sub on DB 0.
const limiterDatabase = 1

// NewLimiterStorage returns a fiber storage backed by the same Redis server
// as the cache client, used to share rate-limit counters between replicas.
func NewLimiterStorage() *redis.Storage {
	host, port, password := connectionParams()
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterDatabase,
		Reset:    false,
	})
}

func connectionParams() (string, int, string) {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port, err := strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	if err != nil {
		port = 6379
	}
	password := env.GetEnv("CACHE_PASSWORD", "")

	if client != nil {
		if h, p, err := net.SplitHostPort(client.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		// Prefer password from the underlying client if present
		if p := client.Options().Password; p != "" {
			password = p
		}
	}
	return host, port, password
}
