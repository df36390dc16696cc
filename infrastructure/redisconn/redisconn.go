// Package redisconn builds the single go-redis client shared by the
// velocity counter and the outbox's Redis Streams backend.
package redisconn

import (
	"time"

	"github.com/go-redis/redis/v8"
)

// Config describes how to reach the remote KV.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New builds a *redis.Client with a pool of cfg.PoolSize connections,
// 50 when unset. New does not read max_concurrent itself; the caller in
// cmd/appserver raises PoolSize to at least max_concurrent (spec §5).
func New(cfg Config) *redis.Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 50
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 100 * time.Millisecond
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}
