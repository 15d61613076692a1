package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-appointments/internal/calendar"
	appconfig "github.com/wolfman30/clinic-appointments/internal/config"
	"github.com/wolfman30/clinic-appointments/internal/risk"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildCalendar returns the Redis-backed clinic calendar, or the built-in
// Monday to Saturday schedule when Redis is unavailable.
func BuildCalendar(redisClient *redis.Client, cfg *appconfig.Config) calendar.Calendar {
	if redisClient == nil {
		return calendar.DefaultSchedule(cfg.ClinicID, cfg.ClinicTimezone)
	}
	return calendar.NewStoreCalendar(calendar.NewStore(redisClient, cfg.ClinicTimezone), cfg.ClinicID)
}

// BuildIPIndex returns the Redis IP block index. A nil result makes the risk
// tracker answer from Postgres.
func BuildIPIndex(redisClient *redis.Client) risk.IPIndex {
	if redisClient == nil {
		return nil
	}
	return risk.NewRedisIPIndex(redisClient)
}

// BuildRiskPolicy maps the risk settings onto a policy.
func BuildRiskPolicy(cfg *appconfig.Config) risk.Policy {
	policy := risk.DefaultPolicy()
	if cfg == nil {
		return policy
	}
	if cfg.RiskWarnAtCount > 0 {
		policy.WarnAtCount = cfg.RiskWarnAtCount
	}
	if cfg.RiskBlockAtCount > 0 {
		policy.BlockAtCount = cfg.RiskBlockAtCount
	}
	if cfg.RiskAdminAlertAtCount > 0 {
		policy.AdminAlertAtCount = cfg.RiskAdminAlertAtCount
	}
	policy.BlockType = risk.ParseBlockType(cfg.RiskBlockType)
	return policy
}
