package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const blockedIPKeyPrefix = "risk:blocked_ip:"

// IPIndex answers "which patients have blocked this IP". IP blocks are
// global: one patient's block stops bookings from any patient on that IP.
type IPIndex interface {
	Add(ctx context.Context, ip, patientID string) error
	Remove(ctx context.Context, ip, patientID string) error
	BlockedBy(ctx context.Context, ip string) ([]string, error)
}

// RedisIPIndex keeps one set of patient IDs per blocked IP.
type RedisIPIndex struct {
	client *redis.Client
	tracer trace.Tracer
}

// NewRedisIPIndex creates a Redis-backed index.
func NewRedisIPIndex(client *redis.Client) *RedisIPIndex {
	return &RedisIPIndex{client: client, tracer: otel.Tracer("clinic.internal.risk.ipindex")}
}

// WithTracer overrides the tracer.
func (x *RedisIPIndex) WithTracer(tracer trace.Tracer) *RedisIPIndex {
	if tracer != nil {
		x.tracer = tracer
	}
	return x
}

// Add records that patientID blocked ip.
func (x *RedisIPIndex) Add(ctx context.Context, ip, patientID string) error {
	if err := x.client.SAdd(ctx, blockedIPKey(ip), patientID).Err(); err != nil {
		return fmt.Errorf("risk: index add: %w", err)
	}
	return nil
}

// Remove drops patientID from ip's set.
func (x *RedisIPIndex) Remove(ctx context.Context, ip, patientID string) error {
	if err := x.client.SRem(ctx, blockedIPKey(ip), patientID).Err(); err != nil {
		return fmt.Errorf("risk: index remove: %w", err)
	}
	return nil
}

// BlockedBy lists the patients blocking ip.
func (x *RedisIPIndex) BlockedBy(ctx context.Context, ip string) ([]string, error) {
	ctx, span := x.tracer.Start(ctx, "risk.ip_index.lookup")
	defer span.End()
	ids, err := x.client.SMembers(ctx, blockedIPKey(ip)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("risk: index lookup: %w", err)
	}
	span.SetAttributes(attribute.Int("clinic.blocking_patients", len(ids)))
	return ids, nil
}

// Rebuild replaces the whole index with entries.
func (x *RedisIPIndex) Rebuild(ctx context.Context, entries map[string][]string) error {
	ctx, span := x.tracer.Start(ctx, "risk.ip_index.rebuild")
	defer span.End()
	span.SetAttributes(attribute.Int("clinic.blocked_ips", len(entries)))

	var stale []string
	var cursor uint64
	for {
		keys, next, err := x.client.Scan(ctx, cursor, blockedIPKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("risk: scan index: %w", err)
		}
		stale = append(stale, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	pipe := x.client.TxPipeline()
	if len(stale) > 0 {
		pipe.Del(ctx, stale...)
	}
	for ip, patients := range entries {
		if len(patients) == 0 {
			continue
		}
		members := make([]interface{}, len(patients))
		for i, p := range patients {
			members[i] = p
		}
		pipe.SAdd(ctx, blockedIPKey(ip), members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("risk: rebuild index: %w", err)
	}
	return nil
}

func blockedIPKey(ip string) string {
	return blockedIPKeyPrefix + strings.TrimSpace(ip)
}

// StoreIPIndex answers lookups straight from patient_managers. Writes are
// no-ops because the block row itself is the index entry.
type StoreIPIndex struct {
	store *Store
}

// NewStoreIPIndex creates a Postgres-backed index.
func NewStoreIPIndex(store *Store) *StoreIPIndex {
	return &StoreIPIndex{store: store}
}

// Add implements IPIndex.
func (*StoreIPIndex) Add(context.Context, string, string) error { return nil }

// Remove implements IPIndex.
func (*StoreIPIndex) Remove(context.Context, string, string) error { return nil }

// BlockedBy implements IPIndex.
func (x *StoreIPIndex) BlockedBy(ctx context.Context, ip string) ([]string, error) {
	return x.store.PatientsBlockingIP(ctx, ip)
}
