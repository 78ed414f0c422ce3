package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/strata/pkg/observability"
)

// KeyValue adapts a Redis instance to the Backend interface. Tenant data is
// namespaced under a key prefix. The working set is the tenant's recently
// touched keys with their values; restoring it writes them back so first
// reads after a cold start hit warm data.
type KeyValue struct {
	client  *redis.Client
	prefix  string
	logger  *observability.Logger
	metrics *observability.Metrics
	limits  *limitsMap
	tracker *loadTracker
	ws      *workingSet
}

// KeyValueConfig configures the key-value backend.
type KeyValueConfig struct {
	Addr           string
	Password       string
	DB             int
	KeyPrefix      string
	WorkingSetSize int
}

// NewKeyValue connects to Redis and verifies connectivity.
func NewKeyValue(cfg KeyValueConfig, logger *observability.Logger, metrics *observability.Metrics) (*KeyValue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping key-value store: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "strata:data"
	}
	return &KeyValue{
		client:  client,
		prefix:  prefix,
		logger:  logger,
		metrics: metrics,
		limits:  newLimitsMap(),
		tracker: newLoadTracker(),
		ws:      newWorkingSet(cfg.WorkingSetSize),
	}, nil
}

func (k *KeyValue) Kind() Kind { return KindKeyValue }

func (k *KeyValue) key(tenantID, key string) string {
	return fmt.Sprintf("%s:%s:%s", k.prefix, tenantID, key)
}

func (k *KeyValue) Prepare(ctx context.Context, tenantID string, limits SessionLimits) error {
	if limits.MaxSessionConnections <= 0 {
		return fmt.Errorf("keyvalue: max session connections must be positive")
	}
	load := k.tracker.load(tenantID)
	if load.ActiveConnections > limits.MaxSessionConnections {
		return fmt.Errorf("keyvalue: tenant %s has %d active connections, exceeds proposed limit %d",
			tenantID, load.ActiveConnections, limits.MaxSessionConnections)
	}
	if err := k.client.Ping(ctx).Err(); err != nil {
		return &ErrUnavailable{Store: KindKeyValue, RetryAfter: 5 * time.Second, Err: err}
	}
	return nil
}

func (k *KeyValue) ApplySessionLimits(ctx context.Context, tenantID string, limits SessionLimits) error {
	k.limits.set(tenantID, limits)
	return nil
}

func (k *KeyValue) Execute(ctx context.Context, tenantID string, op Operation) (*Result, error) {
	rawKey, _ := op.Params["key"].(string)
	if rawKey == "" {
		return nil, fmt.Errorf("keyvalue: operation missing key param")
	}
	fullKey := k.key(tenantID, rawKey)

	k.tracker.begin(tenantID)
	defer k.tracker.end(tenantID)

	start := time.Now()
	var res *Result
	var err error
	switch op.Command {
	case "get":
		var val string
		val, err = k.client.Get(ctx, fullKey).Result()
		if errors.Is(err, redis.Nil) {
			res, err = &Result{Data: nil, Rows: 0}, nil
		} else if err == nil {
			res = &Result{Data: val, Rows: 1}
			k.ws.touch(tenantID, rawKey, jsonString(val))
		}
	case "set":
		val, _ := op.Params["value"].(string)
		err = k.client.Set(ctx, fullKey, val, 0).Err()
		if err == nil {
			res = &Result{Rows: 1}
			k.ws.touch(tenantID, rawKey, jsonString(val))
		}
	case "del":
		var n int64
		n, err = k.client.Del(ctx, fullKey).Result()
		if err == nil {
			res = &Result{Rows: int(n)}
		}
	case "incr":
		var n int64
		n, err = k.client.Incr(ctx, fullKey).Result()
		if err == nil {
			res = &Result{Data: n, Rows: 1}
		}
	default:
		return nil, fmt.Errorf("keyvalue: unknown command %q", op.Command)
	}

	k.metrics.StoreOperationDuration.WithLabelValues(string(KindKeyValue)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			k.metrics.StoreOperationsTotal.WithLabelValues(string(KindKeyValue), "timeout").Inc()
			return nil, err
		}
		k.metrics.StoreOperationsTotal.WithLabelValues(string(KindKeyValue), "error").Inc()
		k.metrics.StoreErrorsTotal.WithLabelValues(string(KindKeyValue), "unavailable").Inc()
		return nil, &ErrUnavailable{Store: KindKeyValue, RetryAfter: 2 * time.Second, Err: err}
	}
	k.metrics.StoreOperationsTotal.WithLabelValues(string(KindKeyValue), "ok").Inc()
	res.Duration = time.Since(start)
	return res, nil
}

func (k *KeyValue) ReportLoad(ctx context.Context, tenantID string) (*Load, error) {
	load := k.tracker.load(tenantID)
	return &load, nil
}

func (k *KeyValue) SnapshotWorkingSet(ctx context.Context, tenantID string) ([]byte, error) {
	return k.ws.snapshot(tenantID)
}

func (k *KeyValue) RestoreWorkingSet(ctx context.Context, tenantID string, snapshot []byte) error {
	entries, err := k.ws.restore(tenantID, snapshot)
	if err != nil {
		return fmt.Errorf("keyvalue: failed to decode working set for tenant %s: %w", tenantID, err)
	}
	pipe := k.client.Pipeline()
	for _, e := range entries {
		var val string
		if err := json.Unmarshal(e.Payload, &val); err != nil {
			continue
		}
		pipe.SetNX(ctx, k.key(tenantID, e.Key), val, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &ErrUnavailable{Store: KindKeyValue, RetryAfter: 2 * time.Second, Err: err}
	}
	return nil
}

func (k *KeyValue) ReleaseTenant(ctx context.Context, tenantID string) error {
	k.ws.forget(tenantID)
	k.limits.forget(tenantID)
	k.tracker.forget(tenantID)
	return nil
}

func (k *KeyValue) Close() error {
	return k.client.Close()
}

func jsonString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
