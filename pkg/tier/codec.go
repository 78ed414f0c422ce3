package tier

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireLimits mirrors Limits with durations in milliseconds so the cached and
// persisted representation is stable across deployments.
type wireLimits struct {
	Level              int     `json:"level"`
	MaxConnections     int     `json:"max_connections"`
	MaxOpsPerSecond    int     `json:"max_ops_per_second"`
	OperationTimeoutMs int64   `json:"operation_timeout_ms"`
	IdleTimeoutMs      int64   `json:"idle_timeout_ms"`
	QueueAdmission     bool    `json:"queue_admission"`
	MaxQueueDepth      int     `json:"max_queue_depth"`
	MaxQueueWaitMs     int64   `json:"max_queue_wait_ms"`
	IncludedUnits      float64 `json:"included_units"`
	OverageRateMicros  int64   `json:"overage_rate_micros"`
}

func toWire(l Limits) wireLimits {
	return wireLimits{
		Level:              int(l.Level),
		MaxConnections:     l.MaxConnections,
		MaxOpsPerSecond:    l.MaxOpsPerSecond,
		OperationTimeoutMs: l.OperationTimeout.Milliseconds(),
		IdleTimeoutMs:      l.IdleTimeout.Milliseconds(),
		QueueAdmission:     l.QueueAdmission,
		MaxQueueDepth:      l.MaxQueueDepth,
		MaxQueueWaitMs:     l.MaxQueueWait.Milliseconds(),
		IncludedUnits:      l.IncludedUnits,
		OverageRateMicros:  l.OverageRateMicros,
	}
}

func fromWire(w wireLimits) Limits {
	return Limits{
		Level:             Level(w.Level),
		MaxConnections:    w.MaxConnections,
		MaxOpsPerSecond:   w.MaxOpsPerSecond,
		OperationTimeout:  msToDuration(w.OperationTimeoutMs),
		IdleTimeout:       msToDuration(w.IdleTimeoutMs),
		QueueAdmission:    w.QueueAdmission,
		MaxQueueDepth:     w.MaxQueueDepth,
		MaxQueueWait:      msToDuration(w.MaxQueueWaitMs),
		IncludedUnits:     w.IncludedUnits,
		OverageRateMicros: w.OverageRateMicros,
	}
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func encodeLimitTable(table *LimitTable) ([]byte, error) {
	wire := make(map[string]wireLimits, len(table.Levels))
	for level, limits := range table.Levels {
		wire[level.String()] = toWire(limits)
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode limit table %s: %w", table.Version, err)
	}
	return raw, nil
}

func decodeLimitTable(version string, raw []byte) (*LimitTable, error) {
	var wire map[string]wireLimits
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode limit table %s: %w", version, err)
	}
	table := &LimitTable{Version: version, Levels: make(map[Level]Limits, len(wire))}
	for name, w := range wire {
		level, err := ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("limit table %s: %w", version, err)
		}
		table.Levels[level] = fromWire(w)
	}
	return table, nil
}
