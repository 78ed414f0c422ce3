package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/strata/pkg/async"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/store"
)

// ErrNotFound is returned when no snapshot exists for the tenant and store.
var ErrNotFound = errors.New("snapshot not found")

// coldUploadTimeout bounds one background upload to the cold tier.
const coldUploadTimeout = time.Minute

// objectStore is the slice of the S3 client the manager uses.
type objectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config configures the snapshot manager.
type Config struct {
	// HotSize bounds the number of snapshots kept in memory.
	HotSize int
	// HotTTL expires hot entries that have not been touched.
	HotTTL time.Duration
	// Bucket is the cold-tier bucket. Empty disables the cold tier.
	Bucket string
	// KeyPrefix namespaces cold-tier object keys.
	KeyPrefix string
}

// Manager is the two-tier snapshot store.
type Manager struct {
	cfg    Config
	hot    *expirable.LRU[string, []byte]
	cold   objectStore
	logger *observability.Logger

	uploads sync.WaitGroup
}

// NewManager creates a snapshot manager. Pass a nil client to run hot-only,
// which is what tests and single-node deployments do.
func NewManager(cfg Config, client *s3.Client, logger *observability.Logger) *Manager {
	if cfg.HotSize <= 0 {
		cfg.HotSize = 1024
	}
	if cfg.HotTTL <= 0 {
		cfg.HotTTL = time.Hour
	}
	m := &Manager{
		cfg:    cfg,
		hot:    expirable.NewLRU[string, []byte](cfg.HotSize, nil, cfg.HotTTL),
		logger: logger,
	}
	if client != nil && cfg.Bucket != "" {
		m.cold = client
	}
	return m
}

func (m *Manager) key(tenantID string, kind store.Kind) string {
	if m.cfg.KeyPrefix != "" {
		return fmt.Sprintf("%s/%s/%s", m.cfg.KeyPrefix, tenantID, kind)
	}
	return fmt.Sprintf("%s/%s", tenantID, kind)
}

// Save stores a snapshot in the hot tier and, when configured, uploads it to
// the cold tier in the background. Snapshots are not durable state, so a
// drain never waits on the upload; the hot copy covers the window until the
// object lands. Flush waits out pending uploads on shutdown.
func (m *Manager) Save(ctx context.Context, tenantID string, kind store.Kind, data []byte) error {
	key := m.key(tenantID, kind)
	m.hot.Add(key, data)
	if m.cold == nil {
		return nil
	}
	m.uploads.Add(1)
	// The upload outlives the caller's drain context on purpose.
	async.SafeGo(context.Background(), coldUploadTimeout, "snapshot cold upload", func(ctx context.Context) error {
		defer m.uploads.Done()
		_, err := m.cold.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			m.logger.WithTenant(tenantID).WithError(err).Error("cold snapshot upload failed, hot copy remains until it expires")
		}
		return nil
	})
	return nil
}

// Flush blocks until every in-flight cold upload has finished. Called on
// shutdown so drained working sets reach the cold tier before the process
// exits.
func (m *Manager) Flush() {
	m.uploads.Wait()
}

// LoadHot returns the hot-tier snapshot without touching the cold tier.
func (m *Manager) LoadHot(tenantID string, kind store.Kind) ([]byte, bool) {
	return m.hot.Get(m.key(tenantID, kind))
}

// HasCold reports whether a cold tier is configured.
func (m *Manager) HasCold() bool {
	return m.cold != nil
}

// Load returns the most recent snapshot, hot tier first. Returns ErrNotFound
// when neither tier has one; the caller then warms up from scratch.
func (m *Manager) Load(ctx context.Context, tenantID string, kind store.Kind) ([]byte, error) {
	key := m.key(tenantID, kind)
	if data, ok := m.hot.Get(key); ok {
		return data, nil
	}
	if m.cold == nil {
		return nil, ErrNotFound
	}
	m.logger.WithTenant(tenantID).Debug("snapshot hot miss, reading cold tier")
	out, err := m.cold.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download snapshot %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}
	m.hot.Add(key, data)
	return data, nil
}

// Delete removes a tenant's snapshot for one store from both tiers.
func (m *Manager) Delete(ctx context.Context, tenantID string, kind store.Kind) error {
	key := m.key(tenantID, kind)
	m.hot.Remove(key)
	if m.cold == nil {
		return nil
	}
	if _, err := m.cold.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}
	return nil
}

// EvictHot drops a tenant's snapshots from the hot tier only. Cold copies
// stay; eviction reclaims memory, not durability.
func (m *Manager) EvictHot(tenantID string, kinds []store.Kind) {
	for _, kind := range kinds {
		m.hot.Remove(m.key(tenantID, kind))
	}
}
