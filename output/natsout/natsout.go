// Package natsout is a consumer that keeps subjects in a JetStream KV bucket
// and publishes skeletons and frames on NATS subjects.
//
// For source S and subject name N (escaped to a single subject token, e.g.
// "Alice.1" becomes "Alice_2E1" and "Alice_1" becomes "Alice_5F1"):
//
//	KV key          S.N                       subject record (JSON)
//	<prefix>.S.N.static                       skeleton definition
//	<prefix>.S.N.frame                        animation frames
//	<prefix>.S.N.removed                      empty payload on removal
//
// Creating a subject whose key already exists in the bucket is refused, so
// two processes never animate the same subject.
package natsout

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/poselink/consumer"
	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/metric"
	"github.com/c360/poselink/natsclient"
	"github.com/c360/poselink/pkg/retry"
	"github.com/c360/poselink/rig"
)

// Errors returned by the consumer.
var (
	ErrSubjectExists  = stderrors.New("subject already exists")
	ErrUnknownSubject = stderrors.New("unknown subject")
)

// Publisher sends core NATS messages. *natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Store persists subject records. *natsclient.KVStore satisfies it.
type Store interface {
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Delete(ctx context.Context, key string) error
}

// Config holds the subject layout.
type Config struct {
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	Bucket        string `json:"bucket" yaml:"bucket"`
}

// DefaultConfig returns the layout used for unset fields.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "poselink",
		Bucket:        "POSELINK_SUBJECTS",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") {
		return errors.WrapInvalid(fmt.Errorf("invalid subject prefix %q", c.SubjectPrefix),
			"natsout", "Validate", "prefix validation")
	}
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natsout", "Validate", "bucket is required")
	}
	return nil
}

// Record is the KV value kept for each subject.
type Record struct {
	Source    string                  `json:"source"`
	Name      string                  `json:"name"`
	Role      consumer.Role           `json:"role"`
	CreatedAt time.Time               `json:"created_at"`
	Skeleton  *rig.SkeletonDefinition `json:"skeleton,omitempty"`
}

// FrameMessage is the payload published for every frame.
type FrameMessage struct {
	Source string `json:"source"`
	Name   string `json:"name"`
	rig.AnimationFrame
}

// StaticMessage is the payload published when a skeleton is pushed.
type StaticMessage struct {
	Source   string                 `json:"source"`
	Name     string                 `json:"name"`
	Role     consumer.Role          `json:"role"`
	Skeleton rig.SkeletonDefinition `json:"skeleton"`
}

// Deps bundles what a Consumer needs.
type Deps struct {
	Publisher       Publisher
	Store           Store
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Consumer implements consumer.Consumer on NATS.
type Consumer struct {
	cfg       Config
	publisher Publisher
	store     Store
	logger    *slog.Logger
	metrics   *metrics

	mu   sync.RWMutex
	live map[consumer.SubjectKey]string // key -> KV key
}

var _ consumer.Consumer = (*Consumer)(nil)

// New creates a consumer over an existing publisher and store.
func New(cfg Config, deps Deps) (*Consumer, error) {
	defaults := DefaultConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Publisher == nil || deps.Store == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("publisher and store are required"),
			"natsout", "New", "dependency validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.WrapInvalid(err, "natsout", "New", "register metrics")
	}

	return &Consumer{
		cfg:       cfg,
		publisher: deps.Publisher,
		store:     deps.Store,
		logger:    logger.With("component", "natsout"),
		metrics:   m,
		live:      make(map[consumer.SubjectKey]string),
	}, nil
}

// Open creates (or reuses) the subject bucket on client and returns a
// consumer publishing through client.
func Open(ctx context.Context, client *natsclient.Client, cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Consumer, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultConfig().Bucket
	}

	bucket, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
		b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "poselink live subjects",
			History:     1,
		})
		if stderrors.Is(err, natsclient.ErrCircuitOpen) {
			return nil, retry.NonRetryable(err)
		}
		return b, err
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsout", "Open", "open subject bucket")
	}

	return New(cfg, Deps{
		Publisher:       client,
		Store:           client.NewKVStore(bucket),
		MetricsRegistry: registry,
		Logger:          logger,
	})
}

// CreateSubject claims the subject's KV key. An existing key is refused
// with ErrSubjectExists.
func (c *Consumer) CreateSubject(ctx context.Context, key consumer.SubjectKey, role consumer.Role) error {
	kvKey := c.kvKey(key)
	record := Record{
		Source:    key.Source.String(),
		Name:      key.Name,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapInvalid(err, "natsout", "CreateSubject", "marshal record")
	}

	if _, err := c.store.Create(ctx, kvKey, data); err != nil {
		c.metrics.failed("create")
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrSubjectExists, kvKey),
				"natsout", "CreateSubject", "claim key")
		}
		return errors.WrapTransient(err, "natsout", "CreateSubject", "claim key")
	}

	c.mu.Lock()
	c.live[key] = kvKey
	c.mu.Unlock()

	c.logger.Debug("Subject created", "key", kvKey)
	return nil
}

// RemoveSubject deletes the subject record and announces the removal.
// Removing a subject the bucket no longer holds is not an error.
func (c *Consumer) RemoveSubject(ctx context.Context, key consumer.SubjectKey) error {
	kvKey := c.kvKey(key)

	c.mu.Lock()
	delete(c.live, key)
	c.mu.Unlock()

	if err := c.store.Delete(ctx, kvKey); err != nil && !stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
		c.metrics.failed("remove")
		return errors.WrapTransient(err, "natsout", "RemoveSubject", "delete key")
	}
	if err := c.publisher.Publish(ctx, c.subject(key, "removed"), nil); err != nil {
		c.metrics.failed("remove")
		return errors.WrapTransient(err, "natsout", "RemoveSubject", "publish removal")
	}
	return nil
}

// PushStaticData stores the skeleton in the subject record and publishes it.
func (c *Consumer) PushStaticData(ctx context.Context, key consumer.SubjectKey, role consumer.Role, def rig.SkeletonDefinition) error {
	kvKey, ok := c.lookup(key)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrUnknownSubject, key), "natsout", "PushStaticData", "lookup")
	}

	record := Record{Source: key.Source.String(), Name: key.Name, Role: role, CreatedAt: time.Now().UTC()}
	if entry, err := c.store.Get(ctx, kvKey); err == nil {
		var stored Record
		if err := json.Unmarshal(entry.Value, &stored); err != nil {
			c.metrics.failed("decode")
			c.logger.Warn("Replacing undecodable subject record", "key", kvKey, "error", err)
		} else {
			record = stored
		}
	}
	record.Skeleton = &def

	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapInvalid(err, "natsout", "PushStaticData", "marshal record")
	}
	if _, err := c.store.Put(ctx, kvKey, data); err != nil {
		c.metrics.failed("static")
		return errors.WrapTransient(err, "natsout", "PushStaticData", "store skeleton")
	}

	msg, err := json.Marshal(StaticMessage{Source: record.Source, Name: key.Name, Role: role, Skeleton: def})
	if err != nil {
		return errors.WrapInvalid(err, "natsout", "PushStaticData", "marshal skeleton")
	}
	if err := c.publisher.Publish(ctx, c.subject(key, "static"), msg); err != nil {
		c.metrics.failed("static")
		return errors.WrapTransient(err, "natsout", "PushStaticData", "publish skeleton")
	}
	return nil
}

// PushFrameData publishes one frame. Safe from any goroutine.
func (c *Consumer) PushFrameData(ctx context.Context, key consumer.SubjectKey, frame rig.AnimationFrame) error {
	if _, ok := c.lookup(key); !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrUnknownSubject, key), "natsout", "PushFrameData", "lookup")
	}

	data, err := json.Marshal(FrameMessage{Source: key.Source.String(), Name: key.Name, AnimationFrame: frame})
	if err != nil {
		return errors.WrapInvalid(err, "natsout", "PushFrameData", "marshal frame")
	}
	if err := c.publisher.Publish(ctx, c.subject(key, "frame"), data); err != nil {
		c.metrics.failed("frame")
		return errors.WrapTransient(err, "natsout", "PushFrameData", "publish frame")
	}
	c.metrics.published()
	return nil
}

// Subject returns the stored record for key.
func (c *Consumer) Subject(ctx context.Context, key consumer.SubjectKey) (Record, error) {
	var record Record
	entry, err := c.store.Get(ctx, c.kvKey(key))
	if err != nil {
		return record, err
	}
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return record, errors.WrapInvalid(err, "natsout", "Subject", "decode record")
	}
	return record, nil
}

// Live returns how many subjects this consumer created and has not removed.
func (c *Consumer) Live() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.live)
}

// FrameSubject returns the NATS subject frames for key are published on.
func (c *Consumer) FrameSubject(key consumer.SubjectKey) string {
	return c.subject(key, "frame")
}

func (c *Consumer) lookup(key consumer.SubjectKey) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.live[key]
	return k, ok
}

func (c *Consumer) kvKey(key consumer.SubjectKey) string {
	return key.Source.String() + "." + token(key.Name)
}

func (c *Consumer) subject(key consumer.SubjectKey, kind string) string {
	return c.cfg.SubjectPrefix + "." + key.Source.String() + "." + token(key.Name) + "." + kind
}

// token maps a subject name onto characters valid in both NATS subject
// tokens and KV keys. Letters, digits and '-' pass through; every other byte,
// '_' included, becomes "_XX" in hex, so distinct names never share a token.
// The empty name is "_", which no escape produces.
func token(name string) string {
	if name == "" {
		return "_"
	}
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-':
			b.WriteByte(ch)
		default:
			b.WriteByte('_')
			b.WriteByte(hexDigits[ch>>4])
			b.WriteByte(hexDigits[ch&0x0F])
		}
	}
	return b.String()
}

type metrics struct {
	framesPublished prometheus.Counter
	failures        *prometheus.CounterVec
}

// newMetrics registers the consumer's collectors under the "natsout" service.
// A registry that already holds them is an error; nothing stays registered.
func newMetrics(registry *metric.MetricsRegistry) (*metrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &metrics{
		framesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poselink",
			Subsystem: "natsout",
			Name:      "frames_published_total",
			Help:      "Frames published to NATS",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poselink",
			Subsystem: "natsout",
			Name:      "failures_total",
			Help:      "Failed consumer operations",
		}, []string{"operation"}),
	}
	if err := registry.RegisterCounter("natsout", "frames_published", m.framesPublished); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("natsout", "failures", m.failures); err != nil {
		registry.Unregister("natsout", "frames_published")
		return nil, err
	}
	return m, nil
}

func (m *metrics) published() {
	if m == nil {
		return
	}
	m.framesPublished.Inc()
}

func (m *metrics) failed(op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op).Inc()
}
