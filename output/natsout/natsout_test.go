package natsout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/poselink/consumer"
	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/handshake"
	"github.com/c360/poselink/metric"
	"github.com/c360/poselink/rig"
	"github.com/c360/poselink/testutil"
)

func newConsumer(t *testing.T, reg *metric.MetricsRegistry) (*Consumer, *testutil.MockNATSClient, *testutil.MockKVStore) {
	t.Helper()
	pub := testutil.NewMockNATSClient()
	store := testutil.NewMockKVStore()
	c, err := New(Config{}, Deps{Publisher: pub, Store: store, MetricsRegistry: reg})
	require.NoError(t, err)
	return c, pub, store
}

func staticDef(t *testing.T) rig.SkeletonDefinition {
	t.Helper()
	h, err := handshake.Parse("Default", "BodyOnly", false)
	require.NoError(t, err)
	cfg, err := rig.NewConfig(h, false)
	require.NoError(t, err)
	return rig.MakeStaticDefinition(cfg)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.True(t, errors.IsInvalid(Config{SubjectPrefix: "a.*", Bucket: "B"}.Validate()))
	assert.True(t, errors.IsInvalid(Config{SubjectPrefix: "poselink"}.Validate()))

	_, err := New(Config{}, Deps{})
	assert.True(t, errors.IsInvalid(err))
}

func TestToken(t *testing.T) {
	assert.Equal(t, "Alice", token("Alice"))
	assert.Equal(t, "left-hand", token("left-hand"))
	assert.Equal(t, "Alice_27s_20phone", token("Alice's phone"))
	assert.Equal(t, "a_2Eb_2Ac", token("a.b*c"))
	assert.Equal(t, "Alice_5F1", token("Alice_1"))
	assert.Equal(t, "_", token(""))
}

func TestToken_DistinctNamesStayDistinct(t *testing.T) {
	names := []string{"Alice.1", "Alice_1", "Alice*1", "Alice 1", "Alice_2E1", "_", "", "Alice1"}
	seen := make(map[string]string, len(names))
	for _, name := range names {
		tok := token(name)
		if prev, dup := seen[tok]; dup {
			t.Fatalf("%q and %q both map to %q", prev, name, tok)
		}
		seen[tok] = name
	}
}

func TestConsumer_SimilarNamesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	c, pub, store := newConsumer(t, nil)
	src := uuid.New()
	dotted := consumer.SubjectKey{Source: src, Name: "Alice.1"}
	underscored := consumer.SubjectKey{Source: src, Name: "Alice_1"}

	require.NoError(t, c.CreateSubject(ctx, dotted, consumer.RoleAnimation))
	require.NoError(t, c.CreateSubject(ctx, underscored, consumer.RoleAnimation))
	assert.Equal(t, 2, c.Live())
	assert.Len(t, store.Keys(), 2)
	assert.NotEqual(t, c.FrameSubject(dotted), c.FrameSubject(underscored))

	require.NoError(t, c.RemoveSubject(ctx, dotted))
	assert.Equal(t, 1, c.Live())
	assert.Equal(t, []string{src.String() + ".Alice_5F1"}, store.Keys())
	assert.Equal(t, 1, pub.GetMessageCount("poselink."+src.String()+".Alice_2E1.removed"))
	assert.Equal(t, 0, pub.GetMessageCount("poselink."+src.String()+".Alice_5F1.removed"))

	record, err := c.Subject(ctx, underscored)
	require.NoError(t, err)
	assert.Equal(t, "Alice_1", record.Name)
	require.NoError(t, c.PushFrameData(ctx, underscored, rig.AnimationFrame{}))
}

func TestNew_DuplicateMetricsRegistration(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	newConsumer(t, reg)

	_, err := New(Config{}, Deps{
		Publisher:       testutil.NewMockNATSClient(),
		Store:           testutil.NewMockKVStore(),
		MetricsRegistry: reg,
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// The failed attempt leaves the first consumer's collectors in place.
	assert.True(t, reg.Unregister("natsout", "frames_published"))
	assert.True(t, reg.Unregister("natsout", "failures"))
}

func TestConsumer_StaticReplacesUndecodableRecord(t *testing.T) {
	ctx := context.Background()
	reg := metric.NewMetricsRegistry()
	c, _, store := newConsumer(t, reg)
	key := consumer.SubjectKey{Source: uuid.New(), Name: "Alice"}
	require.NoError(t, c.CreateSubject(ctx, key, consumer.RoleAnimation))

	_, err := store.Put(ctx, key.Source.String()+".Alice", []byte(`{"name":42,`))
	require.NoError(t, err)

	def := staticDef(t)
	require.NoError(t, c.PushStaticData(ctx, key, consumer.RoleAnimation, def))

	record, err := c.Subject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Alice", record.Name)
	assert.Equal(t, key.Source.String(), record.Source)
	assert.Equal(t, consumer.RoleAnimation, record.Role)
	require.NotNil(t, record.Skeleton)
	assert.Equal(t, def.BoneNames, record.Skeleton.BoneNames)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(c.metrics.failures.WithLabelValues("decode")))
}

func TestConsumer_Lifecycle(t *testing.T) {
	ctx := context.Background()
	reg := metric.NewMetricsRegistry()
	c, pub, store := newConsumer(t, reg)
	key := consumer.SubjectKey{Source: uuid.New(), Name: "Alice"}
	def := staticDef(t)

	require.NoError(t, c.CreateSubject(ctx, key, consumer.RoleAnimation))
	assert.Equal(t, 1, c.Live())
	assert.Equal(t, []string{key.Source.String() + ".Alice"}, store.Keys())

	require.NoError(t, c.PushStaticData(ctx, key, consumer.RoleAnimation, def))
	record, err := c.Subject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Alice", record.Name)
	assert.Equal(t, consumer.RoleAnimation, record.Role)
	require.NotNil(t, record.Skeleton)
	assert.Equal(t, def.BoneNames, record.Skeleton.BoneNames)

	staticSubject := "poselink." + key.Source.String() + ".Alice.static"
	require.Equal(t, 1, pub.GetMessageCount(staticSubject))
	var static StaticMessage
	require.NoError(t, json.Unmarshal(pub.GetMessages(staticSubject)[0], &static))
	assert.Equal(t, def, static.Skeleton)

	frame := rig.AnimationFrame{
		WorldTime:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SceneTime:  1.5,
		Transforms: []rig.Transform{{Rotation: [4]float64{0, 0, 0, 1}, Scale: [3]float64{1, 1, 1}}},
	}
	require.NoError(t, c.PushFrameData(ctx, key, frame))
	msgs := pub.GetMessages(c.FrameSubject(key))
	require.Len(t, msgs, 1)

	var got FrameMessage
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, key.Source.String(), got.Source)
	assert.Equal(t, 1.5, got.SceneTime)
	assert.True(t, frame.WorldTime.Equal(got.WorldTime))
	assert.Equal(t, frame.Transforms, got.Transforms)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(c.metrics.framesPublished))

	require.NoError(t, c.RemoveSubject(ctx, key))
	assert.Empty(t, store.Keys())
	assert.Equal(t, 0, c.Live())
	assert.Equal(t, 1, pub.GetMessageCount("poselink."+key.Source.String()+".Alice.removed"))

	err = c.PushFrameData(ctx, key, frame)
	assert.ErrorIs(t, err, ErrUnknownSubject)
	assert.NoError(t, c.RemoveSubject(ctx, key), "removal is idempotent")
}

func TestConsumer_DuplicateCreateRejected(t *testing.T) {
	ctx := context.Background()
	pub := testutil.NewMockNATSClient()
	store := testutil.NewMockKVStore()
	first, err := New(Config{}, Deps{Publisher: pub, Store: store})
	require.NoError(t, err)
	second, err := New(Config{}, Deps{Publisher: pub, Store: store})
	require.NoError(t, err)

	key := consumer.SubjectKey{Source: uuid.New(), Name: "Alice"}
	require.NoError(t, first.CreateSubject(ctx, key, consumer.RoleAnimation))

	err = second.CreateSubject(ctx, key, consumer.RoleAnimation)
	assert.ErrorIs(t, err, ErrSubjectExists)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 0, second.Live())
}

func TestConsumer_PublishFailure(t *testing.T) {
	ctx := context.Background()
	reg := metric.NewMetricsRegistry()
	c, pub, _ := newConsumer(t, reg)
	key := consumer.SubjectKey{Source: uuid.New(), Name: "Alice"}
	require.NoError(t, c.CreateSubject(ctx, key, consumer.RoleAnimation))

	pub.PublishErr = testutil.ErrMockFailed
	err := c.PushFrameData(ctx, key, rig.AnimationFrame{})
	assert.ErrorIs(t, err, testutil.ErrMockFailed)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(c.metrics.failures.WithLabelValues("frame")))
}

func TestConsumer_RemoveStoreFailure(t *testing.T) {
	ctx := context.Background()
	c, _, store := newConsumer(t, nil)
	key := consumer.SubjectKey{Source: uuid.New(), Name: "Alice"}
	require.NoError(t, c.CreateSubject(ctx, key, consumer.RoleAnimation))

	store.DeleteErr = testutil.ErrMockFailed
	err := c.RemoveSubject(ctx, key)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 0, c.Live())
}

func TestConsumer_StaticForUnknownSubject(t *testing.T) {
	c, _, _ := newConsumer(t, nil)
	key := consumer.SubjectKey{Source: uuid.New(), Name: "Ghost"}
	err := c.PushStaticData(context.Background(), key, consumer.RoleAnimation, staticDef(t))
	assert.ErrorIs(t, err, ErrUnknownSubject)
}
