package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/poselink/consumer"
	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/metric"
	"github.com/c360/poselink/rig"
)

func newTestOutput(t *testing.T, cfg Config, reg *metric.MetricsRegistry) (*Output, string) {
	t.Helper()
	out, err := NewOutput(cfg, Deps{MetricsRegistry: reg})
	require.NoError(t, err)

	srv := httptest.NewServer(out.Handler())
	t.Cleanup(func() {
		out.closeAllClients()
		srv.Close()
	})
	return out, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func waitClients(t *testing.T, out *Output, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return out.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.True(t, errors.IsInvalid(Config{Port: 70000, Path: "/ws"}.Validate()))
	assert.True(t, errors.IsInvalid(Config{Path: "ws"}.Validate()))
	assert.True(t, errors.IsInvalid(Config{Path: "/ws", ClientBuffer: -1}.Validate()))

	_, err := NewOutput(Config{Path: "nope"}, Deps{})
	assert.Error(t, err)
}

func TestOutput_BroadcastLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := metric.NewMetricsRegistry()
	out, url := newTestOutput(t, Config{}, reg)
	conn := dial(t, url)
	waitClients(t, out, 1)

	key := consumer.SubjectKey{Source: uuid.New(), Name: "Alice"}
	def := rig.SkeletonDefinition{SkeletonID: "Default", BoneNames: []string{"root", "pelvis"}, BoneParents: []int{-1, 0}}

	require.NoError(t, out.CreateSubject(ctx, key, consumer.RoleAnimation))
	require.NoError(t, out.PushStaticData(ctx, key, consumer.RoleAnimation, def))
	require.NoError(t, out.PushFrameData(ctx, key, rig.AnimationFrame{SceneTime: 3.5}))
	require.NoError(t, out.RemoveSubject(ctx, key))

	create := readEnvelope(t, conn)
	assert.Equal(t, TypeCreate, create.Type)
	var sp SubjectPayload
	require.NoError(t, json.Unmarshal(create.Payload, &sp))
	assert.Equal(t, "Alice", sp.Name)
	assert.Equal(t, key.Source.String(), sp.Source)
	assert.Equal(t, consumer.RoleAnimation, sp.Role)

	static := readEnvelope(t, conn)
	assert.Equal(t, TypeStatic, static.Type)
	var st StaticPayload
	require.NoError(t, json.Unmarshal(static.Payload, &st))
	assert.Equal(t, def, st.Skeleton)

	frame := readEnvelope(t, conn)
	assert.Equal(t, TypeFrame, frame.Type)
	var fp FramePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &fp))
	assert.Equal(t, 3.5, fp.SceneTime)
	assert.Equal(t, "Alice", fp.Name)

	remove := readEnvelope(t, conn)
	assert.Equal(t, TypeRemove, remove.Type)
	assert.NotEqual(t, create.ID, remove.ID)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(out.metrics.messagesQueued.WithLabelValues(TypeFrame)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(out.metrics.connectionsTotal))
}

func TestOutput_LateJoinerGetsSnapshot(t *testing.T) {
	ctx := context.Background()
	out, url := newTestOutput(t, Config{}, nil)

	key := consumer.SubjectKey{Source: uuid.New(), Name: "Bob"}
	def := rig.SkeletonDefinition{SkeletonID: "Default", BoneNames: []string{"root"}, BoneParents: []int{-1}}
	require.NoError(t, out.CreateSubject(ctx, key, consumer.RoleAnimation))
	require.NoError(t, out.PushStaticData(ctx, key, consumer.RoleAnimation, def))

	conn := dial(t, url)
	assert.Equal(t, TypeCreate, readEnvelope(t, conn).Type)
	static := readEnvelope(t, conn)
	assert.Equal(t, TypeStatic, static.Type)

	waitClients(t, out, 1)
	require.NoError(t, out.PushFrameData(ctx, key, rig.AnimationFrame{}))
	assert.Equal(t, TypeFrame, readEnvelope(t, conn).Type)
}

func TestOutput_SubjectErrors(t *testing.T) {
	ctx := context.Background()
	out, _ := newTestOutput(t, Config{}, nil)
	key := consumer.SubjectKey{Source: uuid.New(), Name: "Alice"}

	err := out.PushFrameData(ctx, key, rig.AnimationFrame{})
	assert.ErrorIs(t, err, ErrUnknownSubject)
	assert.ErrorIs(t, out.PushStaticData(ctx, key, consumer.RoleAnimation, rig.SkeletonDefinition{}), ErrUnknownSubject)

	require.NoError(t, out.CreateSubject(ctx, key, consumer.RoleAnimation))
	err = out.CreateSubject(ctx, key, consumer.RoleAnimation)
	assert.ErrorIs(t, err, ErrSubjectExists)
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, out.RemoveSubject(ctx, key))
	require.NoError(t, out.RemoveSubject(ctx, key))
	require.NoError(t, out.CreateSubject(ctx, key, consumer.RoleAnimation), "key is free again")
}

func TestOutput_ClientDisconnect(t *testing.T) {
	out, url := newTestOutput(t, Config{}, nil)
	conn := dial(t, url)
	waitClients(t, out, 1)

	require.NoError(t, conn.Close())
	waitClients(t, out, 0)

	key := consumer.SubjectKey{Source: uuid.New(), Name: "Alice"}
	assert.NoError(t, out.CreateSubject(context.Background(), key, consumer.RoleAnimation))
}

func TestOutput_StartStop(t *testing.T) {
	out, err := NewOutput(Config{Bind: "127.0.0.1", Port: 0}, Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, out.Start(ctx))
	assert.True(t, errors.IsInvalid(out.Start(ctx)))
	assert.True(t, out.Health().IsHealthy())

	conn := dial(t, "ws://"+out.Addr()+"/ws")
	waitClients(t, out, 1)

	require.NoError(t, out.Stop(2*time.Second))
	require.NoError(t, out.Stop(2*time.Second))
	assert.Equal(t, 0, out.Clients())
	assert.Empty(t, out.Addr())
	assert.False(t, out.Health().Healthy)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server closed the connection")
}

func TestNewOutput_MetricsConflict(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	taken := prometheus.NewCounter(prometheus.CounterOpts{Name: "taken_total", Help: "taken"})
	require.NoError(t, reg.RegisterCounter("websocket", "connections", taken))

	_, err := NewOutput(Config{}, Deps{MetricsRegistry: reg})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 1, reg.UnregisterService("websocket"), "earlier collectors are rolled back")

	out, err := NewOutput(Config{}, Deps{MetricsRegistry: reg})
	require.NoError(t, err)
	require.NotNil(t, out.metrics)
}
