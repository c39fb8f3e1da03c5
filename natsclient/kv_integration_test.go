//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_Integration(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "TEST_SUBJECTS"})
	require.NoError(t, err)

	again, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "TEST_SUBJECTS"})
	require.NoError(t, err)
	assert.Equal(t, bucket.Bucket(), again.Bucket())

	kv := tc.Client.NewKVStore(bucket)

	rev, err := kv.Create(ctx, "alice", []byte("v1"))
	require.NoError(t, err)
	assert.Positive(t, rev)

	_, err = kv.Create(ctx, "alice", []byte("v2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	entry, err := kv.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), entry.Value)

	require.NoError(t, kv.Delete(ctx, "alice"))
	_, err = kv.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	// a deleted key can be created again
	_, err = kv.Create(ctx, "alice", []byte("v3"))
	require.NoError(t, err)
}

func TestClient_PublishIntegration(t *testing.T) {
	tc := NewTestClient(t)
	require.True(t, tc.Client.IsHealthy())

	conn := tc.Client.conn
	sub, err := conn.SubscribeSync("poselink.test")
	require.NoError(t, err)

	require.NoError(t, tc.Client.Publish(context.Background(), "poselink.test", []byte("hello")))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg.Data)
}
