package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simrun/internal/objstore"
)

func TestStorePublisherDelivery(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	p := &StorePublisher{Store: store, Prefix: "bus"}

	require.NoError(t, p.Publish(ctx, "run_ready", []byte(`{"run_id":"r1"}`), "msg-1"))

	raw, err := store.Read(ctx, "bus/run_ready/msg-1.json")
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "run_ready", env.Topic)
	assert.Equal(t, "msg-1", env.MessageID)
	assert.JSONEq(t, `{"run_id":"r1"}`, string(env.Payload))
}

func TestStorePublisherDedupsByMessageID(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMem()
	p := &StorePublisher{Store: store, Prefix: "bus"}

	require.NoError(t, p.Publish(ctx, "run_ready", []byte(`{"n":1}`), "msg-1"))
	// Redelivery with different payload bytes: first delivery wins, no error.
	require.NoError(t, p.Publish(ctx, "run_ready", []byte(`{"n":2}`), "msg-1"))

	raw, err := store.Read(ctx, "bus/run_ready/msg-1.json")
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.JSONEq(t, `{"n":1}`, string(env.Payload))

	// Same id on a different topic is a distinct message.
	require.NoError(t, p.Publish(ctx, "run_terminal", []byte(`{"n":3}`), "msg-1"))
	keys, err := store.ListFiles(ctx, "bus")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestStorePublisherRequiresMessageID(t *testing.T) {
	p := &StorePublisher{Store: objstore.NewMem(), Prefix: "bus"}
	err := p.Publish(context.Background(), "run_ready", []byte(`{}`), "")
	assert.Error(t, err)
}

func TestMemPublisherDedups(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	require.NoError(t, m.Publish(ctx, "run_ready", []byte("a"), "msg-1"))
	require.NoError(t, m.Publish(ctx, "run_ready", []byte("b"), "msg-1"))
	require.NoError(t, m.Publish(ctx, "run_ready", []byte("c"), "msg-2"))

	require.Len(t, m.Messages, 2)
	assert.Equal(t, "msg-1", m.Messages[0].MessageID)
	assert.Equal(t, []byte("a"), m.Messages[0].Payload)
	assert.Equal(t, "msg-2", m.Messages[1].MessageID)
}
