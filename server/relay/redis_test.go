package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishReachesOtherNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	log := zap.NewNop().Sugar()

	nodeA, err := New(context.Background(), mr.Addr(), log)
	require.NoError(t, err)
	defer nodeA.Close()
	nodeB, err := New(context.Background(), mr.Addr(), log)
	require.NoError(t, err)
	defer nodeB.Close()

	type delivery struct {
		sender string
		frame  []byte
	}
	got := make(chan delivery, 1)
	cancel := nodeB.Subscribe(context.Background(), "session:TEST", func(sender string, frame []byte) {
		got <- delivery{sender, frame}
	})
	defer cancel()

	// Subscription setup races the publish without a brief settle.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, nodeA.Publish(context.Background(), "session:TEST", "alice", []byte(`{"type":"insert"}`)))

	select {
	case d := <-got:
		assert.Equal(t, "alice", d.sender)
		assert.JSONEq(t, `{"type":"insert"}`, string(d.frame))
	case <-time.After(2 * time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestOwnPublicationsFiltered(t *testing.T) {
	mr := miniredis.RunT(t)
	log := zap.NewNop().Sugar()

	node, err := New(context.Background(), mr.Addr(), log)
	require.NoError(t, err)
	defer node.Close()

	got := make(chan struct{}, 1)
	cancel := node.Subscribe(context.Background(), "session:SELF", func(string, []byte) {
		got <- struct{}{}
	})
	defer cancel()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, node.Publish(context.Background(), "session:SELF", "alice", []byte(`{}`)))

	select {
	case <-got:
		t.Fatal("node must not receive its own publication")
	case <-time.After(200 * time.Millisecond):
	}
}
