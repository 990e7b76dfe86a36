package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneKeepsNodeAlive(t *testing.T) {
	h := spawn(t, "cloned")
	c := h.Clone()
	assert.Equal(t, h.ID(), c.ID())

	require.NoError(t, h.Close())
	_, err := h.GetConnectedPeers(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-c.Done():
		t.Fatal("node stopped while a clone is open")
	default:
	}
	_, err = c.GetConnectedPeers(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(settle):
		t.Fatal("node did not stop after last handle closed")
	}
	require.NoError(t, c.Close())
}

func TestQuitClosesAllHandles(t *testing.T) {
	h := spawn(t, "quitter")
	c := h.Clone()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	require.NoError(t, h.Quit(ctx))

	tests := []struct {
		name string
		call func() error
	}{
		{"peers", func() error { _, err := c.GetConnectedPeers(ctx); return err }},
		{"listeners", func() error { _, err := c.GetAllListeners(ctx); return err }},
		{"holders", func() error { _, err := c.CheckHolders(ctx, make([]byte, 32)); return err }},
		{"quit", func() error { return c.Quit(ctx) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrClosed)
		})
	}

	c2 := c.Clone()
	_, err := c2.GetConnectedPeers(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c2.Close())
}

func TestCallRespectsContext(t *testing.T) {
	h := spawn(t, "ctx")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.GetConnectedPeers(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
