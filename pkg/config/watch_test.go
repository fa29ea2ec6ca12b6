package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchSignalsOnWrite(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := Watch(ctx, path)
	require.NoError(t, err)

	// Give the watcher a moment to attach before mutating the file.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case _, ok := <-changes:
		require.True(t, ok, "channel closed before signalling")
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal after write")
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
			// Drain signals buffered before the cancel.
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestWatchMissingFile(t *testing.T) {
	ctx := context.Background()
	_, err := Watch(ctx, t.TempDir()+"/absent.yaml")
	require.Error(t, err)
}
