package systemd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	sent, err := Ready()
	require.NoError(t, err)
	require.False(t, sent)

	sent, err = Status("idle")
	require.NoError(t, err)
	require.False(t, sent)

	// Without WATCHDOG_USEC the loop must not block.
	require.NoError(t, Watchdog(context.Background()))
}
