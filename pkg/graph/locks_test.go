package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadLocks(t *testing.T) {
	locks := newThreadLocks()

	release, err := locks.acquire("th-1")
	require.NoError(t, err)
	assert.True(t, locks.busy("th-1"))

	_, err = locks.acquire("th-1")
	require.ErrorIs(t, err, ErrThreadBusy)

	// Other threads are independent.
	other, err := locks.acquire("th-2")
	require.NoError(t, err)
	other()

	release()
	assert.False(t, locks.busy("th-1"))

	release2, err := locks.acquire("th-1")
	require.NoError(t, err)
	release2()
}
