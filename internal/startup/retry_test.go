package startup

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	orig := sleep
	sleep = func(d time.Duration) { waits = append(waits, d) }
	t.Cleanup(func() { sleep = orig })
	return &waits
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	waits := noSleep(t)
	calls := 0
	err := Retry("db", time.Hour, func() error {
		calls++
		if calls < 4 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, *waits)
}

func TestRetryGivesUp(t *testing.T) {
	noSleep(t)
	cause := errors.New("down")
	err := Retry("redis", 0, func() error { return cause })
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "redis")
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := ConnectRedis("redis://"+mr.Addr(), time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
