package faststore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must satisfy the same observable contract, so the
// suite runs against each.
func testStores(t *testing.T) map[string]FastStore {
	t.Helper()

	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	bs, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	return map[string]FastStore{"redis": rs, "bolt": bs}
}

func TestIncrDecr(t *testing.T) {
	for name, fs := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := fs.Incr(ctx, KeyActiveWorkers)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = fs.Incr(ctx, KeyActiveWorkers)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			n, err = fs.Decr(ctx, KeyActiveWorkers)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestDecrBelowZero(t *testing.T) {
	for name, fs := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			// The store itself does not clamp; that is the rate limiter's
			// job. It must report the negative value faithfully.
			n, err := fs.Decr(context.Background(), KeyActiveWorkers)
			require.NoError(t, err)
			assert.Equal(t, int64(-1), n)
		})
	}
}

func TestGetMissingKey(t *testing.T) {
	for name, fs := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			val, err := fs.Get(context.Background(), "rate:absent")
			require.NoError(t, err)
			assert.Equal(t, "", val)
		})
	}
}

func TestSetGet(t *testing.T) {
	for name, fs := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, fs.Set(ctx, KeyDailyResetDate, "2026-08-26"))

			val, err := fs.Get(ctx, KeyDailyResetDate)
			require.NoError(t, err)
			assert.Equal(t, "2026-08-26", val)
		})
	}
}

func TestSetThenIncr(t *testing.T) {
	for name, fs := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, fs.Set(ctx, KeyDailyIterations, "41"))

			n, err := fs.Incr(ctx, KeyDailyIterations)
			require.NoError(t, err)
			assert.Equal(t, int64(42), n)
		})
	}
}
