package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
	ttl   atomic.Int64
}

func (s *countingSweeper) Sweep(ttl time.Duration) int {
	s.calls.Add(1)
	s.ttl.Store(int64(ttl))
	return 2
}

func TestNewMaintenance(t *testing.T) {
	t.Run("should reject an invalid schedule", func(t *testing.T) {
		_, err := NewMaintenance(MaintenanceConfig{
			Schedule:  "not a schedule",
			MarkerTTL: time.Hour,
			Sweeper:   &countingSweeper{},
			Logger:    zerolog.Nop(),
		})
		assert.Error(t, err)
	})

	t.Run("should require a sweeper and a TTL", func(t *testing.T) {
		_, err := NewMaintenance(MaintenanceConfig{Schedule: "@every 1m", MarkerTTL: time.Hour})
		assert.Error(t, err)

		_, err = NewMaintenance(MaintenanceConfig{Schedule: "@every 1m", Sweeper: &countingSweeper{}})
		assert.Error(t, err)
	})

	t.Run("should accept standard cron specs", func(t *testing.T) {
		_, err := NewMaintenance(MaintenanceConfig{
			Schedule:  "*/5 * * * *",
			MarkerTTL: time.Hour,
			Sweeper:   &countingSweeper{},
			Logger:    zerolog.Nop(),
		})
		assert.NoError(t, err)
	})
}

func TestMaintenance(t *testing.T) {
	t.Run("should sweep with the configured TTL", func(t *testing.T) {
		sweeper := &countingSweeper{}
		m, err := NewMaintenance(MaintenanceConfig{
			Schedule:  "@every 1h",
			MarkerTTL: 90 * time.Minute,
			Sweeper:   sweeper,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)

		m.RunSweep()
		assert.Equal(t, int32(1), sweeper.calls.Load())
		assert.Equal(t, int64(90*time.Minute), sweeper.ttl.Load())
	})

	t.Run("should run on schedule until stopped", func(t *testing.T) {
		sweeper := &countingSweeper{}
		m, err := NewMaintenance(MaintenanceConfig{
			Schedule:  "@every 1s",
			MarkerTTL: time.Hour,
			Sweeper:   sweeper,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)

		assert.True(t, m.Next().IsZero())
		m.Start()
		assert.False(t, m.Next().IsZero())

		assert.Eventually(t, func() bool {
			return sweeper.calls.Load() > 0
		}, 5*time.Second, 50*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, m.Stop(ctx))
	})
}
