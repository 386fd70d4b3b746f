package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/lorawan"
)

func (ts *StorageTestSuite) TestAcquireUplinkLock() {
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	ts.T().Run("First acquire", func(t *testing.T) {
		assert := require.New(t)
		assert.NoError(AcquireUplinkLock(context.Background(), devEUI, 10))
	})

	ts.T().Run("Same frame-counter is locked", func(t *testing.T) {
		assert := require.New(t)
		assert.Equal(ErrAlreadyLocked, AcquireUplinkLock(context.Background(), devEUI, 10))
	})

	ts.T().Run("Other frame-counter", func(t *testing.T) {
		assert := require.New(t)
		assert.NoError(AcquireUplinkLock(context.Background(), devEUI, 11))
	})

	ts.T().Run("Lock has TTL", func(t *testing.T) {
		assert := require.New(t)
		ttl, err := RedisClient().PTTL(context.Background(), GetRedisKey(uplinkLockKeyTempl, devEUI, 10)).Result()
		assert.NoError(err)
		assert.True(ttl > 0 && ttl <= lockTTL)
	})
}
