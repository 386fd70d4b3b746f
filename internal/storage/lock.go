package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

const (
	uplinkLockKeyTempl = "dht22:uplink:lock:%s:%d" // DevEUI | FCnt
)

// AcquireUplinkLock acquires the de-duplication lock for the given device
// frame-counter. It returns ErrAlreadyLocked when the frame was already
// claimed within the lock TTL.
func AcquireUplinkLock(ctx context.Context, devEUI lorawan.EUI64, fCnt uint32) error {
	key := GetRedisKey(uplinkLockKeyTempl, devEUI, fCnt)

	set, err := RedisClient().SetNX(ctx, key, "lock", lockTTL).Result()
	if err != nil {
		return errors.Wrap(err, "acquire uplink lock error")
	}

	if !set {
		return ErrAlreadyLocked
	}

	return nil
}
