package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
)

var (
	redisClient redis.UniversalClient
	db          *sqlx.DB

	// recordTTL holds the TTL of the latest device record.
	recordTTL time.Duration

	// lockTTL holds the TTL of the uplink de-duplication lock.
	lockTTL time.Duration
)

// Setup configures the storage backend.
func Setup(c config.Config) error {
	log.Info("storage: setting up storage module")

	recordTTL = c.Redis.RecordTTL
	lockTTL = c.Redis.LockTTL

	if c.Metrics.Timezone != "" {
		if err := SetTimeLocation(c.Metrics.Timezone); err != nil {
			return errors.Wrap(err, "set time location error")
		}
	}

	if err := SetAggregationIntervals(ParseAggregationIntervals(c.Metrics.Redis.AggregationIntervals)); err != nil {
		return errors.Wrap(err, "set aggregation intervals error")
	}

	SetMetricsTTL(
		c.Metrics.Redis.MinuteAggregationTTL,
		c.Metrics.Redis.HourAggregationTTL,
		c.Metrics.Redis.DayAggregationTTL,
		c.Metrics.Redis.MonthAggregationTTL,
	)

	log.Info("storage: setting up Redis client")
	if len(c.Redis.Servers) == 0 {
		return errors.New("at least one redis server must be configured")
	}

	var tlsConfig *tls.Config
	if c.Redis.TLSEnabled {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	if c.Redis.Cluster {
		redisClient = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     c.Redis.Servers,
			PoolSize:  c.Redis.PoolSize,
			Password:  c.Redis.Password,
			TLSConfig: tlsConfig,
		})
	} else if c.Redis.MasterName != "" {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       c.Redis.MasterName,
			SentinelAddrs:    c.Redis.Servers,
			SentinelPassword: c.Redis.Password,
			DB:               c.Redis.Database,
			PoolSize:         c.Redis.PoolSize,
			TLSConfig:        tlsConfig,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:      c.Redis.Servers[0],
			DB:        c.Redis.Database,
			Password:  c.Redis.Password,
			PoolSize:  c.Redis.PoolSize,
			TLSConfig: tlsConfig,
		})
	}

	if c.PostgreSQL.DSN == "" {
		db = nil
		log.Info("storage: no PostgreSQL dsn configured, measurement history is disabled")
		return nil
	}

	log.Info("storage: connecting to PostgreSQL")
	d, err := sqlx.Open("postgres", c.PostgreSQL.DSN)
	if err != nil {
		return errors.Wrap(err, "storage: PostgreSQL connection error")
	}
	d.SetMaxOpenConns(c.PostgreSQL.MaxOpenConnections)
	d.SetMaxIdleConns(c.PostgreSQL.MaxIdleConnections)
	for {
		if err := d.Ping(); err != nil {
			log.WithError(err).Warning("storage: ping PostgreSQL database error, will retry in 2s")
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	db = d

	if c.PostgreSQL.Automigrate {
		if err := MigrateUp(db); err != nil {
			return err
		}
	}

	return nil
}

// RedisClient returns the Redis client.
func RedisClient() redis.UniversalClient {
	return redisClient
}

// DB returns the PostgreSQL database object. It returns nil when no
// PostgreSQL dsn was configured.
func DB() *sqlx.DB {
	return db
}

// Ping checks the connectivity of the configured storage backends.
func Ping(ctx context.Context) error {
	if err := RedisClient().Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping error")
	}

	if db != nil {
		if err := db.PingContext(ctx); err != nil {
			return errors.Wrap(err, "postgresql ping error")
		}
	}

	return nil
}

// GetRedisKey returns the Redis key given a template and parameters.
func GetRedisKey(tmpl string, params ...interface{}) string {
	return fmt.Sprintf(tmpl, params...)
}
