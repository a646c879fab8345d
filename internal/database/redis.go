package database

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"

	"github.com/playoffpool/backend/internal/observability"
)

// InitRedis initializes the Redis client used for the derived-balance
// cache. Redis is strictly a projection of the ledger; the service runs
// fine without it, so a failed connection returns nil rather than aborting
// startup.
func InitRedis() *redis.Client {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	log := observability.NewLogger("database")

	addr := viper.GetString("redis.host") + ":" + viper.GetString("redis.port")
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis connection failed, continuing without balance cache")
		return nil
	}

	log.Info().Str("addr", addr).Msg("redis connection established")
	return rdb
}
