package storage

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Rdb 房间目录使用的 Redis 连接
var Rdb *redis.Client
var Ctx = context.Background()

func InitRedis(addr, password string, db int) error {
	Rdb = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return Rdb.Ping(Ctx).Err()
}
