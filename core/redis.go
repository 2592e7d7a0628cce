package core

import (
	"context"
	"time"

	"github.com/alwitt/pushgate/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// GetRedisClient define a new Redis client and verify the server is reachable
func GetRedisClient(ctxt context.Context, config common.RedisConfig) (*redis.Client, error) {
	logTags := log.Fields{
		"module": "core", "component": "redis-client", "instance": config.Addr,
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtxt, cancel := context.WithTimeout(ctxt, time.Second*5)
	defer cancel()
	if err := client.Ping(pingCtxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis ping failed")
		_ = client.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created Redis client")
	return client, nil
}
