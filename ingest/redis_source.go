package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/pushgate/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

type redisTickSource struct {
	common.Component
	client  *redis.Client
	pattern string
	lock    sync.Mutex
	started bool
}

// GetRedisTickSource define a tick source reading from Redis channels matching pattern
func GetRedisTickSource(client *redis.Client, pattern string) (TickSource, error) {
	if pattern == "" {
		return nil, fmt.Errorf("redis tick channel pattern can not be empty")
	}
	return &redisTickSource{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "ingest", "component": "redis-source", "instance": pattern,
			},
		},
		client:  client,
		pattern: pattern,
	}, nil
}

func (s *redisTickSource) Name() string {
	return "redis"
}

func (s *redisTickSource) Start(
	ctxt context.Context, wg *sync.WaitGroup, handler TickHandler,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return fmt.Errorf("already subscribed to %s", s.pattern)
	}
	pubsub := s.client.PSubscribe(ctxt, s.pattern)
	// Wait for the subscription confirmation
	if _, err := pubsub.Receive(ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to subscribe to %s", s.pattern)
		_ = pubsub.Close()
		return err
	}
	s.started = true
	messages := pubsub.Channel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if err := pubsub.Close(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to close subscription")
			}
			log.WithFields(s.LogTags).Infof("Unsubscribed from %s", s.pattern)
		}()
		for {
			select {
			case <-ctxt.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				_ = handler(ctxt, []byte(msg.Payload))
			}
		}
	}()
	return nil
}
