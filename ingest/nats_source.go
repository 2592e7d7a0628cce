package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/pushgate/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSSubscribeFunc subscribe to a subject, returning the unsubscribe call
type NATSSubscribeFunc func(subject string, cb nats.MsgHandler) (func() error, error)

// SubscribeWithConn NATSSubscribeFunc backed by a NATS connection
func SubscribeWithConn(nc *nats.Conn) NATSSubscribeFunc {
	return func(subject string, cb nats.MsgHandler) (func() error, error) {
		sub, err := nc.Subscribe(subject, cb)
		if err != nil {
			return nil, err
		}
		return sub.Unsubscribe, nil
	}
}

type natsTickSource struct {
	common.Component
	subject   string
	subscribe NATSSubscribeFunc
	lock      sync.Mutex
	started   bool
}

// GetNATSTickSource define a tick source reading from a NATS subject
func GetNATSTickSource(subject string, subscribe NATSSubscribeFunc) (TickSource, error) {
	if subject == "" {
		return nil, fmt.Errorf("NATS tick subject can not be empty")
	}
	return &natsTickSource{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "ingest", "component": "nats-source", "instance": subject,
			},
		},
		subject:   subject,
		subscribe: subscribe,
	}, nil
}

func (s *natsTickSource) Name() string {
	return "nats"
}

func (s *natsTickSource) Start(
	ctxt context.Context, wg *sync.WaitGroup, handler TickHandler,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return fmt.Errorf("already subscribed to %s", s.subject)
	}
	unsubscribe, err := s.subscribe(s.subject, func(msg *nats.Msg) {
		if ctxt.Err() != nil {
			return
		}
		// Errors are logged by the handler
		_ = handler(ctxt, msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to subscribe to %s", s.subject)
		return err
	}
	s.started = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		if err := unsubscribe(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", s.subject,
			)
		}
		log.WithFields(s.LogTags).Infof("Unsubscribed from %s", s.subject)
	}()
	return nil
}
