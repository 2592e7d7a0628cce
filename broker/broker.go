package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/metrics"
	"github.com/alwitt/pushgate/registry"
	"github.com/apex/log"
)

// TopicReceiver a session transport able to accept topic messages
type TopicReceiver interface {
	// DeliverTopicMessage queue a topic message for the session. contentType is empty when
	// the publisher did not declare one. With bestEffort set, a full queue drops older
	// best-effort messages instead of failing. Must not block.
	DeliverTopicMessage(topic string, contentType string, payload []byte, bestEffort bool) error
}

// TopicBroker maps topics to subscriber sessions and fans out published messages
type TopicBroker interface {
	// Subscribe add the session to the topic resolved from pattern. Returns the resolved topic.
	Subscribe(sessionID string, pattern string) (string, error)
	// Unsubscribe remove the session from the topic resolved from pattern
	Unsubscribe(sessionID string, pattern string) (bool, error)
	// Publish deliver payload to every subscriber of topic, returning the delivered count.
	// An empty contentType means the payload type is unknown.
	Publish(ctxt context.Context, topic string, contentType string, payload []byte) (int, error)
	// PublishAsync queue payload for delivery to every subscriber of topic
	PublishAsync(ctxt context.Context, topic string, contentType string, payload []byte) error
	// Subscribers snapshot of the sessions subscribed to topic
	Subscribers(topic string) []string
	// TopicCount number of topics with at least one subscriber
	TopicCount() int
	// IsMarketTopic whether topic uses the latest-value-wins policy
	IsMarketTopic(topic string) bool
	// Start start the publish workers
	Start(wg *sync.WaitGroup) error
	// Stop stop the publish workers
	Stop() error
}

const shardCount = 32

// subscriberSet set of session IDs. Never modified once published to a shard.
type subscriberSet map[string]bool

// topicShard one partition of the topic map
type topicShard struct {
	lock   sync.RWMutex
	topics map[string]subscriberSet
}

func (s *topicShard) snapshot(topic string) subscriberSet {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.topics[topic]
}

func (s *topicShard) add(topic, sessionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	current := s.topics[topic]
	if current[sessionID] {
		return
	}
	updated := make(subscriberSet, len(current)+1)
	for id := range current {
		updated[id] = true
	}
	updated[sessionID] = true
	s.topics[topic] = updated
}

func (s *topicShard) remove(topic, sessionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	current, ok := s.topics[topic]
	if !ok || !current[sessionID] {
		return
	}
	if len(current) == 1 {
		delete(s.topics, topic)
		return
	}
	updated := make(subscriberSet, len(current)-1)
	for id := range current {
		if id != sessionID {
			updated[id] = true
		}
	}
	s.topics[topic] = updated
}

// topicBrokerImpl implements TopicBroker
type topicBrokerImpl struct {
	common.Component
	registry     registry.ConnectionRegistry
	shards       [shardCount]*topicShard
	workers      common.TaskProcessor
	marketPrefix []string
}

// GetTopicBroker define a new topic broker
func GetTopicBroker(
	ctxt context.Context,
	instance string,
	sessions registry.ConnectionRegistry,
	config common.BrokerConfig,
) (TopicBroker, error) {
	logTags := log.Fields{
		"module": "broker", "component": "topic-broker", "instance": instance,
	}
	workers, err := common.GetNewKeyedTaskDemuxProcessorInstance(
		ctxt, fmt.Sprintf("%s.publish", instance), config.WorkerQueueSize, config.Workers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define publish workers")
		return nil, err
	}
	instanceRef := &topicBrokerImpl{
		Component:    common.Component{LogTags: logTags},
		registry:     sessions,
		workers:      workers,
		marketPrefix: config.MarketTopicPrefixes,
	}
	for idx := range instanceRef.shards {
		instanceRef.shards[idx] = &topicShard{topics: map[string]subscriberSet{}}
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(publishRequest{}), instanceRef.processPublishRequest,
	); err != nil {
		return nil, err
	}
	sessions.OnTeardown(instanceRef.dropSession)
	return instanceRef, nil
}

func (b *topicBrokerImpl) shardFor(topic string) *topicShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(topic))
	return b.shards[hasher.Sum32()%shardCount]
}

// IsMarketTopic whether topic uses the latest-value-wins policy
func (b *topicBrokerImpl) IsMarketTopic(topic string) bool {
	for _, prefix := range b.marketPrefix {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// dropSession teardown hook removing the session from every topic it subscribed to
func (b *topicBrokerImpl) dropSession(
	session *registry.Session, topics []string, _ registry.TeardownReason,
) {
	for _, topic := range topics {
		b.shardFor(topic).remove(topic, session.ID())
	}
}

// Subscribe add the session to the topic resolved from pattern
func (b *topicBrokerImpl) Subscribe(sessionID string, pattern string) (string, error) {
	session, ok := b.registry.Get(sessionID)
	if !ok {
		return "", &common.SubscriptionError{
			Topic: pattern, Err: fmt.Errorf("session '%s' is not registered", sessionID),
		}
	}
	topic, err := ResolveSubscribeTopic(pattern, session.UserID())
	if err != nil {
		return "", &common.SubscriptionError{Topic: pattern, Err: err}
	}
	shard := b.shardFor(topic)
	if err := session.Attach(topic, func() { shard.add(topic, sessionID) }); err != nil {
		return "", &common.SubscriptionError{Topic: pattern, Err: err}
	}
	log.WithFields(b.LogTags).WithFields(log.Fields{
		"session": sessionID, "topic": topic,
	}).Debug("Subscribed")
	return topic, nil
}

// Unsubscribe remove the session from the topic resolved from pattern
func (b *topicBrokerImpl) Unsubscribe(sessionID string, pattern string) (bool, error) {
	session, ok := b.registry.Get(sessionID)
	if !ok {
		return false, nil
	}
	topic, err := ResolveSubscribeTopic(pattern, session.UserID())
	if err != nil {
		return false, &common.SubscriptionError{Topic: pattern, Err: err}
	}
	shard := b.shardFor(topic)
	removed := session.Detach(topic, func() { shard.remove(topic, sessionID) })
	if removed {
		log.WithFields(b.LogTags).WithFields(log.Fields{
			"session": sessionID, "topic": topic,
		}).Debug("Unsubscribed")
	}
	return removed, nil
}

// Subscribers snapshot of the sessions subscribed to topic
func (b *topicBrokerImpl) Subscribers(topic string) []string {
	set := b.shardFor(topic).snapshot(topic)
	result := make([]string, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	return result
}

// TopicCount number of topics with at least one subscriber
func (b *topicBrokerImpl) TopicCount() int {
	total := 0
	for _, shard := range b.shards {
		shard.lock.RLock()
		total += len(shard.topics)
		shard.lock.RUnlock()
	}
	return total
}

// Start start the publish workers
func (b *topicBrokerImpl) Start(wg *sync.WaitGroup) error {
	return b.workers.StartEventLoop(wg)
}

// Stop stop the publish workers
func (b *topicBrokerImpl) Stop() error {
	return b.workers.StopEventLoop()
}

// ----------------------------------------------------------------------------------------

type publishRequest struct {
	topic       string
	contentType string
	payload     []byte
	resultCB func(int, error)
}

// TaskKey publishes to one topic are serialized on one worker
func (r publishRequest) TaskKey() string {
	return r.topic
}

// Publish deliver payload to every subscriber of topic, returning the delivered count
func (b *topicBrokerImpl) Publish(
	ctxt context.Context, topic string, contentType string, payload []byte,
) (int, error) {
	if err := ValidatePublishTopic(topic); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to publish")
		return 0, err
	}

	type publishResult struct {
		delivered int
		err       error
	}
	complete := make(chan publishResult, 1)
	request := publishRequest{
		topic:       topic,
		contentType: contentType,
		payload:     payload,
		resultCB:    func(delivered int, err error) {
			complete <- publishResult{delivered: delivered, err: err}
		},
	}
	if err := b.workers.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).WithField("topic", topic).Error(
			"Failed to submit publish request",
		)
		return 0, err
	}

	select {
	case result := <-complete:
		return result.delivered, result.err
	case <-ctxt.Done():
		return 0, ctxt.Err()
	}
}

// PublishAsync queue payload for delivery to every subscriber of topic
func (b *topicBrokerImpl) PublishAsync(
	ctxt context.Context, topic string, contentType string, payload []byte,
) error {
	if err := ValidatePublishTopic(topic); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to publish")
		return err
	}
	request := publishRequest{topic: topic, contentType: contentType, payload: payload}
	if err := b.workers.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).WithField("topic", topic).Error(
			"Failed to submit publish request",
		)
		return err
	}
	return nil
}

func (b *topicBrokerImpl) processPublishRequest(param interface{}) error {
	request, ok := param.(publishRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for publish", reflect.TypeOf(param))
	}
	delivered := b.ProcessPublish(request.topic, request.contentType, request.payload)
	if request.resultCB != nil {
		request.resultCB(delivered, nil)
	}
	return nil
}

// ProcessPublish fan out one message to the current subscribers of topic. A failed delivery
// tears down only the failing session.
func (b *topicBrokerImpl) ProcessPublish(topic string, contentType string, payload []byte) int {
	start := time.Now()
	defer func() { metrics.PublishDuration.Observe(time.Since(start).Seconds()) }()

	bestEffort := b.IsMarketTopic(topic)
	policy := "reliable"
	if bestEffort {
		policy = "best-effort"
	}
	delivered := 0
	for sessionID := range b.shardFor(topic).snapshot(topic) {
		session, ok := b.registry.Get(sessionID)
		if !ok {
			continue
		}
		receiver, ok := session.Transport().(TopicReceiver)
		if !ok {
			log.WithFields(b.LogTags).WithField("session", sessionID).Error(
				"Session transport can not receive topic messages",
			)
			continue
		}
		if err := receiver.DeliverTopicMessage(topic, contentType, payload, bestEffort); err != nil {
			deliveryErr := &common.DeliveryError{SessionID: sessionID, Err: err}
			log.WithError(deliveryErr).WithFields(b.LogTags).WithField("topic", topic).Error(
				"Delivery failed, closing session",
			)
			metrics.TopicDeliveryFailures.Inc()
			b.registry.Unregister(sessionID, registry.ReasonDeliveryFailed)
			continue
		}
		delivered++
	}
	metrics.TopicMessagesDelivered.WithLabelValues(policy).Add(float64(delivered))
	return delivered
}
