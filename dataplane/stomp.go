// Copyright 2021-2022 The pushgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/pushgate/auth"
	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/metrics"
	"github.com/alwitt/pushgate/registry"
	"github.com/apex/log"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const stompServerName = "pushgate/1.0"

var errInboundRateExceeded = fmt.Errorf("inbound frame rate exceeded, frame dropped")

// StompEndpoint serves broker-framed (STOMP over websocket) client connections
type StompEndpoint struct {
	common.Component
	sessions  registry.ConnectionRegistry
	broker    broker.TopicBroker
	authn     auth.Authenticator
	upgrader  *websocket.Upgrader
	wsConfig  common.WebsocketConfig
	config    common.StompEndpointConfig
	heartbeat int
}

// GetStompEndpoint define a new STOMP websocket endpoint
func GetStompEndpoint(
	instance string,
	sessions registry.ConnectionRegistry,
	topicBroker broker.TopicBroker,
	authn auth.Authenticator,
	wsConfig common.WebsocketConfig,
	config common.StompEndpointConfig,
	heartbeatIntervalMs int,
) (*StompEndpoint, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "stomp-endpoint", "instance": instance,
	}
	if heartbeatIntervalMs <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	return &StompEndpoint{
		Component: common.Component{LogTags: logTags},
		sessions:  sessions,
		broker:    topicBroker,
		authn:     authn,
		upgrader:  defineUpgrader(wsConfig),
		wsConfig:  wsConfig,
		config:    config,
		heartbeat: heartbeatIntervalMs,
	}, nil
}

// encodeFrame render a frame to its wire form
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeFrame parse one frame from a websocket message. A heart-beat yields nil.
func decodeFrame(payload []byte) (*frame.Frame, error) {
	if isHeartBeat(payload) {
		return nil, nil
	}
	return frame.NewReader(bytes.NewReader(payload)).Read()
}

// errorFrame define an ERROR frame, echoing the receipt of the offending frame
func errorFrame(message string, detail error, offending *frame.Frame) *frame.Frame {
	f := frame.New(frame.ERROR, frame.Message, message)
	if offending != nil {
		if receipt, ok := offending.Header.Contains(frame.Receipt); ok {
			f.Header.Add(frame.ReceiptId, receipt)
		}
	}
	if detail != nil {
		f.Header.Add(frame.ContentType, "text/plain")
		f.Body = []byte(detail.Error())
	}
	return f
}

// rejectHandshake answer a failed handshake with an ERROR frame and close the socket
func (e *StompEndpoint) rejectHandshake(conn *websocket.Conn, remote string, cause error) {
	connErr := &common.ConnectionError{Remote: remote, Err: cause}
	log.WithError(connErr).WithFields(e.LogTags).Info("STOMP handshake rejected")
	metrics.HandshakeFailures.WithLabelValues("stomp").Inc()
	if payload, err := encodeFrame(errorFrame("handshake failed", cause, nil)); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Duration(e.wsConfig.WriteTimeout) * time.Millisecond))
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = conn.Close()
}

// readConnectFrame wait for the CONNECT frame and negotiate the protocol version
func (e *StompEndpoint) readConnectFrame(conn *websocket.Conn) (*frame.Frame, string, error) {
	handshakeTimeout := time.Duration(e.wsConfig.HandshakeTimeout) * time.Millisecond
	conn.SetReadLimit(e.wsConfig.MaxInboundMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, "", err
	}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, "", err
		}
		connect, err := decodeFrame(payload)
		if err != nil {
			return nil, "", err
		}
		if connect == nil {
			continue
		}
		if connect.Command != frame.CONNECT && connect.Command != frame.STOMP {
			return nil, "", fmt.Errorf("expected CONNECT, got %s", connect.Command)
		}
		version, err := negotiateVersion(connect.Header.Get(frame.AcceptVersion))
		if err != nil {
			return nil, "", err
		}
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, "", err
		}
		return connect, version, nil
	}
}

// Handler serve one STOMP client connection
func (e *StompEndpoint) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := e.authn.ResolveUser(r)
		if err != nil {
			metrics.HandshakeFailures.WithLabelValues("stomp").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).WithFields(e.LogTags).Error("Websocket upgrade failed")
			metrics.HandshakeFailures.WithLabelValues("stomp").Inc()
			return
		}

		_, version, err := e.readConnectFrame(conn)
		if err != nil {
			e.rejectHandshake(conn, r.RemoteAddr, err)
			return
		}

		client := &stompSession{
			wsConn:  newWSConn(e.LogTags, conn, e.sessions, e.wsConfig),
			broker:  e.broker,
			userID:  userID,
			limiter: rate.NewLimiter(rate.Limit(e.config.InboundRatePerSec), e.config.InboundBurst),
			subs:    map[string]stompSubscription{},
			byTopic: map[string]map[string]bool{},
		}
		session, err := e.sessions.Register(client, registry.TransportBrokerFramed, userID)
		if err != nil {
			e.rejectHandshake(conn, r.RemoteAddr, err)
			return
		}
		client.bind(session.ID())

		connected := frame.New(
			frame.CONNECTED,
			frame.Version, version,
			frame.HeartBeat, heartBeatHeader(e.heartbeat),
			frame.Session, session.ID(),
			frame.Server, stompServerName,
		)
		if userID != "" {
			connected.Header.Add("user-name", userID)
		}
		if err := client.enqueueFrame(connected); err != nil {
			e.sessions.Unregister(session.ID(), registry.ReasonDeliveryFailed)
			return
		}
		client.connected.Store(true)
		log.WithFields(client.LogTags).WithFields(log.Fields{
			"version": version, "user": userID,
		}).Info("STOMP session connected")

		client.run(func(_ int, payload []byte) error {
			if !client.limiter.Allow() {
				return client.replyError("rate limit exceeded", errInboundRateExceeded, nil)
			}
			return client.processInbound(r.Context(), payload)
		}, nil)
		log.WithFields(client.LogTags).Info("STOMP session ended")
	}
}

// ----------------------------------------------------------------------------------------

type stompSubscription struct {
	destination string
	pattern     string
	topic       string
}

// stompSession one connected STOMP client
type stompSession struct {
	*wsConn
	broker    broker.TopicBroker
	userID    string
	limiter   *rate.Limiter
	messageID atomic.Uint64
	connected atomic.Bool

	subsLock sync.Mutex
	subs     map[string]stompSubscription
	byTopic  map[string]map[string]bool
}

// enqueueFrame queue a control frame for the client
func (s *stompSession) enqueueFrame(f *frame.Frame) error {
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return s.queue.tryPush(outboundItem{messageType: websocket.TextMessage, payload: payload})
}

// Probe send a STOMP heart-beat along with the websocket ping
func (s *stompSession) Probe() error {
	if !s.connected.Load() {
		return s.wsConn.Probe()
	}
	if _, err := s.queue.offerLatest(outboundItem{
		messageType: websocket.TextMessage, payload: []byte("\n"),
	}); err != nil {
		return err
	}
	return s.wsConn.Probe()
}

// DeliverTopicMessage queue a MESSAGE frame per client subscription on the topic
func (s *stompSession) DeliverTopicMessage(
	topic string, contentType string, payload []byte, bestEffort bool,
) error {
	s.subsLock.Lock()
	targets := make([]stompSubscription, 0, len(s.byTopic[topic]))
	ids := make([]string, 0, len(s.byTopic[topic]))
	for id := range s.byTopic[topic] {
		targets = append(targets, s.subs[id])
		ids = append(ids, id)
	}
	s.subsLock.Unlock()

	for idx, sub := range targets {
		msg := frame.New(
			frame.MESSAGE,
			frame.Subscription, ids[idx],
			frame.MessageId, fmt.Sprintf("%s-%d", s.sessionID, s.messageID.Add(1)),
			frame.Destination, sub.destination,
			frame.ContentLength, strconv.Itoa(len(payload)),
		)
		if contentType != "" {
			msg.Header.Add(frame.ContentType, contentType)
		}
		msg.Body = payload
		encoded, err := encodeFrame(msg)
		if err != nil {
			return err
		}
		item := outboundItem{messageType: websocket.TextMessage, payload: encoded}
		if bestEffort {
			dropped, err := s.queue.offerLatest(item)
			if err != nil {
				return err
			}
			if dropped {
				metrics.MarketTicksDropped.Inc()
			}
			continue
		}
		if err := s.queue.tryPush(item); err != nil {
			return err
		}
	}
	return nil
}

// replyReceipt queue a RECEIPT if the frame asked for one
func (s *stompSession) replyReceipt(f *frame.Frame, closeAfter bool) error {
	receipt, ok := f.Header.Contains(frame.Receipt)
	if !ok {
		if closeAfter {
			s.sessions.Unregister(s.sessionID, registry.ReasonClientClosed)
		}
		return nil
	}
	payload, err := encodeFrame(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
	if err != nil {
		return err
	}
	return s.queue.tryPush(outboundItem{
		messageType: websocket.TextMessage, payload: payload, closeAfter: closeAfter,
	})
}

// replyError queue an ERROR frame. The session stays open.
func (s *stompSession) replyError(message string, detail error, offending *frame.Frame) error {
	log.WithError(detail).WithFields(s.LogTags).Info(message)
	payload, err := encodeFrame(errorFrame(message, detail, offending))
	if err != nil {
		return err
	}
	return s.queue.tryPush(outboundItem{messageType: websocket.TextMessage, payload: payload})
}

// processInbound handle one inbound websocket message. A returned error ends the session.
func (s *stompSession) processInbound(ctxt context.Context, payload []byte) error {
	f, err := decodeFrame(payload)
	if err != nil {
		_ = s.replyError("malformed frame", err, nil)
		return err
	}
	if f == nil {
		return nil
	}
	switch f.Command {
	case frame.SUBSCRIBE:
		return s.processSubscribe(f)
	case frame.UNSUBSCRIBE:
		return s.processUnsubscribe(f)
	case frame.SEND:
		return s.processSend(ctxt, f)
	case frame.DISCONNECT:
		return s.replyReceipt(f, true)
	case frame.ACK, frame.NACK:
		return nil
	case frame.BEGIN, frame.COMMIT, frame.ABORT:
		return s.replyError("transactions not supported", fmt.Errorf("%s unsupported", f.Command), f)
	case frame.CONNECT, frame.STOMP:
		return s.replyError("already connected", fmt.Errorf("duplicate %s", f.Command), f)
	default:
		return s.replyError("unknown command", fmt.Errorf("unknown command '%s'", f.Command), f)
	}
}

func (s *stompSession) processSubscribe(f *frame.Frame) error {
	id := f.Header.Get(frame.Id)
	destination := f.Header.Get(frame.Destination)
	if id == "" || destination == "" {
		return s.replyError(
			"invalid SUBSCRIBE", fmt.Errorf("id and destination headers are required"), f,
		)
	}
	s.subsLock.Lock()
	_, duplicate := s.subs[id]
	s.subsLock.Unlock()
	if duplicate {
		return s.replyError("invalid SUBSCRIBE", fmt.Errorf("subscription '%s' already exists", id), f)
	}
	pattern, err := subscribeDestinationToPattern(destination)
	if err != nil {
		return s.replyError("invalid destination", err, f)
	}
	topic, err := broker.ResolveSubscribeTopic(pattern, s.userID)
	if err != nil {
		return s.replyError(
			"subscription rejected", &common.SubscriptionError{Topic: pattern, Err: err}, f,
		)
	}
	// record locally first so no message published right after subscribing is missed
	s.subsLock.Lock()
	s.subs[id] = stompSubscription{destination: destination, pattern: pattern, topic: topic}
	if _, ok := s.byTopic[topic]; !ok {
		s.byTopic[topic] = map[string]bool{}
	}
	s.byTopic[topic][id] = true
	s.subsLock.Unlock()
	if _, err := s.broker.Subscribe(s.sessionID, pattern); err != nil {
		s.forgetSubscription(id)
		return s.replyError("subscription rejected", err, f)
	}
	return s.replyReceipt(f, false)
}

// forgetSubscription drop a local subscription record. Returns the record and whether it
// was the last subscription on its topic.
func (s *stompSession) forgetSubscription(id string) (stompSubscription, bool, bool) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return sub, false, false
	}
	delete(s.subs, id)
	delete(s.byTopic[sub.topic], id)
	if len(s.byTopic[sub.topic]) == 0 {
		delete(s.byTopic, sub.topic)
		return sub, true, true
	}
	return sub, true, false
}

func (s *stompSession) processUnsubscribe(f *frame.Frame) error {
	id := f.Header.Get(frame.Id)
	if id == "" {
		return s.replyError("invalid UNSUBSCRIBE", fmt.Errorf("id header is required"), f)
	}
	sub, _, lastForTopic := s.forgetSubscription(id)
	if lastForTopic {
		if _, err := s.broker.Unsubscribe(s.sessionID, sub.pattern); err != nil {
			return s.replyError("unsubscribe failed", err, f)
		}
	}
	return s.replyReceipt(f, false)
}

func (s *stompSession) processSend(ctxt context.Context, f *frame.Frame) error {
	topic, err := sendDestinationToTopic(f.Header.Get(frame.Destination))
	if err != nil {
		return s.replyError("invalid destination", err, f)
	}
	if err := s.broker.PublishAsync(ctxt, topic, f.Header.Get(frame.ContentType), f.Body); err != nil {
		return s.replyError("publish failed", err, f)
	}
	return s.replyReceipt(f, false)
}
