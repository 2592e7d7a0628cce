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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/pushgate/auth"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/metrics"
	"github.com/alwitt/pushgate/orderpush"
	"github.com/alwitt/pushgate/registry"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// OrderEncoding wire encoding of pushed order events
type OrderEncoding string

const (
	// EncodingJSON JSON envelopes in text messages
	EncodingJSON OrderEncoding = "json"
	// EncodingMsgpack msgpack envelopes in binary messages
	EncodingMsgpack OrderEncoding = "msgpack"
)

// EncodingQueryParam query parameter selecting the order event encoding
const EncodingQueryParam = "encoding"

// encodeOrderEvent wrap the event in its envelope and encode it
func encodeOrderEvent(encoding OrderEncoding, event common.OrderEvent) (int, []byte, error) {
	envelope := common.OrderEventEnvelope{Type: common.OrderEventEnvelopeType, Data: event}
	switch encoding {
	case EncodingMsgpack:
		payload, err := msgpack.Marshal(&envelope)
		return websocket.BinaryMessage, payload, err
	default:
		payload, err := json.Marshal(&envelope)
		return websocket.TextMessage, payload, err
	}
}

// OrderEndpoint serves native order event push connections
type OrderEndpoint struct {
	common.Component
	sessions registry.ConnectionRegistry
	channel  orderpush.OrderEventChannel
	authn    auth.Authenticator
	upgrader *websocket.Upgrader
	wsConfig common.WebsocketConfig
}

// GetOrderEndpoint define a new order event websocket endpoint
func GetOrderEndpoint(
	instance string,
	sessions registry.ConnectionRegistry,
	channel orderpush.OrderEventChannel,
	authn auth.Authenticator,
	wsConfig common.WebsocketConfig,
) (*OrderEndpoint, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "order-endpoint", "instance": instance,
	}
	return &OrderEndpoint{
		Component: common.Component{LogTags: logTags},
		sessions:  sessions,
		channel:   channel,
		authn:     authn,
		upgrader:  defineUpgrader(wsConfig),
		wsConfig:  wsConfig,
	}, nil
}

// Handler serve one order event push connection
func (e *OrderEndpoint) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := e.authn.ResolveUser(r)
		if err == nil && userID == "" {
			err = &common.ConnectionError{
				Remote: r.RemoteAddr, Err: fmt.Errorf("order channel requires an authenticated user"),
			}
		}
		if err != nil {
			log.WithError(err).WithFields(e.LogTags).Info("Order channel handshake rejected")
			metrics.HandshakeFailures.WithLabelValues("orders").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		encoding := EncodingJSON
		if requested := r.URL.Query().Get(EncodingQueryParam); requested != "" {
			switch OrderEncoding(strings.ToLower(requested)) {
			case EncodingJSON:
			case EncodingMsgpack:
				encoding = EncodingMsgpack
			default:
				metrics.HandshakeFailures.WithLabelValues("orders").Inc()
				http.Error(w, fmt.Sprintf("unsupported encoding '%s'", requested), http.StatusBadRequest)
				return
			}
		}

		conn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).WithFields(e.LogTags).Error("Websocket upgrade failed")
			metrics.HandshakeFailures.WithLabelValues("orders").Inc()
			return
		}

		client := &orderSession{
			wsConn:   newWSConn(e.LogTags, conn, e.sessions, e.wsConfig),
			encoding: encoding,
		}
		session, err := e.sessions.Register(client, registry.TransportNative, userID)
		if err != nil {
			log.WithError(err).WithFields(e.LogTags).Error("Unable to register session")
			_ = conn.Close()
			return
		}
		client.bind(session.ID())
		if err := e.channel.Attach(session); err != nil {
			log.WithError(err).WithFields(client.LogTags).Error("Unable to attach order channel")
			e.sessions.Unregister(session.ID(), registry.ReasonProtocolError)
			return
		}
		if err := e.channel.Open(session.ID(), userID); err != nil {
			log.WithError(err).WithFields(client.LogTags).Error("Unable to open order channel")
			e.sessions.Unregister(session.ID(), registry.ReasonProtocolError)
			return
		}
		log.WithFields(client.LogTags).WithFields(log.Fields{
			"user": userID, "encoding": encoding,
		}).Info("Order channel open")

		client.run(client.processInbound, func() {
			if err := e.channel.Close(session.ID()); err != nil {
				log.WithError(err).WithFields(client.LogTags).Debug("Order channel already closing")
			}
		})
		log.WithFields(client.LogTags).Info("Order channel ended")
	}
}

// ----------------------------------------------------------------------------------------

// orderSession one order event push connection
type orderSession struct {
	*wsConn
	encoding OrderEncoding
}

// DeliverOrderEvent queue the event, waiting for room until the context expires
func (s *orderSession) DeliverOrderEvent(ctxt context.Context, event common.OrderEvent) error {
	messageType, payload, err := encodeOrderEvent(s.encoding, event)
	if err != nil {
		return err
	}
	return s.queue.pushWait(ctxt, outboundItem{messageType: messageType, payload: payload})
}

// processInbound any inbound message is activity. A text "ping" is answered with "pong".
func (s *orderSession) processInbound(messageType int, payload []byte) error {
	if messageType == websocket.TextMessage && strings.TrimSpace(string(payload)) == "ping" {
		if _, err := s.queue.offerLatest(outboundItem{
			messageType: websocket.TextMessage, payload: []byte("pong"),
		}); err != nil {
			return err
		}
	}
	return nil
}
