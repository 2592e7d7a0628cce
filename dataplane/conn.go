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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/registry"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// defineUpgrader build the websocket upgrader enforcing the origin policy
func defineUpgrader(config common.WebsocketConfig) *websocket.Upgrader {
	allowAll := false
	allowed := map[string]bool{}
	for _, origin := range config.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(origin)] = true
	}
	return &websocket.Upgrader{
		HandshakeTimeout: time.Duration(config.HandshakeTimeout) * time.Millisecond,
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowed[strings.ToLower(origin)]
		},
	}
}

// wsConn websocket plumbing shared by both endpoint framings
type wsConn struct {
	common.Component
	conn         *websocket.Conn
	queue        *outboundQueue
	sessions     registry.ConnectionRegistry
	sessionID    string
	writeTimeout time.Duration
	maxInbound   int64
	writerDone   chan struct{}
	closeConn    sync.Once
}

func newWSConn(
	logTags log.Fields,
	conn *websocket.Conn,
	sessions registry.ConnectionRegistry,
	config common.WebsocketConfig,
) *wsConn {
	return &wsConn{
		Component:    common.Component{LogTags: logTags},
		conn:         conn,
		queue:        newOutboundQueue(config.OutboundQueueSize),
		sessions:     sessions,
		writeTimeout: time.Duration(config.WriteTimeout) * time.Millisecond,
		maxInbound:   config.MaxInboundMessageSize,
		writerDone:   make(chan struct{}),
	}
}

// bind associate the connection with its registered session
func (c *wsConn) bind(sessionID string) {
	c.sessionID = sessionID
	c.LogTags = c.ExtendLogTags(log.Fields{"session": sessionID})
}

// Probe queue a websocket ping for the writer pump. Does not block on the socket.
func (c *wsConn) Probe() error {
	_, err := c.queue.offerLatest(outboundItem{messageType: websocket.PingMessage})
	return err
}

// Close stop the writer pump, which closes the socket. Does not block.
func (c *wsConn) Close() error {
	c.queue.close()
	return nil
}

// closeSocket close the underlying socket once
func (c *wsConn) closeSocket() {
	c.closeConn.Do(func() {
		if err := c.conn.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Socket close reported error")
		}
	})
}

// writeRaw write one message directly to the socket with the write deadline applied.
// Only the writer pump, or the handshake before the pump starts, may call this.
func (c *wsConn) writeRaw(messageType int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}

// writePump drain the outbound queue onto the socket
func (c *wsConn) writePump() {
	defer close(c.writerDone)
	defer c.closeSocket()
	for {
		item, ok := c.queue.next()
		if !ok {
			select {
			case <-c.queue.notify:
				continue
			case <-c.queue.done:
				// flush whatever was queued before the close
				for {
					pending, ok := c.queue.next()
					if !ok {
						break
					}
					if err := c.writeRaw(pending.messageType, pending.payload); err != nil {
						return
					}
				}
				_ = c.writeRaw(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			}
		}
		if err := c.writeRaw(item.messageType, item.payload); err != nil {
			deliveryErr := &common.DeliveryError{SessionID: c.sessionID, Err: err}
			log.WithError(deliveryErr).WithFields(c.LogTags).Error("Socket write failed")
			c.sessions.Unregister(c.sessionID, registry.ReasonDeliveryFailed)
			return
		}
		if item.closeAfter {
			log.WithFields(c.LogTags).Debug("Closing after final frame")
			_ = c.writeRaw(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			c.sessions.Unregister(c.sessionID, registry.ReasonClientClosed)
			return
		}
	}
}

// readPump read inbound messages until the socket fails, handing each to handler.
// Every inbound message and pong counts as session activity.
func (c *wsConn) readPump(handler func(messageType int, payload []byte) error) {
	c.conn.SetReadLimit(c.maxInbound)
	c.conn.SetPongHandler(func(string) error {
		c.sessions.Touch(c.sessionID)
		return nil
	})
	defaultPing := c.conn.PingHandler()
	c.conn.SetPingHandler(func(appData string) error {
		c.sessions.Touch(c.sessionID)
		return defaultPing(appData)
	})
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(c.LogTags).Debug("Unexpected socket close")
			}
			return
		}
		c.sessions.Touch(c.sessionID)
		if err := handler(messageType, payload); err != nil {
			log.WithError(err).WithFields(c.LogTags).Info("Closing session after inbound failure")
			c.sessions.Unregister(c.sessionID, registry.ReasonProtocolError)
			return
		}
	}
}

// run start the writer pump, read until the connection ends, then tear the session down.
// beforeTeardown, if set, runs once reading stops and before the session is unregistered.
func (c *wsConn) run(
	handler func(messageType int, payload []byte) error, beforeTeardown func(),
) {
	go c.writePump()
	c.readPump(handler)
	if beforeTeardown != nil {
		beforeTeardown()
	}
	c.sessions.Unregister(c.sessionID, registry.ReasonClientClosed)
	// writer exits once the queue closes; bound the wait by the write deadline
	select {
	case <-c.writerDone:
	case <-time.After(c.writeTimeout * 2):
		c.closeSocket()
		<-c.writerDone
	}
}
