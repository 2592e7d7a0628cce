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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushgate/auth"
	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/orderpush"
	"github.com/alwitt/pushgate/registry"
	"github.com/apex/log"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

const testJWTSecret = "dataplane-test-secret"

type testStack struct {
	sessions registry.ConnectionRegistry
	broker   broker.TopicBroker
	channel  orderpush.OrderEventChannel
	server   *httptest.Server
}

func testWebsocketConfig() common.WebsocketConfig {
	return common.WebsocketConfig{
		AllowedOrigins:        []string{"https://app.example.com"},
		ReadBufferSize:        4096,
		WriteBufferSize:       4096,
		MaxInboundMessageSize: 65536,
		WriteTimeout:          2000,
		HandshakeTimeout:      500,
		OutboundQueueSize:     64,
	}
}

func defineTestStack(t *testing.T, ctxt context.Context, wg *sync.WaitGroup) *testStack {
	return defineTestStackWithStomp(
		t, ctxt, wg,
		common.StompEndpointConfig{Path: "/ws/stomp", InboundRatePerSec: 1000, InboundBurst: 1000},
	)
}

func defineTestStackWithStomp(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, stompConfig common.StompEndpointConfig,
) *testStack {
	sessions, err := registry.GetConnectionRegistry("testing")
	require.Nil(t, err)
	topicBroker, err := broker.GetTopicBroker(ctxt, "testing", sessions, common.BrokerConfig{
		Workers: 2, WorkerQueueSize: 16, MarketTopicPrefixes: []string{"reits/"},
	})
	require.Nil(t, err)
	require.Nil(t, topicBroker.Start(wg))
	channel, err := orderpush.GetOrderEventChannel("testing", sessions, time.Second, 4)
	require.Nil(t, err)
	authn, err := auth.GetJWTAuthenticator("testing", common.AuthConfig{
		JWTSecret: testJWTSecret, TokenCacheSize: 16,
	})
	require.Nil(t, err)

	stompEndpoint, err := GetStompEndpoint(
		"testing", sessions, topicBroker, authn, testWebsocketConfig(), stompConfig, 10000,
	)
	require.Nil(t, err)
	orderEndpoint, err := GetOrderEndpoint("testing", sessions, channel, authn, testWebsocketConfig())
	require.Nil(t, err)

	router := mux.NewRouter()
	router.HandleFunc("/ws/stomp", stompEndpoint.Handler())
	router.HandleFunc("/ws/orders", orderEndpoint.Handler())

	return &testStack{
		sessions: sessions,
		broker:   topicBroker,
		channel:  channel,
		server:   httptest.NewServer(router),
	}
}

func (s *testStack) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + path
}

func userToken(t *testing.T, user string) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	require.Nil(t, err)
	return token
}

func sendFrame(t *testing.T, conn *websocket.Conn, f *frame.Frame) {
	payload, err := encodeFrame(f)
	require.Nil(t, err)
	require.Nil(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func readFrame(t *testing.T, conn *websocket.Conn) *frame.Frame {
	for {
		require.Nil(t, conn.SetReadDeadline(time.Now().Add(time.Second*2)))
		_, payload, err := conn.ReadMessage()
		require.Nil(t, err)
		f, err := decodeFrame(payload)
		require.Nil(t, err)
		if f != nil {
			return f
		}
	}
}

func stompConnect(t *testing.T, stack *testStack, header http.Header) (*websocket.Conn, *frame.Frame) {
	conn, _, err := websocket.DefaultDialer.Dial(stack.wsURL("/ws/stomp"), header)
	require.Nil(t, err)
	sendFrame(t, conn, frame.New(frame.CONNECT, frame.AcceptVersion, "1.1,1.2", frame.Host, "localhost"))
	return conn, readFrame(t, conn)
}

func TestStompHandshake(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := defineTestStack(t, ctxt, &wg)
	defer stack.server.Close()
	defer func() {
		assert.Nil(stack.broker.Stop())
	}()

	// Case 1: first frame is not CONNECT
	{
		conn, _, err := websocket.DefaultDialer.Dial(stack.wsURL("/ws/stomp"), nil)
		assert.Nil(err)
		sendFrame(t, conn, frame.New(frame.SEND, frame.Destination, "/topic/news"))
		reply := readFrame(t, conn)
		assert.Equal(frame.ERROR, reply.Command)
		_, _, err = conn.ReadMessage()
		assert.NotNil(err)
		assert.Equal(0, stack.sessions.Count())
		_ = conn.Close()
	}

	// Case 2: unsupported version
	{
		conn, _, err := websocket.DefaultDialer.Dial(stack.wsURL("/ws/stomp"), nil)
		assert.Nil(err)
		sendFrame(t, conn, frame.New(frame.CONNECT, frame.AcceptVersion, "2.0"))
		reply := readFrame(t, conn)
		assert.Equal(frame.ERROR, reply.Command)
		assert.Equal(0, stack.sessions.Count())
		_ = conn.Close()
	}

	// Case 3: no CONNECT within the handshake timeout
	{
		conn, _, err := websocket.DefaultDialer.Dial(stack.wsURL("/ws/stomp"), nil)
		assert.Nil(err)
		reply := readFrame(t, conn)
		assert.Equal(frame.ERROR, reply.Command)
		assert.Equal(0, stack.sessions.Count())
		_ = conn.Close()
	}

	// Case 4: invalid token
	{
		header := http.Header{}
		header.Set("Authorization", "Bearer not-a-token")
		_, resp, err := websocket.DefaultDialer.Dial(stack.wsURL("/ws/stomp"), header)
		assert.NotNil(err)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
	}

	// Case 5: origin not allowed
	{
		header := http.Header{}
		header.Set("Origin", "https://evil.example.com")
		_, resp, err := websocket.DefaultDialer.Dial(stack.wsURL("/ws/stomp"), header)
		assert.NotNil(err)
		assert.Equal(http.StatusForbidden, resp.StatusCode)
	}

	// Case 6: successful connect
	{
		header := http.Header{}
		header.Set("Origin", "https://app.example.com")
		header.Set("Authorization", "Bearer "+userToken(t, "alice"))
		conn, connected := stompConnect(t, stack, header)
		assert.Equal(frame.CONNECTED, connected.Command)
		assert.Equal("1.2", connected.Header.Get(frame.Version))
		assert.Equal("10000,10000", connected.Header.Get(frame.HeartBeat))
		assert.Equal("alice", connected.Header.Get("user-name"))
		sessionID := connected.Header.Get(frame.Session)
		session, ok := stack.sessions.Get(sessionID)
		assert.True(ok)
		assert.Equal("alice", session.UserID())
		assert.Equal(registry.TransportBrokerFramed, session.Kind())

		// DISCONNECT with receipt
		sendFrame(t, conn, frame.New(frame.DISCONNECT, frame.Receipt, "bye"))
		receipt := readFrame(t, conn)
		assert.Equal(frame.RECEIPT, receipt.Command)
		assert.Equal("bye", receipt.Header.Get(frame.ReceiptId))
		assert.Eventually(func() bool {
			return stack.sessions.Count() == 0
		}, time.Second, time.Millisecond*10)
		_ = conn.Close()
	}
}

func TestStompSubscribeAndReceive(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := defineTestStack(t, ctxt, &wg)
	defer stack.server.Close()
	defer func() {
		assert.Nil(stack.broker.Stop())
	}()

	conn, connected := stompConnect(t, stack, nil)
	defer func() { _ = conn.Close() }()
	assert.Equal(frame.CONNECTED, connected.Command)
	sessionID := connected.Header.Get(frame.Session)

	publish := func(topic, payload string) int {
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
		defer lclCancel()
		delivered, err := stack.broker.Publish(useContext, topic, "application/json", []byte(payload))
		assert.Nil(err)
		return delivered
	}

	// Case 1: subscribe with receipt
	{
		sendFrame(t, conn, frame.New(
			frame.SUBSCRIBE,
			frame.Id, "sub-0",
			frame.Destination, "/topic/reits/PROD1",
			frame.Receipt, "r-1",
		))
		receipt := readFrame(t, conn)
		assert.Equal(frame.RECEIPT, receipt.Command)
		assert.Equal("r-1", receipt.Header.Get(frame.ReceiptId))
		assert.Equal([]string{sessionID}, stack.broker.Subscribers("reits/PROD1"))
	}

	// Case 2: receive a published message
	{
		assert.Equal(1, publish("reits/PROD1", `{"price":"10.5"}`))
		msg := readFrame(t, conn)
		assert.Equal(frame.MESSAGE, msg.Command)
		assert.Equal("sub-0", msg.Header.Get(frame.Subscription))
		assert.Equal("/topic/reits/PROD1", msg.Header.Get(frame.Destination))
		assert.NotEmpty(msg.Header.Get(frame.MessageId))
		assert.Equal("application/json", msg.Header.Get(frame.ContentType))
		assert.Equal(`{"price":"10.5"}`, string(msg.Body))
	}

	// Case 3: malformed destination yields ERROR but the session stays open
	{
		sendFrame(t, conn, frame.New(
			frame.SUBSCRIBE, frame.Id, "sub-1", frame.Destination, "/queue/bad", frame.Receipt, "r-2",
		))
		reply := readFrame(t, conn)
		assert.Equal(frame.ERROR, reply.Command)
		assert.Equal("r-2", reply.Header.Get(frame.ReceiptId))
		_, ok := stack.sessions.Get(sessionID)
		assert.True(ok)

		assert.Equal(1, publish("reits/PROD1", "still-here"))
		msg := readFrame(t, conn)
		assert.Equal("still-here", string(msg.Body))
	}

	// Case 4: anonymous user queue subscription is rejected
	{
		sendFrame(t, conn, frame.New(
			frame.SUBSCRIBE, frame.Id, "sub-2", frame.Destination, "/user/queue/orders",
		))
		reply := readFrame(t, conn)
		assert.Equal(frame.ERROR, reply.Command)
	}

	// Case 5: SEND from the client reaches subscribers
	{
		sendFrame(t, conn, frame.New(frame.SUBSCRIBE, frame.Id, "sub-3", frame.Destination, "/topic/news"))
		send := frame.New(
			frame.SEND, frame.Destination, "/topic/news", frame.Receipt, "r-3",
			frame.ContentType, "text/plain",
		)
		send.Body = []byte("headline")
		sendFrame(t, conn, send)
		seen := map[string]*frame.Frame{}
		for len(seen) < 2 {
			f := readFrame(t, conn)
			seen[f.Command] = f
		}
		assert.Equal("r-3", seen[frame.RECEIPT].Header.Get(frame.ReceiptId))
		assert.Equal("headline", string(seen[frame.MESSAGE].Body))
		assert.Equal("text/plain", seen[frame.MESSAGE].Header.Get(frame.ContentType))
	}

	// Case 5a: no content type declared by the publisher, none on the MESSAGE
	{
		send := frame.New(frame.SEND, frame.Destination, "/topic/news")
		send.Body = []byte("untyped")
		sendFrame(t, conn, send)
		msg := readFrame(t, conn)
		assert.Equal(frame.MESSAGE, msg.Command)
		assert.Equal("untyped", string(msg.Body))
		_, hasType := msg.Header.Contains(frame.ContentType)
		assert.False(hasType)
	}

	// Case 6: unsubscribe
	{
		sendFrame(t, conn, frame.New(frame.UNSUBSCRIBE, frame.Id, "sub-0", frame.Receipt, "r-4"))
		receipt := readFrame(t, conn)
		assert.Equal(frame.RECEIPT, receipt.Command)
		assert.Empty(stack.broker.Subscribers("reits/PROD1"))
		assert.Equal(0, publish("reits/PROD1", "gone"))
	}

	// Case 7: client going away tears the session down
	{
		_ = conn.Close()
		assert.Eventually(func() bool {
			return stack.sessions.Count() == 0
		}, time.Second, time.Millisecond*10)
		assert.Empty(stack.broker.Subscribers("news"))
	}
}

func TestStompUserQueue(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := defineTestStack(t, ctxt, &wg)
	defer stack.server.Close()
	defer func() {
		assert.Nil(stack.broker.Stop())
	}()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+userToken(t, "alice"))
	conn, connected := stompConnect(t, stack, header)
	defer func() { _ = conn.Close() }()
	assert.Equal(frame.CONNECTED, connected.Command)

	sendFrame(t, conn, frame.New(
		frame.SUBSCRIBE, frame.Id, "q", frame.Destination, "/user/queue/orders", frame.Receipt, "r",
	))
	assert.Equal(frame.RECEIPT, readFrame(t, conn).Command)

	useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
	defer lclCancel()
	delivered, err := stack.broker.Publish(useContext, "user/alice/queue/orders", "", []byte("fill"))
	assert.Nil(err)
	assert.Equal(1, delivered)
	msg := readFrame(t, conn)
	assert.Equal(frame.MESSAGE, msg.Command)
	assert.Equal("/user/queue/orders", msg.Header.Get(frame.Destination))
	assert.Equal("fill", string(msg.Body))

	delivered, err = stack.broker.Publish(useContext, "user/bob/queue/orders", "", []byte("fill"))
	assert.Nil(err)
	assert.Equal(0, delivered)
}

func TestOrderEndpoint(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := defineTestStack(t, ctxt, &wg)
	defer stack.server.Close()
	defer func() {
		assert.Nil(stack.broker.Stop())
	}()

	// Case 1: anonymous connections are rejected
	{
		_, resp, err := websocket.DefaultDialer.Dial(stack.wsURL("/ws/orders"), nil)
		assert.NotNil(err)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(0, stack.sessions.Count())
	}

	// Case 2: unknown encoding
	{
		_, resp, err := websocket.DefaultDialer.Dial(
			stack.wsURL("/ws/orders?encoding=xml&access_token="+userToken(t, "alice")), nil,
		)
		assert.NotNil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	}

	// Case 3: JSON push
	{
		header := http.Header{}
		header.Set("Authorization", "Bearer "+userToken(t, "alice"))
		conn, _, err := websocket.DefaultDialer.Dial(stack.wsURL("/ws/orders"), header)
		assert.Nil(err)
		assert.Eventually(func() bool {
			return len(stack.channel.OpenSessions("alice")) == 1
		}, time.Second, time.Millisecond*10)

		event := common.OrderEvent{OrderID: "o-1", Status: "FILLED", Timestamp: time.Now().UTC()}
		delivered, err := stack.channel.Push(context.Background(), "alice", event)
		assert.Nil(err)
		assert.Equal(1, delivered)

		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 2)))
		messageType, payload, err := conn.ReadMessage()
		assert.Nil(err)
		assert.Equal(websocket.TextMessage, messageType)
		var envelope common.OrderEventEnvelope
		assert.Nil(json.Unmarshal(payload, &envelope))
		assert.Equal(common.OrderEventEnvelopeType, envelope.Type)
		assert.Equal("o-1", envelope.Data.OrderID)
		assert.Equal("alice", envelope.Data.UserID)
		assert.Equal(common.OrderStatus("FILLED"), envelope.Data.Status)

		// ping / pong
		assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte("ping")))
		_, payload, err = conn.ReadMessage()
		assert.Nil(err)
		assert.Equal("pong", string(payload))

		_ = conn.Close()
		assert.Eventually(func() bool {
			return stack.sessions.Count() == 0
		}, time.Second, time.Millisecond*10)
		assert.Empty(stack.channel.OpenSessions("alice"))
	}

	// Case 4: msgpack push
	{
		conn, _, err := websocket.DefaultDialer.Dial(
			stack.wsURL("/ws/orders?encoding=msgpack&access_token="+userToken(t, "bob")), nil,
		)
		assert.Nil(err)
		defer func() { _ = conn.Close() }()
		assert.Eventually(func() bool {
			return len(stack.channel.OpenSessions("bob")) == 1
		}, time.Second, time.Millisecond*10)

		delivered, err := stack.channel.Push(context.Background(), "bob", common.OrderEvent{
			OrderID: "o-2", Status: "CANCELLED",
		})
		assert.Nil(err)
		assert.Equal(1, delivered)

		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 2)))
		messageType, payload, err := conn.ReadMessage()
		assert.Nil(err)
		assert.Equal(websocket.BinaryMessage, messageType)
		var envelope common.OrderEventEnvelope
		assert.Nil(msgpack.Unmarshal(payload, &envelope))
		assert.Equal("o-2", envelope.Data.OrderID)
		assert.Equal("bob", envelope.Data.UserID)
	}
}

func TestStompInboundRateLimit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	stack := defineTestStackWithStomp(
		t, utCtxt, &wg,
		common.StompEndpointConfig{Path: "/ws/stomp", InboundRatePerSec: 0.01, InboundBurst: 1},
	)
	defer stack.server.Close()

	conn, connected := stompConnect(t, stack, nil)
	defer func() {
		_ = conn.Close()
	}()
	assert.Equal(frame.CONNECTED, connected.Command)

	// Case 1: within the burst
	sendFrame(t, conn, frame.New(
		frame.SUBSCRIBE, frame.Id, "sub-0", frame.Destination, "/topic/reits/REIT-01",
		frame.Receipt, "r-1",
	))
	receipt := readFrame(t, conn)
	assert.Equal(frame.RECEIPT, receipt.Command)
	assert.Equal("r-1", receipt.Header.Get(frame.ReceiptId))

	// Case 2: over the rate, frame dropped with an ERROR
	sendFrame(t, conn, frame.New(
		frame.SUBSCRIBE, frame.Id, "sub-1", frame.Destination, "/topic/reits/REIT-02",
		frame.Receipt, "r-2",
	))
	rejected := readFrame(t, conn)
	assert.Equal(frame.ERROR, rejected.Command)
	assert.Equal("rate limit exceeded", rejected.Header.Get(frame.Message))
	assert.Empty(stack.broker.Subscribers("reits/REIT-02"))

	// Case 3: session kept
	assert.Equal(1, stack.sessions.Count())
	assert.Len(stack.broker.Subscribers("reits/REIT-01"), 1)

	stack.sessions.UnregisterAll(registry.ReasonShutdown)
	assert.Nil(stack.broker.Stop())
}
