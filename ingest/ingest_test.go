package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type publishedTick struct {
	topic       string
	contentType string
	tick        common.PriceTick
}

type mockPublisher struct {
	broker.TopicBroker
	lock      sync.Mutex
	published []publishedTick
	reject    bool
}

func (m *mockPublisher) PublishAsync(
	_ context.Context, topic string, contentType string, payload []byte,
) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.reject {
		return fmt.Errorf("dummy publish failure")
	}
	var tick common.PriceTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return err
	}
	m.published = append(
		m.published, publishedTick{topic: topic, contentType: contentType, tick: tick},
	)
	return nil
}

func (m *mockPublisher) ticks() []publishedTick {
	m.lock.Lock()
	defer m.lock.Unlock()
	result := make([]publishedTick, len(m.published))
	copy(result, m.published)
	return result
}

func (m *mockPublisher) waitFor(count int, timeout time.Duration) []publishedTick {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ticks := m.ticks(); len(ticks) >= count {
			return ticks
		}
		time.Sleep(time.Millisecond * 10)
	}
	return m.ticks()
}

func TestDecodeTick(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: valid tick
	{
		tick, err := DecodeTick(
			validate,
			[]byte(`{"productId":"REIT-01","price":"101.25","timestamp":"2026-01-02T03:04:05Z"}`),
		)
		assert.Nil(err)
		assert.Equal("REIT-01", tick.ProductID)
		assert.True(decimal.RequireFromString("101.25").Equal(tick.Price))
	}

	// Case 1: not JSON
	{
		_, err := DecodeTick(validate, []byte("not-json"))
		assert.NotNil(err)
	}

	// Case 2: missing product
	{
		_, err := DecodeTick(validate, []byte(`{"price":"1.0"}`))
		assert.NotNil(err)
	}

	// Case 3: product ID would escape the topic namespace
	{
		_, err := DecodeTick(validate, []byte(`{"productId":"a/b","price":"1.0"}`))
		assert.NotNil(err)
	}
}

func TestAdapterHandler(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	publisher := &mockPublisher{}
	uut, err := GetAdapter(publisher, "reits/")
	assert.Nil(err)
	handler := uut.HandlerFor("testing")

	// Case 0: empty prefix rejected
	{
		_, err := GetAdapter(publisher, "")
		assert.NotNil(err)
	}

	// Case 1: tick published on the product topic
	{
		assert.Nil(handler(context.Background(), []byte(`{"productId":"REIT-01","price":"9.5"}`)))
		ticks := publisher.ticks()
		assert.Len(ticks, 1)
		assert.Equal("reits/REIT-01", ticks[0].topic)
		assert.Equal("application/json", ticks[0].contentType)
		assert.True(decimal.RequireFromString("9.5").Equal(ticks[0].tick.Price))
	}

	// Case 2: malformed tick skipped
	{
		assert.NotNil(handler(context.Background(), []byte(`{"price":"9.5"}`)))
		assert.Len(publisher.ticks(), 1)
	}

	// Case 3: publish rejected
	{
		publisher.lock.Lock()
		publisher.reject = true
		publisher.lock.Unlock()
		assert.NotNil(handler(context.Background(), []byte(`{"productId":"REIT-02","price":"1"}`)))
		publisher.lock.Lock()
		publisher.reject = false
		publisher.lock.Unlock()
	}
}

type mockNATS struct {
	lock         sync.Mutex
	handlers     map[string]nats.MsgHandler
	unsubscribed map[string]bool
	fail         bool
}

func (m *mockNATS) subscribe(subject string, cb nats.MsgHandler) (func() error, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.fail {
		return nil, fmt.Errorf("dummy subscribe failure")
	}
	m.handlers[subject] = cb
	return func() error {
		m.lock.Lock()
		defer m.lock.Unlock()
		m.unsubscribed[subject] = true
		return nil
	}, nil
}

func (m *mockNATS) deliver(subject string, data []byte) {
	m.lock.Lock()
	cb := m.handlers[subject]
	m.lock.Unlock()
	cb(&nats.Msg{Subject: subject, Data: data})
}

func TestNATSTickSource(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())

	conn := &mockNATS{handlers: map[string]nats.MsgHandler{}, unsubscribed: map[string]bool{}}
	publisher := &mockPublisher{}
	adapter, err := GetAdapter(publisher, "reits/")
	assert.Nil(err)

	uut, err := GetNATSTickSource("reits.ticks.>", conn.subscribe)
	assert.Nil(err)
	assert.Equal("nats", uut.Name())

	// Case 0: start the source
	assert.Nil(adapter.Run(utCtxt, &wg, uut))

	// Case 1: start again
	assert.NotNil(uut.Start(utCtxt, &wg, adapter.HandlerFor("nats")))

	// Case 2: receive ticks
	{
		conn.deliver("reits.ticks.>", []byte(`{"productId":"REIT-01","price":"1.5"}`))
		conn.deliver("reits.ticks.>", []byte(`garbage`))
		conn.deliver("reits.ticks.>", []byte(`{"productId":"REIT-02","price":"2.5"}`))
		ticks := publisher.ticks()
		assert.Len(ticks, 2)
		assert.Equal("reits/REIT-01", ticks[0].topic)
		assert.Equal("reits/REIT-02", ticks[1].topic)
	}

	// Case 3: unsubscribe on stop
	utCtxtCancel()
	wg.Wait()
	conn.lock.Lock()
	assert.True(conn.unsubscribed["reits.ticks.>"])
	conn.lock.Unlock()

	// Case 4: subscribe failure
	{
		failing := &mockNATS{fail: true}
		source, err := GetNATSTickSource("reits.ticks.>", failing.subscribe)
		assert.Nil(err)
		assert.NotNil(source.Start(context.Background(), &wg, adapter.HandlerFor("nats")))
	}
}

func TestRedisTickSource(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer func() {
		_ = client.Close()
	}()

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	publisher := &mockPublisher{}
	adapter, err := GetAdapter(publisher, "reits/")
	assert.Nil(err)

	uut, err := GetRedisTickSource(client, "reits:ticks:*")
	assert.Nil(err)
	assert.Equal("redis", uut.Name())

	// Case 0: empty pattern
	{
		_, err := GetRedisTickSource(client, "")
		assert.NotNil(err)
	}

	// Case 1: start the source
	assert.Nil(adapter.Run(utCtxt, &wg, uut))
	assert.NotNil(uut.Start(utCtxt, &wg, adapter.HandlerFor("redis")))

	// Case 2: receive ticks
	{
		server.Publish("reits:ticks:REIT-01", `{"productId":"REIT-01","price":"3.25"}`)
		server.Publish("reits:ticks:REIT-01", `{"productId":"bad/id","price":"3.25"}`)
		server.Publish("reits:ticks:REIT-07", `{"productId":"REIT-07","price":"7"}`)
		server.Publish("other:REIT-09", `{"productId":"REIT-09","price":"9"}`)
		ticks := publisher.waitFor(2, time.Second*2)
		assert.Len(ticks, 2)
		assert.Equal("reits/REIT-01", ticks[0].topic)
		assert.Equal("reits/REIT-07", ticks[1].topic)
	}

	// Case 3: stop
	utCtxtCancel()
	wg.Wait()
}
