package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, "testing", &wg)
	assert.Nil(err)

	var value atomic.Int32
	callback := func() error {
		value.Add(1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int32(1), value.Load())

	time.Sleep(time.Millisecond * 100)
	assert.Equal(int32(1), value.Load())
	assert.False(uut.Running())

	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 80)
	assert.Equal(int32(2), value.Load())
}

func TestIntervalTimerSingleLoop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, "testing", &wg)
	assert.Nil(err)

	var value atomic.Int32
	callback := func() error {
		value.Add(1)
		return nil
	}

	// Case 0: invalid interval
	assert.NotNil(uut.Start(0, callback, false))

	// Case 1: periodic loop
	assert.Nil(uut.Start(time.Millisecond*20, callback, false))
	assert.True(uut.Running())

	// Case 2: second loop is refused
	assert.NotNil(uut.Start(time.Millisecond*20, callback, false))

	time.Sleep(time.Millisecond * 110)
	assert.Nil(uut.Stop())
	time.Sleep(time.Millisecond * 50)
	assert.False(uut.Running())
	stopped := value.Load()
	assert.GreaterOrEqual(stopped, int32(3))

	time.Sleep(time.Millisecond * 60)
	assert.Equal(stopped, value.Load())
}
