package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/metrics"
	"github.com/alwitt/pushgate/registry"
	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

// missedIntervals number of heartbeat intervals without activity before a session is evicted
const missedIntervals = 2

const (
	// probeParallelism max concurrent probes within one cycle
	probeParallelism = 32
	// probeBudgetDivisor the probe phase of a cycle may use interval / probeBudgetDivisor
	probeBudgetDivisor = 2
)

// Monitor probes every registered session at a fixed interval and evicts idle ones
type Monitor interface {
	// Start start the probe cycle. Starting a running monitor is an error.
	Start(wg *sync.WaitGroup) error
	// Stop stop the probe cycle
	Stop() error
	// Interval the heartbeat interval
	Interval() time.Duration
	// RunCycle run one probe cycle against the current sessions
	RunCycle(now time.Time) (probed int, evicted int)
}

// monitorImpl implements Monitor
type monitorImpl struct {
	common.Component
	name     string
	ctxt     context.Context
	sessions registry.ConnectionRegistry
	interval time.Duration
	timer    common.IntervalTimer
	lock     sync.Mutex
}

// GetMonitor define a new heartbeat monitor
func GetMonitor(
	ctxt context.Context,
	instance string,
	sessions registry.ConnectionRegistry,
	config common.HeartbeatConfig,
) (Monitor, error) {
	logTags := log.Fields{
		"module": "heartbeat", "component": "monitor", "instance": instance,
	}
	if config.IntervalMs <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	return &monitorImpl{
		Component: common.Component{LogTags: logTags},
		name:      instance,
		ctxt:      ctxt,
		sessions:  sessions,
		interval:  time.Duration(config.IntervalMs) * time.Millisecond,
	}, nil
}

// Interval the heartbeat interval
func (m *monitorImpl) Interval() time.Duration {
	return m.interval
}

// Start start the probe cycle
func (m *monitorImpl) Start(wg *sync.WaitGroup) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.timer != nil {
		return fmt.Errorf("heartbeat monitor already started")
	}
	timer, err := common.GetIntervalTimerInstance(m.ctxt, fmt.Sprintf("%s.timer", m.name), wg)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to define interval timer")
		return err
	}
	if err := timer.Start(m.interval, func() error {
		m.RunCycle(time.Now())
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to start probe cycle")
		return err
	}
	m.timer = timer
	log.WithFields(m.LogTags).Infof("Started heartbeat monitor with interval %s", m.interval)
	return nil
}

// Stop stop the probe cycle
func (m *monitorImpl) Stop() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.timer == nil {
		return nil
	}
	return m.timer.Stop()
}

// RunCycle run one probe cycle against the current sessions. Idle sessions are evicted
// before any probe is sent; probes run concurrently and the probe phase is bounded by half
// an interval.
func (m *monitorImpl) RunCycle(now time.Time) (int, int) {
	evicted := 0
	deadline := m.interval * missedIntervals
	live := []*registry.Session{}
	for _, session := range m.sessions.Sessions() {
		if idle := now.Sub(session.LastSeen()); idle > deadline {
			log.WithFields(m.LogTags).WithFields(log.Fields{
				"session": session.ID(), "idle": idle.String(),
			}).Info("Session missed heartbeats, evicting")
			if m.sessions.Unregister(session.ID(), registry.ReasonHeartbeatTimeout) {
				metrics.HeartbeatEvictions.Inc()
				evicted++
			}
			continue
		}
		live = append(live, session)
	}
	return m.probeAll(live), evicted
}

// probeAll probe the sessions concurrently, returning how many probes succeeded
func (m *monitorImpl) probeAll(sessions []*registry.Session) int {
	if len(sessions) == 0 {
		return 0
	}
	cycleCtxt, cancel := context.WithTimeout(m.ctxt, m.interval/probeBudgetDivisor)
	defer cancel()

	probed := atomic.Int32{}
	group := errgroup.Group{}
	group.SetLimit(probeParallelism)
	for _, session := range sessions {
		group.Go(func() error {
			if err := m.probeWithin(cycleCtxt, session); err != nil {
				metrics.HeartbeatProbeFailures.Inc()
				log.WithError(err).WithFields(m.LogTags).Error("Liveness probe failed")
				return nil
			}
			probed.Add(1)
			return nil
		})
	}
	_ = group.Wait()
	return int(probed.Load())
}

// probeWithin wait for one probe until the cycle budget runs out. A stalled probe is
// abandoned and reported as a SchedulerError.
func (m *monitorImpl) probeWithin(ctxt context.Context, session *registry.Session) error {
	result := make(chan error, 1)
	go func() {
		result <- m.probe(session)
	}()
	select {
	case err := <-result:
		return err
	case <-ctxt.Done():
		return &common.SchedulerError{
			SessionID: session.ID(), Err: fmt.Errorf("probe stalled: %w", ctxt.Err()),
		}
	}
}

// probe send one liveness probe, converting a failure or panic into a SchedulerError
func (m *monitorImpl) probe(session *registry.Session) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &common.SchedulerError{
				SessionID: session.ID(), Err: fmt.Errorf("probe panic: %v", recovered),
			}
		}
	}()
	if probeErr := session.Transport().Probe(); probeErr != nil {
		return &common.SchedulerError{SessionID: session.ID(), Err: probeErr}
	}
	return nil
}
