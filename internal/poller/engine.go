// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package poller implements the Tick Scheduler: the fixed-interval loop
// that fans a tick out across devices, joins their results, runs the
// Alarm Evaluator and History Sampler over the accumulated changes, and
// hands the tick's change map to its publishers.
package poller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ClusterCockpit/fieldbus-poller/internal/alarmevaluator"
	"github.com/ClusterCockpit/fieldbus-poller/internal/blockplanner"
	"github.com/ClusterCockpit/fieldbus-poller/internal/historysampler"
	"github.com/ClusterCockpit/fieldbus-poller/internal/tagevaluator"
	"github.com/ClusterCockpit/fieldbus-poller/internal/transport"
	"github.com/ClusterCockpit/fieldbus-poller/internal/writequeue"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// Store is the full persistence surface one tick needs. *repository.Repository
// satisfies it.
type Store interface {
	ActiveDevices() ([]*schema.Device, error)
	TagsForDevice(deviceID int64) ([]*schema.Tag, error)
	GetTag(id int64) (*schema.Tag, error)
	PendingWritesForDevice(deviceID int64) ([]*schema.TagWriteRequest, error)
	MarkWritesProcessed(ids []int64) error
	UpdateTagValue(tagID int64, v schema.Value, at time.Time) error
	InsertHistoryBatch(entries []*schema.TagHistoryEntry) error
	MarkTagHistorySampled(tagID int64, at time.Time) error
	AlarmConfigsForTag(tagID int64) ([]*schema.AlarmConfig, error)
	ActiveAlarmForTag(tagID int64) (*schema.ActivatedAlarm, error)
	ActivateAlarm(configID, tagID int64, ts time.Time) (int64, error)
	ResolveAlarm(activationID int64, ts time.Time) error
	MarkNotified(configID int64, at time.Time) error
}

// Supervisor is the per-device health gate the scheduler consults before
// dispatching a device's work unit.
type Supervisor interface {
	Allowed(deviceID int64, now time.Time) bool
	RecordConnectFailure(deviceID int64, now time.Time)
	RecordConnectSuccess(deviceID int64)
}

// Dialer constructs and connects a transport for device. Swappable in
// tests; production wiring dials the real Modbus TCP/UDP transport.
type Dialer func(device *schema.Device, opTimeout time.Duration) (*transport.Conn, error)

// DefaultDialer dials the real Modbus transport.
func DefaultDialer(device *schema.Device, opTimeout time.Duration) (*transport.Conn, error) {
	timeout := device.OpTimeout
	if timeout <= 0 {
		timeout = opTimeout
	}
	conn, err := transport.New(device.Protocol, device.Host, device.Port, timeout)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	return conn, nil
}

// ChangePublisher hands a tick's changed-tag snapshot to the Subscription
// Fan-out, along with the external_id each changed tag's internal id maps
// to (the wire format keys the payload by external_id per spec §6; the
// fan-out hub still filters subscriptions by internal id). Publish must
// not block the tick on a slow subscriber.
type ChangePublisher interface {
	Publish(changes map[int64]schema.ChangeEvent, externalIDs map[int64]string)
}

// NotificationPublisher hands new-activation notification intents to the
// out-of-scope Notification collaborator, typically over NATS.
type NotificationPublisher interface {
	Publish(intents []schema.NotificationIntent)
}

// Metrics receives tick-level and device-level observability counters.
// All methods are no-ops on a nil Metrics (see noopMetrics).
type Metrics interface {
	TickDuration(d time.Duration)
	TickDurationAverage(d time.Duration)
	DeviceConnectFailure(deviceID int64)
	AlarmActivated(threatLevel schema.ThreatLevel)
	WriteQueueDepth(deviceID int64, depth int)
}

// Config bundles Engine's tuning knobs, resolved once at startup.
type Config struct {
	PollInterval  time.Duration
	OpTimeout     time.Duration
	BlockMaxGap   int
	BlockMaxSize  int
	MaxConcurrent int
}

// Engine owns the tick loop and the per-device connection pool across
// ticks; connections are reused while healthy and dropped on any
// TransportError so the next tick redials and re-arms backoff.
type Engine struct {
	store      Store
	supervisor Supervisor
	planner    *blockplanner.Planner
	dial       Dialer
	cfg        Config

	changes  ChangePublisher
	notifier NotificationPublisher
	metrics  Metrics

	connsMu sync.Mutex
	conns   map[int64]*transport.Conn

	avgMu           sync.Mutex
	avgTickDuration time.Duration
}

// tickDurationEWMAWeight is the smoothing factor for the rolling tick
// duration average, exported every tick and logged on a slow tick: low enough that
// one slow tick doesn't dominate the average, high enough that a
// sustained slowdown shows up within a handful of ticks.
const tickDurationEWMAWeight = 0.2

// AverageTickDuration returns the current exponentially-weighted moving
// average of tick duration, as reported in the tick-overrun warning and
// the rolling-average gauge. Zero until the first tick completes.
func (e *Engine) AverageTickDuration() time.Duration {
	e.avgMu.Lock()
	defer e.avgMu.Unlock()
	return e.avgTickDuration
}

// New constructs an Engine. changes, notifier, and metrics may be nil;
// a nil changes/notifier publisher makes that stage a no-op, and a nil
// Metrics is wrapped with noopMetrics.
func New(store Store, supervisor Supervisor, cfg Config, dial Dialer, changes ChangePublisher, notifier NotificationPublisher, metrics Metrics) *Engine {
	if dial == nil {
		dial = DefaultDialer
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		store:      store,
		supervisor: supervisor,
		planner:    blockplanner.New(cfg.BlockMaxGap, cfg.BlockMaxSize),
		dial:       dial,
		cfg:        cfg,
		changes:    changes,
		notifier:   notifier,
		metrics:    metrics,
		conns:      make(map[int64]*transport.Conn),
	}
}

// Run drives the tick loop until ctx is cancelled. It never returns an
// error: tick failures are logged and the loop continues, since a single
// bad tick must never take the process down.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.closeAllConns()
			return
		case <-ticker.C:
			start := time.Now()
			e.Tick(ctx)
			elapsed := time.Since(start)
			e.metrics.TickDuration(elapsed)

			e.avgMu.Lock()
			if e.avgTickDuration == 0 {
				e.avgTickDuration = elapsed
			} else {
				e.avgTickDuration = time.Duration((1-tickDurationEWMAWeight)*float64(e.avgTickDuration) + tickDurationEWMAWeight*float64(elapsed))
			}
			avg := e.avgTickDuration
			e.avgMu.Unlock()
			e.metrics.TickDurationAverage(avg)

			if elapsed > interval {
				log.Warnf("poller: tick took %s, longer than the %s interval (rolling average %s)", elapsed, interval, avg)
			}
		}
	}
}

// deviceResult is one device's contribution to a tick's aggregate
// context, joined back on the main goroutine before persistence.
type deviceResult struct {
	device  *schema.Device
	updated []tagevaluator.Result
	read    []tagevaluator.Result
}

// Tick runs exactly one scheduling cycle: fan out across active
// devices, join, then run the Alarm Evaluator, persist changes, sample
// history, and publish. Safe to call directly (tests do).
func (e *Engine) Tick(ctx context.Context) {
	now := time.Now()

	devices, err := e.store.ActiveDevices()
	if err != nil {
		log.Errorf("poller: failed to load active devices: %v", err)
		return
	}

	maxConcurrent := e.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	results := make([]deviceResult, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	for i, device := range devices {
		i, device := i, device
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					log.Critf("poller: recovered panic in tick for device %d: %v", device.ID, rec)
					e.dropConn(device.ID)
				}
			}()
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			results[i] = e.deviceTick(device, now)
			return nil
		})
	}
	_ = g.Wait()

	var allUpdated, allRead []tagevaluator.Result
	for _, r := range results {
		if r.device == nil {
			continue
		}
		allUpdated = append(allUpdated, r.updated...)
		allRead = append(allRead, r.read...)
	}

	var intents []schema.NotificationIntent
	badges := make(map[int64]string, len(allUpdated))
	for _, r := range allUpdated {
		tagIntents, err := alarmevaluator.Evaluate(e.store, r.Tag, r.Value, now)
		if err != nil {
			log.Errorf("poller: alarm evaluation failed for tag %d: %v", r.Tag.ID, err)
			continue
		}
		for _, intent := range tagIntents {
			e.metrics.AlarmActivated(intent.ThreatLevel)
		}
		intents = append(intents, tagIntents...)
		if active, err := e.store.ActiveAlarmForTag(r.Tag.ID); err == nil && active != nil {
			if configs, err := e.store.AlarmConfigsForTag(r.Tag.ID); err == nil {
				for _, cfg := range configs {
					if cfg.ID == active.ConfigID {
						badges[r.Tag.ID] = cfg.ExternalID
					}
				}
			}
		}
	}

	for _, r := range allRead {
		if err := e.store.UpdateTagValue(r.Tag.ID, r.Value, now); err != nil {
			log.Errorf("poller: failed to persist tag %d: %v", r.Tag.ID, err)
		}
	}

	candidates := make([]historysampler.Candidate, 0, len(allUpdated))
	for _, r := range allUpdated {
		candidates = append(candidates, historysampler.Candidate{Tag: r.Tag, Value: r.Value})
	}
	entries := historysampler.Collect(candidates, now)
	if err := historysampler.Commit(e.store, entries, now); err != nil {
		log.Errorf("poller: failed to commit history batch: %v", err)
	}

	if e.changes != nil && len(allUpdated) > 0 {
		changeMap := make(map[int64]schema.ChangeEvent, len(allUpdated))
		externalIDs := make(map[int64]string, len(allUpdated))
		for _, r := range allUpdated {
			event := schema.ChangeEvent{Value: r.Value, Time: now}
			if badge, ok := badges[r.Tag.ID]; ok {
				b := badge
				event.Alarm = &b
			}
			changeMap[r.Tag.ID] = event
			externalIDs[r.Tag.ID] = r.Tag.ExternalID
		}
		e.changes.Publish(changeMap, externalIDs)
	}

	if e.notifier != nil && len(intents) > 0 {
		e.notifier.Publish(intents)
	}
}

// deviceTick executes one device's work unit: supervisor gate, acquire
// client, drain writes, plan blocks, execute reads in block order,
// evaluate tags. Per spec §5, writes happen strictly before reads within
// a device, and blocks execute and apply in address order.
func (e *Engine) deviceTick(device *schema.Device, now time.Time) deviceResult {
	if !e.supervisor.Allowed(device.ID, now) {
		return deviceResult{}
	}

	conn, err := e.acquireConn(device)
	if err != nil {
		e.supervisor.RecordConnectFailure(device.ID, now)
		e.metrics.DeviceConnectFailure(device.ID)
		return deviceResult{}
	}
	e.supervisor.RecordConnectSuccess(device.ID)

	if pending, err := e.store.PendingWritesForDevice(device.ID); err == nil {
		e.metrics.WriteQueueDepth(device.ID, len(pending))
	}

	if err := writequeue.Drain(e.store, conn, device, device.ID); err != nil {
		var te *transport.TransportError
		if isTransportError(err, &te) {
			log.Errorf("poller: transport error draining writes for device %d: %v", device.ID, err)
			e.dropConn(device.ID)
			return deviceResult{}
		}
		// Persistence error (PendingWritesForDevice/MarkWritesProcessed):
		// per spec §7 this retains the connection and retries next tick
		// rather than tearing down a healthy device.
		log.Errorf("poller: write drain failed for device %d, connection retained: %v", device.ID, err)
		return deviceResult{}
	}

	tags, err := e.store.TagsForDevice(device.ID)
	if err != nil {
		log.Errorf("poller: failed to load tags for device %d: %v", device.ID, err)
		return deviceResult{}
	}

	blocks := e.planner.Plan(tags)
	result := deviceResult{device: device}

	for _, block := range blocks {
		fc, err := transport.ReadFunctionCode(block.Channel)
		if err != nil {
			log.Errorf("poller: %v", err)
			continue
		}

		frame, err := conn.Read(fc, block.UnitID, block.Start, uint16(block.Length))
		if err != nil {
			var te *transport.TransportError
			if isTransportError(err, &te) {
				log.Errorf("poller: transport error reading device %d: %v", device.ID, err)
				e.dropConn(device.ID)
				return result
			}
			log.Warnf("poller: protocol error reading block at %d on device %d: %v", block.Start, device.ID, err)
			continue
		}

		evaluated := tagevaluator.Evaluate(block, frame, device.WordOrder)
		for _, res := range evaluated {
			result.read = append(result.read, res)
			if res.Changed {
				result.updated = append(result.updated, res)
			}
		}
	}

	return result
}

func isTransportError(err error, target **transport.TransportError) bool {
	te, ok := err.(*transport.TransportError)
	if ok {
		*target = te
	}
	return ok
}

func (e *Engine) acquireConn(device *schema.Device) (*transport.Conn, error) {
	e.connsMu.Lock()
	conn, ok := e.conns[device.ID]
	e.connsMu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := e.dial(device, e.cfg.OpTimeout)
	if err != nil {
		return nil, err
	}

	e.connsMu.Lock()
	e.conns[device.ID] = conn
	e.connsMu.Unlock()
	return conn, nil
}

func (e *Engine) dropConn(deviceID int64) {
	e.connsMu.Lock()
	conn, ok := e.conns[deviceID]
	delete(e.conns, deviceID)
	e.connsMu.Unlock()
	if ok {
		conn.Close()
	}
}

func (e *Engine) closeAllConns() {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	for id, conn := range e.conns {
		conn.Close()
		delete(e.conns, id)
	}
}

type noopMetrics struct{}

func (noopMetrics) TickDuration(time.Duration)        {}
func (noopMetrics) TickDurationAverage(time.Duration) {}
func (noopMetrics) DeviceConnectFailure(int64)        {}
func (noopMetrics) AlarmActivated(schema.ThreatLevel) {}
func (noopMetrics) WriteQueueDepth(int64, int)        {}
