// Package scheduler drives the periodic plan-execution, position-monitor,
// and exchange-sync ticks, plus the per-plan precision-timed firing that
// targets a listing event within a few milliseconds of its wall-clock time.
package scheduler

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ignition/execution"
	"ignition/logger"
	"ignition/monitor"
	"ignition/notify"
	"ignition/pricestream"
	"ignition/store"
)

const (
	highFreqMonitorInterval = 500 * time.Millisecond
	normalFreqMonitorInterval = 2 * time.Second
	monitorSoftTimeout      = 700 * time.Millisecond
	monitorHardTimeout      = 3 * time.Second
	syncInterval            = 5 * time.Second
	syncSoftTimeout         = 3 * time.Second
	syncHardTimeout         = 12 * time.Second
	planExecutorSoftTimeout = 1500 * time.Millisecond
	precisionSleepFloor     = 100 * time.Millisecond
	precisionCoarseStep     = 5 * time.Millisecond
	precisionFineThreshold  = 10 * time.Millisecond
	precisionFineStep       = 1 * time.Millisecond
)

// Settings configures the scheduler's tick cadence and precision-firing
// behavior; field names mirror spec §6's enumerated scheduling config.
type Settings struct {
	ManualPlanCheckInterval         time.Duration
	ManualPlanPrecisionThreshold    time.Duration
	ManualPlanPrecisionMode         bool
	WebsocketSubscribeBeforeMinutes time.Duration
	WebsocketPriceEnabled           bool
}

// Scheduler owns the three periodic ticks (plan execution, position
// monitor, exchange sync) and the one-shot precision-fire goroutines
// spawned for plans approaching their listing time.
type Scheduler struct {
	plans     *store.PlanStore
	positions *store.PositionStore
	engine    *execution.Engine
	mon       *monitor.Monitor
	prices    *pricestream.Hub
	notifier  *notify.Notifier
	cfg       Settings

	stopCh chan struct{}
	wg     sync.WaitGroup

	planExecRunning atomic.Bool
	planExecStart   atomic.Int64

	monitorRunning atomic.Bool
	monitorStart   atomic.Int64

	syncRunning atomic.Bool
	syncStart   atomic.Int64

	monitorWorkers chan func()
	syncWorkers    chan func()

	precisionMu sync.Mutex
	precision   map[string]chan struct{}

	currentMonitorInterval atomic.Int64
}

func New(plans *store.PlanStore, positions *store.PositionStore, engine *execution.Engine, mon *monitor.Monitor, prices *pricestream.Hub, cfg Settings) *Scheduler {
	if cfg.ManualPlanCheckInterval < 300*time.Millisecond {
		cfg.ManualPlanCheckInterval = 300 * time.Millisecond
	}
	numCPU := runtime.NumCPU()
	monitorWorkerCount := numCPU
	if monitorWorkerCount < 4 {
		monitorWorkerCount = 4
	}
	syncWorkerCount := numCPU / 2
	if syncWorkerCount < 2 {
		syncWorkerCount = 2
	}

	s := &Scheduler{
		plans:          plans,
		positions:      positions,
		engine:         engine,
		mon:            mon,
		prices:         prices,
		cfg:            cfg,
		stopCh:         make(chan struct{}),
		monitorWorkers: make(chan func(), monitorWorkerCount),
		syncWorkers:    make(chan func(), syncWorkerCount),
		precision:      make(map[string]chan struct{}),
	}
	s.currentMonitorInterval.Store(int64(highFreqMonitorInterval))

	for i := 0; i < monitorWorkerCount; i++ {
		s.wg.Add(1)
		go s.runWorkerPool(s.monitorWorkers)
	}
	for i := 0; i < syncWorkerCount; i++ {
		s.wg.Add(1)
		go s.runWorkerPool(s.syncWorkers)
	}
	return s
}

// WithNotifier attaches an alert notifier for plan-failed events; a nil
// notifier leaves the scheduler silent.
func (s *Scheduler) WithNotifier(n *notify.Notifier) *Scheduler {
	s.notifier = n
	return s
}

func (s *Scheduler) runWorkerPool(pool chan func()) {
	defer s.wg.Done()
	for {
		select {
		case fn, ok := <-pool:
			if !ok {
				return
			}
			fn()
		case <-s.stopCh:
			return
		}
	}
}

// Start runs an immediate first sync and monitor pass, then launches the
// three periodic ticks (plan, monitor, sync), which run until Stop is
// called. The first plan pass happens on the plan loop's first tick.
func (s *Scheduler) Start() {
	logger.Infof("scheduler: starting, plan-check=%s monitor(high)=%s monitor(normal)=%s sync=%s",
		s.cfg.ManualPlanCheckInterval, highFreqMonitorInterval, normalFreqMonitorInterval, syncInterval)

	s.syncTick()
	s.monitorTick()

	s.wg.Add(3)
	go s.runPlanLoop()
	go s.runMonitorLoop()
	go s.runSyncLoop()
}

// Stop signals all loops and worker pools to exit and waits for them.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.precisionMu.Lock()
	for id, ch := range s.precision {
		close(ch)
		delete(s.precision, id)
	}
	s.precisionMu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runPlanLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ManualPlanCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.planTick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runMonitorLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.currentMonitorInterval.Load())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.monitorTick()
			if next := time.Duration(s.currentMonitorInterval.Load()); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runSyncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.syncTick()
		case <-s.stopCh:
			return
		}
	}
}

// planTick claims and executes every due plan, then arms precision-fire
// goroutines for plans approaching their listing time within the
// configured threshold.
func (s *Scheduler) planTick() {
	if !s.beginRun(&s.planExecRunning, &s.planExecStart, planExecutorSoftTimeout, "plan-executor") {
		return
	}
	defer s.planExecRunning.Store(false)

	due, err := s.plans.ListDue(time.Now())
	if err != nil {
		logger.Warnf("scheduler: list due plans failed: %v", err)
	}
	for _, plan := range due {
		s.executeClaimedPlan(plan)
	}

	if !s.cfg.ManualPlanPrecisionMode {
		return
	}
	pending, err := s.plans.ListPending()
	if err != nil {
		logger.Warnf("scheduler: list pending plans failed: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, plan := range pending {
		diff := plan.ListingTime.Sub(now)
		if diff <= 0 {
			continue
		}
		s.maybeSubscribeEarly(plan, diff)
		if diff <= s.cfg.ManualPlanPrecisionThreshold {
			s.armPrecisionFire(plan)
		}
	}
}

func (s *Scheduler) maybeSubscribeEarly(plan *store.ManualPlan, diff time.Duration) {
	if !s.cfg.WebsocketPriceEnabled || s.prices == nil {
		return
	}
	if diff > s.cfg.WebsocketSubscribeBeforeMinutes {
		return
	}
	symbol := normalizeSymbol(plan.Symbol)
	s.prices.Subscribe(symbol)
}

func normalizeSymbol(raw string) string {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if !strings.HasSuffix(symbol, "USDT") {
		symbol += "USDT"
	}
	return symbol
}

// armPrecisionFire starts (if not already running) a dedicated goroutine
// that busy-waits down to the listing time and fires the claim+execute
// attempt itself, independent of the next plan tick.
func (s *Scheduler) armPrecisionFire(plan *store.ManualPlan) {
	s.precisionMu.Lock()
	if _, exists := s.precision[plan.ID]; exists {
		s.precisionMu.Unlock()
		return
	}
	done := make(chan struct{})
	s.precision[plan.ID] = done
	s.precisionMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.precisionMu.Lock()
			delete(s.precision, plan.ID)
			s.precisionMu.Unlock()
		}()
		s.precisionFire(plan, done)
	}()
}

func (s *Scheduler) precisionFire(plan *store.ManualPlan, stop chan struct{}) {
	target := plan.ListingTime.UTC()

	if wait := time.Until(target); wait > precisionSleepFloor {
		select {
		case <-time.After(wait - 50*time.Millisecond):
		case <-stop:
			return
		case <-s.stopCh:
			return
		}
	}

	for {
		select {
		case <-stop:
			return
		case <-s.stopCh:
			return
		default:
		}
		remaining := time.Until(target)
		if remaining <= 0 {
			break
		}
		if remaining > precisionFineThreshold {
			time.Sleep(precisionCoarseStep)
		} else {
			time.Sleep(precisionFineStep)
		}
	}

	actual := time.Now().UTC()
	delay := actual.Sub(target)
	fresh, err := s.plans.GetByID(plan.ID)
	if err != nil || fresh == nil {
		logger.Warnf("scheduler: precision fire reload failed for plan %s: %v", plan.ID, err)
		return
	}
	s.executeClaimedPlan(fresh)
	logger.Infof("scheduler: plan %s precision-fired, delay=%s", plan.ID, delay)
}

// executeClaimedPlan performs the atomic PENDING->EXECUTING claim and, on
// success, runs the engine and marks the terminal status. A lost claim race
// (another tick or the precision goroutine already claimed it) is a no-op.
func (s *Scheduler) executeClaimedPlan(plan *store.ManualPlan) {
	claimed, err := s.plans.TryClaim(plan.ID)
	if err != nil {
		logger.Warnf("scheduler: claim plan %s failed: %v", plan.ID, err)
		return
	}
	if !claimed {
		return
	}

	result := s.engine.Execute(plan)
	if result.Outcome == execution.OutcomeFilled {
		if err := s.plans.MarkExecuted(plan.ID); err != nil {
			logger.Warnf("scheduler: mark plan %s executed failed: %v", plan.ID, err)
		}
		return
	}
	logger.Warnf("scheduler: plan %s failed to execute: %s (%s)", plan.ID, result.Outcome, result.Reason)
	if err := s.plans.MarkFailed(plan.ID, string(result.Outcome)+": "+result.Reason); err != nil {
		logger.Warnf("scheduler: mark plan %s failed failed: %v", plan.ID, err)
	}
	if s.notifier != nil {
		s.notifier.PlanFailed(plan.ID, normalizeSymbol(plan.Symbol), plan.Side, string(result.Outcome)+": "+result.Reason)
	}
}

// monitorTick runs the monitor's exit evaluation on a worker, adapting the
// tick's own cadence to whether any position is currently active.
func (s *Scheduler) monitorTick() {
	if !s.beginRun(&s.monitorRunning, &s.monitorStart, monitorSoftTimeout, "position-monitor") {
		return
	}
	started := time.Now()
	submitted := s.submit(s.monitorWorkers, func() {
		defer s.monitorRunning.Store(false)
		defer s.logSlow("position-monitor", started, monitorSoftTimeout)
		s.mon.Tick()
		s.adaptMonitorCadence()
	})
	if !submitted {
		s.monitorRunning.Store(false)
	}
}

func (s *Scheduler) adaptMonitorCadence() {
	active, err := s.positions.ListActive()
	hasActive := err == nil && len(active) > 0
	interval := normalFreqMonitorInterval
	if hasActive {
		interval = highFreqMonitorInterval
	}
	s.currentMonitorInterval.Store(int64(interval))
}

// syncTick runs the reconciler on a worker.
func (s *Scheduler) syncTick() {
	if !s.beginRun(&s.syncRunning, &s.syncStart, syncSoftTimeout, "binance-sync") {
		return
	}
	started := time.Now()
	submitted := s.submit(s.syncWorkers, func() {
		defer s.syncRunning.Store(false)
		defer s.logSlow("binance-sync", started, syncSoftTimeout)
		s.mon.Reconcile()
	})
	if !submitted {
		s.syncRunning.Store(false)
	}
}

func (s *Scheduler) submit(pool chan func(), fn func()) bool {
	select {
	case pool <- fn:
		return true
	case <-s.stopCh:
		return false
	default:
		// pool saturated; run on a fresh goroutine rather than drop the
		// tick, so no work is lost and the loop itself never blocks.
		go fn()
		return true
	}
}

// beginRun enforces the non-reentrancy guard shared by all three tasks:
// skip if already running, unless the prior run has exceeded its hard
// timeout, in which case force-reset and proceed. softTimeout only
// produces a warning; hardTimeout forces the reset.
func (s *Scheduler) beginRun(running *atomic.Bool, startedAt *atomic.Int64, softTimeout time.Duration, name string) bool {
	hardTimeout := hardTimeoutFor(name)
	if running.CompareAndSwap(false, true) {
		startedAt.Store(time.Now().UnixNano())
		return true
	}
	elapsed := time.Since(time.Unix(0, startedAt.Load()))
	if elapsed > hardTimeout {
		logger.Errorf("scheduler: %s running %s, forcing reset", name, elapsed)
		running.Store(false)
		running.CompareAndSwap(false, true)
		startedAt.Store(time.Now().UnixNano())
		return true
	}
	if elapsed > softTimeout {
		logger.Warnf("scheduler: %s still running after %s, waiting for current run to finish", name, elapsed)
	}
	return false
}

func hardTimeoutFor(name string) time.Duration {
	switch name {
	case "position-monitor":
		return monitorHardTimeout
	case "binance-sync":
		return syncHardTimeout
	default:
		return planExecutorSoftTimeout
	}
}

func (s *Scheduler) logSlow(name string, started time.Time, softTimeout time.Duration) {
	if elapsed := time.Since(started); elapsed > softTimeout {
		logger.Warnf("scheduler: %s took %s (budget %s)", name, elapsed, softTimeout)
	}
}
