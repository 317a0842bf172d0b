// Package pricestream maintains one live mark-price subscription per
// symbol the engine cares about, backed by Binance's mark-price
// websocket, so the execution engine and monitor can read a fresh price
// without a REST round trip on every tick.
package pricestream

import (
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"ignition/logger"
)

const (
	staleAfter       = 5 * time.Second
	supervisorPeriod = 10 * time.Second
	reconnectBackoff = 5 * time.Second
)

type priceEntry struct {
	price decimal.Decimal
	at    time.Time
}

// stream owns one websocket subscription for a single symbol.
type stream struct {
	symbol string
	stopC  chan struct{}
	doneC  chan struct{}
}

// Hub supervises every active per-symbol stream and exposes the shared
// price cache consumers read from.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*stream
	prices  map[string]priceEntry

	stopSupervisor chan struct{}
	supervisorOnce sync.Once
}

// NewHub constructs a Hub and starts its staleness supervisor.
func NewHub() *Hub {
	h := &Hub{
		streams:        make(map[string]*stream),
		prices:         make(map[string]priceEntry),
		stopSupervisor: make(chan struct{}),
	}
	go h.superviseLoop()
	return h
}

// Subscribe opens a mark-price stream for symbol if one isn't already
// running. Idempotent.
func (h *Hub) Subscribe(symbol string) {
	h.mu.Lock()
	if _, ok := h.streams[symbol]; ok {
		h.mu.Unlock()
		return
	}
	s := &stream{symbol: symbol}
	h.streams[symbol] = s
	h.mu.Unlock()

	h.connect(s)
}

// Unsubscribe tears down symbol's stream and removes it, if present.
func (h *Hub) Unsubscribe(symbol string) {
	h.mu.Lock()
	s, ok := h.streams[symbol]
	if ok {
		delete(h.streams, symbol)
		delete(h.prices, symbol)
	}
	h.mu.Unlock()

	if ok && s.stopC != nil {
		close(s.stopC)
	}
}

// Get returns the cached price for symbol, or false if there is none or
// it is older than 5s.
func (h *Hub) Get(symbol string) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.prices[symbol]
	if !ok || time.Since(e.at) > staleAfter {
		return decimal.Zero, false
	}
	return e.price, true
}

// Close tears down every stream and stops the supervisor.
func (h *Hub) Close() {
	h.supervisorOnce.Do(func() { close(h.stopSupervisor) })
	h.mu.Lock()
	symbols := make([]string, 0, len(h.streams))
	for s := range h.streams {
		symbols = append(symbols, s)
	}
	h.mu.Unlock()
	for _, s := range symbols {
		h.Unsubscribe(s)
	}
}

func (h *Hub) connect(s *stream) {
	stopC := make(chan struct{})
	h.mu.Lock()
	s.stopC = stopC
	h.mu.Unlock()

	wsHandler := func(event *futures.WsMarkPriceEvent) {
		price, err := decimal.NewFromString(event.MarkPrice)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.prices[s.symbol] = priceEntry{price: price, at: time.Now()}
		h.mu.Unlock()
	}
	errHandler := func(err error) {
		logger.Warnf("pricestream: %s stream error: %v", s.symbol, err)
	}

	doneC, wsStopC, err := futures.WsMarkPriceServe(s.symbol, wsHandler, errHandler)
	if err != nil {
		logger.Warnf("pricestream: failed to open %s stream: %v, retrying in %s", s.symbol, err, reconnectBackoff)
		h.scheduleReconnect(s)
		return
	}

	h.mu.Lock()
	s.doneC = doneC
	s.stopC = wsStopC
	h.mu.Unlock()

	go func() {
		<-doneC
		h.mu.RLock()
		_, stillWanted := h.streams[s.symbol]
		h.mu.RUnlock()
		if stillWanted {
			logger.Warnf("pricestream: %s stream closed, reconnecting in %s", s.symbol, reconnectBackoff)
			h.scheduleReconnect(s)
		}
	}()
}

func (h *Hub) scheduleReconnect(s *stream) {
	time.AfterFunc(reconnectBackoff, func() {
		h.mu.RLock()
		_, stillWanted := h.streams[s.symbol]
		h.mu.RUnlock()
		if stillWanted {
			h.connect(s)
		}
	})
}

// superviseLoop tears down and reconnects any stream whose cache hasn't
// been updated within 10s, per spec.
func (h *Hub) superviseLoop() {
	ticker := time.NewTicker(supervisorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopSupervisor:
			return
		case <-ticker.C:
			h.checkStaleStreams()
		}
	}
}

func (h *Hub) checkStaleStreams() {
	h.mu.RLock()
	stale := make([]*stream, 0)
	for symbol, s := range h.streams {
		e, ok := h.prices[symbol]
		if !ok || time.Since(e.at) > supervisorPeriod {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		logger.Warnf("pricestream: %s stale for >10s, forcing reconnect", s.symbol)
		h.mu.RLock()
		stopC := s.stopC
		h.mu.RUnlock()
		if stopC != nil {
			safeClose(stopC)
		}
		h.connect(s)
	}
}

func safeClose(c chan struct{}) {
	defer func() { recover() }()
	close(c)
}
