package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWithEmptyTokenIsNoOp(t *testing.T) {
	n := New("", "")
	assert.False(t, n.enabled())
	// Must not panic even though there is no underlying bot.
	n.PositionClosed("BTCUSDT", "BUY", "stop_loss", 100, 95, -5)
	n.PlanFailed("plan-1", "BTCUSDT", "BUY", "insufficient balance")
	n.UnknownExchangeState()
}

func TestNewWithInvalidChatIDIsNoOp(t *testing.T) {
	n := New("", "not-a-number")
	assert.False(t, n.enabled())
}

func TestPositionClosedFiltersRoutineReasons(t *testing.T) {
	n := &Notifier{}
	assert.False(t, closeReasonsWorthAlerting["duplicate_merged"])
	assert.False(t, closeReasonsWorthAlerting["manual"])
	assert.True(t, closeReasonsWorthAlerting["stop_loss"])
	assert.True(t, closeReasonsWorthAlerting["trailing_stop"])
	assert.True(t, closeReasonsWorthAlerting["external_closed"])
	// disabled Notifier: no panic regardless of reason.
	n.PositionClosed("BTCUSDT", "BUY", "manual", 100, 95, -5)
}

func TestUnknownExchangeStateCountsConsecutiveCycles(t *testing.T) {
	n := &Notifier{}
	// disabled (no bot): send() is a no-op, but the counter logic itself
	// must not panic across repeated calls.
	n.UnknownExchangeState()
	n.UnknownExchangeState()
	assert.EqualValues(t, 2, n.consecutiveUnknowns)
}

func TestExchangeStateRecoveredResetsCounter(t *testing.T) {
	n := &Notifier{}
	n.UnknownExchangeState()
	n.ExchangeStateRecovered()
	assert.EqualValues(t, 0, n.consecutiveUnknowns)
}
