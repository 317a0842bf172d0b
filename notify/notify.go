// Package notify sends operator alerts over Telegram for the events an
// operator actually needs to react to: a position closing, a plan failing,
// and the reconciler losing track of exchange state.
package notify

import (
	"fmt"
	"strconv"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ignition/logger"
)

// Notifier posts alerts to a single configured Telegram chat. A Notifier
// with no bot token is a valid no-op value — every method is then a no-op,
// so callers never need to branch on whether alerting is enabled.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64

	consecutiveUnknowns int32
}

// New builds a Notifier from a bot token and chat id. An empty token
// disables alerting entirely; a malformed token or chat id logs a warning
// and also disables alerting rather than failing startup.
func New(botToken, chatID string) *Notifier {
	if botToken == "" {
		return &Notifier{}
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		logger.Warnf("notify: telegram bot init failed, alerts disabled: %v", err)
		return &Notifier{}
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		logger.Warnf("notify: invalid TELEGRAM_CHAT_ID %q, alerts disabled: %v", chatID, err)
		return &Notifier{}
	}
	return &Notifier{bot: bot, chatID: id}
}

func (n *Notifier) enabled() bool {
	return n != nil && n.bot != nil
}

func (n *Notifier) send(text string) {
	if !n.enabled() {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		logger.Warnf("notify: telegram send failed: %v", err)
	}
}

// closeReasonsWorthAlerting are the exit reasons an operator wants pinged
// about immediately; duplicate_merged and manual closes are routine and
// stay silent.
var closeReasonsWorthAlerting = map[string]bool{
	"stop_loss":       true,
	"trailing_stop":   true,
	"external_closed": true,
	"not_executed":    true,
}

// PositionClosed alerts on a close with a reason an operator should see.
func (n *Notifier) PositionClosed(symbol, side, reason string, entryPrice, exitPrice, pnl float64) {
	if !n.enabled() || !closeReasonsWorthAlerting[reason] {
		return
	}
	n.send(fmt.Sprintf(
		"Position closed: %s %s\nreason: %s\nentry: %.8f  exit: %.8f\npnl: %.8f",
		symbol, side, reason, entryPrice, exitPrice, pnl,
	))
}

// PlanFailed alerts when a plan reaches the FAILED terminal status.
func (n *Notifier) PlanFailed(planID, symbol, side, reason string) {
	if !n.enabled() {
		return
	}
	n.send(fmt.Sprintf("Plan failed: %s (%s %s)\nreason: %s", planID, symbol, side, reason))
}

// UnknownExchangeState records a reconcile cycle that couldn't read
// positionRisk and alerts once the condition has repeated across
// consecutive sync cycles, so a single transient blip stays silent.
func (n *Notifier) UnknownExchangeState() {
	count := atomic.AddInt32(&n.consecutiveUnknowns, 1)
	if count == 2 {
		n.send("Warning: exchange position state unknown across consecutive sync cycles; positions are not being reconciled.")
	}
}

// ExchangeStateRecovered resets the consecutive-unknown counter once a
// sync cycle succeeds again.
func (n *Notifier) ExchangeStateRecovered() {
	atomic.StoreInt32(&n.consecutiveUnknowns, 0)
}
