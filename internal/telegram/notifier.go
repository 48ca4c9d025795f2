package telegram

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/scheduler"
	"github.com/camuig/arena-trader/internal/storage"
)

// sender is the part of tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier posts arena events to one chat. A nil or disabled Notifier
// drops every message.
type Notifier struct {
	bot     sender
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	log = log.Component("telegram")
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.Telegram.ChatID,
		enabled: true,
		logger:  log,
	}
}

func (n *Notifier) NotifyTrade(agentName string, t *storage.Trade) {
	emoji := "🟢"
	switch t.Action {
	case storage.ActionSell, storage.ActionBuyToCover:
		emoji = "🔴"
		if t.RealizedPnL != nil && *t.RealizedPnL > 0 {
			emoji = "💰"
		}
	case storage.ActionSellShort:
		emoji = "🟣"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* %s %s\n", emoji, agentName, t.Action, t.Symbol)
	fmt.Fprintf(&b, "Qty: %g @ $%.2f\nTotal: $%.2f", t.Quantity, t.Price, t.Total)
	if t.RealizedPnL != nil {
		fmt.Fprintf(&b, "\nP&L: $%.2f", *t.RealizedPnL)
	}
	if t.Confidence > 0 {
		fmt.Fprintf(&b, "\nConfidence: %d%%", t.Confidence)
	}
	n.send(b.String())
}

func (n *Notifier) NotifyCycle(r *scheduler.CycleReport) {
	var b strings.Builder
	emoji := "✅"
	switch r.Status {
	case scheduler.StatusPartial:
		emoji = "⚠️"
	case scheduler.StatusFailed:
		emoji = "❌"
	}
	fmt.Fprintf(&b, "%s *Cycle %s* (%s)\n", emoji, r.Status, r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	fmt.Fprintf(&b, "ok: %d, failed: %d, skipped: %d", r.Succeeded, r.Failed, r.Skipped)
	if r.Error != "" {
		fmt.Fprintf(&b, "\n%s", r.Error)
	}
	for _, a := range r.Agents {
		line := fmt.Sprintf("\n%s: %s", a.AgentName, a.Action)
		if a.Symbol != "" && a.Action != storage.ActionHold {
			line += " " + a.Symbol
		}
		switch {
		case a.Skipped:
			line += " (skipped)"
		case a.Error != "":
			line += " (error)"
		case a.RejectReason != "":
			line += " (rejected)"
		case a.FillStatus != "":
			line += " (" + string(a.FillStatus) + ")"
		}
		if a.AccountValue > 0 {
			line += fmt.Sprintf(" $%.2f", a.AccountValue)
		}
		b.WriteString(line)
	}
	n.send(b.String())
}

func (n *Notifier) NotifyError(context string, err error) {
	msg := fmt.Sprintf("⚠️ *Error* [%s]\n%v", context, err)
	n.send(msg)
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(message)
}

func (n *Notifier) send(text string) {
	if n == nil || !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}
