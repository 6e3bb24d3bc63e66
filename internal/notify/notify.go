// Package notify announces newly stored links to Telegram chats through a bot.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tglinks/internal/domain"
)

// Sender is the part of *bot.Bot the notifier uses.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

type TargetStore interface {
	AdminTargetsFor(ctx context.Context, platform domain.Platform) ([]domain.AdminTarget, error)
}

// Notifier routes a new link to every admin target configured for its platform, or to
// the operator chat when there are none. Delivery failures are logged and dropped.
type Notifier struct {
	sender       Sender
	targets      TargetStore
	operatorChat int64
	timeout      time.Duration
	log          logrus.FieldLogger
}

func New(sender Sender, targets TargetStore, operatorChat int64, log logrus.FieldLogger) *Notifier {
	if log == nil {
		log = logrus.New()
	}
	return &Notifier{
		sender:       sender,
		targets:      targets,
		operatorChat: operatorChat,
		timeout:      10 * time.Second,
		log:          log.WithField("component", "notify"),
	}
}

// NewBotSender creates the bot client used for delivery.
func NewBotSender(token string) (*bot.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return b, nil
}

func (n *Notifier) NotifyNewLink(ctx context.Context, link domain.Link) {
	if n == nil || n.sender == nil {
		return
	}
	log := n.log.WithFields(logrus.Fields{"url": link.URL, "platform": link.Platform})

	chats, err := n.recipients(ctx, link.Platform)
	if err != nil {
		log.WithError(err).Debug("load admin targets")
		return
	}
	if len(chats) == 0 {
		log.Debug("no notification recipient configured")
		return
	}

	text := FormatLink(link)
	disabled := true
	for _, chatID := range chats {
		sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
		_, err := n.sender.SendMessage(sendCtx, &bot.SendMessageParams{
			ChatID:             chatID,
			Text:               text,
			LinkPreviewOptions: &models.LinkPreviewOptions{IsDisabled: &disabled},
		})
		cancel()
		if err != nil {
			log.WithError(err).WithField("target_chat", chatID).Debug("send notification")
		}
	}
}

func (n *Notifier) recipients(ctx context.Context, platform domain.Platform) ([]int64, error) {
	var chats []int64
	if n.targets != nil {
		targets, err := n.targets.AdminTargetsFor(ctx, platform)
		if err != nil {
			return nil, err
		}
		seen := make(map[int64]struct{}, len(targets))
		for _, target := range targets {
			if _, dup := seen[target.TargetChat]; dup || target.TargetChat == 0 {
				continue
			}
			seen[target.TargetChat] = struct{}{}
			chats = append(chats, target.TargetChat)
		}
	}
	if len(chats) == 0 && n.operatorChat != 0 {
		chats = append(chats, n.operatorChat)
	}
	return chats, nil
}

// FormatLink renders the notification text for one link.
func FormatLink(link domain.Link) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New %s link (%s)\n", link.Platform, link.ChatType)
	b.WriteString(link.URL)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "account: %s\nchat: %s", link.SourceAccount, link.ChatID)
	if link.MessageID > 0 {
		fmt.Fprintf(&b, "\nmessage: %d", link.MessageID)
	}
	if !link.MessageDate.IsZero() {
		fmt.Fprintf(&b, "\ndate: %s", link.MessageDate.UTC().Format(time.RFC3339))
	}
	return b.String()
}
