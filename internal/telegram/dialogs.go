package telegram

import (
	"context"
	"fmt"
	"strings"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
)

const (
	DialogPrivate = "private"
	DialogSaved   = "saved"
	DialogGroup   = "group"
	DialogChannel = "channel"
)

type Dialog struct {
	ChatID int64
	Title  string
	Type   string
}

type resolvedDialog struct {
	dialog Dialog
	peer   tg.InputPeerClass
}

// collectDialogs lists the account's dialogs in the order Telegram returns them. A
// lookup error caused by a dialog that vanished mid-iteration ends the listing early
// with what was collected so far.
func (s *Service) collectDialogs(ctx context.Context, client *tdtelegram.Client) ([]resolvedDialog, error) {
	out := make([]resolvedDialog, 0, 256)
	seen := make(map[int64]struct{}, 256)
	queryBuilder := query.GetDialogs(client.API()).BatchSize(100)
	err := queryBuilder.ForEach(ctx, func(_ context.Context, elem dialogs.Elem) error {
		dialog, ok := dialogFromElem(elem)
		if !ok || strings.TrimSpace(dialog.Title) == "" {
			return nil
		}
		if !s.includeDialog(dialog) {
			return nil
		}
		if _, dup := seen[dialog.ChatID]; dup {
			return nil
		}
		seen[dialog.ChatID] = struct{}{}
		out = append(out, resolvedDialog{dialog: dialog, peer: elem.Peer})
		return nil
	})
	if err != nil {
		if isRecoverableDialogLookupError(err) && len(out) > 0 {
			s.log.WithError(err).WithField("dialogs", len(out)).Warn("dialog listing ended early")
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

// includeDialog keeps groups and channels. One-to-one chats are read only when
// private chats are enabled; saved messages never are.
func (s *Service) includeDialog(dialog Dialog) bool {
	switch dialog.Type {
	case DialogGroup, DialogChannel:
		return true
	case DialogPrivate:
		return s.opts.IncludePrivate
	}
	return false
}

func isRecoverableDialogLookupError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "get offset peer") && strings.Contains(msg, "not found")
}

func dialogFromElem(elem dialogs.Elem) (Dialog, bool) {
	switch peer := elem.Dialog.GetPeer().(type) {
	case *tg.PeerUser:
		user, ok := elem.Entities.User(peer.UserID)
		if !ok || user == nil {
			return Dialog{}, false
		}
		return userDialog(peer.UserID, user), true

	case *tg.PeerChat:
		chat, ok := elem.Entities.Chat(peer.ChatID)
		if !ok || chat == nil {
			return Dialog{}, false
		}
		return Dialog{ChatID: -peer.ChatID, Title: chat.Title, Type: DialogGroup}, true

	case *tg.PeerChannel:
		channel, ok := elem.Entities.Channel(peer.ChannelID)
		if !ok || channel == nil {
			return Dialog{}, false
		}
		return channelDialog(peer.ChannelID, channel), true
	}

	return Dialog{}, false
}

func userDialog(id int64, user *tg.User) Dialog {
	if user.Self {
		return Dialog{ChatID: id, Title: "Saved Messages", Type: DialogSaved}
	}
	return Dialog{ChatID: id, Title: formatUserDisplay(user), Type: DialogPrivate}
}

func channelDialog(id int64, channel *tg.Channel) Dialog {
	dialogType := DialogChannel
	if channel.Megagroup {
		dialogType = DialogGroup
	}
	return Dialog{
		ChatID: -(channelChatIDOffset + id),
		Title:  channel.Title,
		Type:   dialogType,
	}
}

func formatUserDisplay(user *tg.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(strings.Join([]string{user.FirstName, user.LastName}, " "))
	if name != "" {
		return name
	}
	if user.Username != "" {
		return "@" + user.Username
	}
	return fmt.Sprintf("User %d", user.ID)
}
