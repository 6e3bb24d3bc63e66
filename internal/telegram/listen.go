package telegram

import (
	"context"
	"errors"
	"sync/atomic"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	"tglinks/internal/domain"
	"tglinks/internal/ingest"
)

// Listen hands every new message of the account to handle until ctx is canceled or the
// handler reports the run stopped.
func (s *Service) Listen(ctx context.Context, account domain.Account, handle ingest.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := s.log.WithField("account", account.Name)
	var dl *apiDownloader
	var stopped atomic.Bool

	dispatcher := tg.NewUpdateDispatcher()
	handleMessage := func(handlerCtx context.Context, msgClass tg.MessageClass, entities tg.Entities) error {
		msg, ok := msgClass.(*tg.Message)
		if !ok || msg == nil {
			return nil
		}
		dialog, ok := dialogFromPeer(msg.PeerID, entities)
		if !ok || !s.includeDialog(dialog) {
			return nil
		}
		err := handle(handlerCtx, toMessage(account.Name, dialog, msg), dl)
		if errors.Is(err, ingest.ErrRunStopped) {
			stopped.Store(true)
			cancel()
			return nil
		}
		if err != nil {
			log.WithError(err).WithField("chat_id", dialog.ChatID).Warn("live message handling failed")
		}
		return nil
	}
	dispatcher.OnNewMessage(func(handlerCtx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return handleMessage(handlerCtx, u.Message, e)
	})
	dispatcher.OnNewChannelMessage(func(handlerCtx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return handleMessage(handlerCtx, u.Message, e)
	})

	manager := updates.New(updates.Config{
		Handler: dispatcher,
	})

	err := s.withClientUsingOptions(ctx, tdtelegram.Options{
		SessionStorage: s.accountStorage(account.Name),
		UpdateHandler:  manager,
	}, func(runCtx context.Context, client *tdtelegram.Client) error {
		if _, err := requireAuthorized(runCtx, client); err != nil {
			return err
		}
		self, err := client.Self(runCtx)
		if err != nil {
			return err
		}
		dl = newAPIDownloader(client.API())
		log.Info("listening for new messages")
		return manager.Run(runCtx, client.API(), self.ID, updates.AuthOptions{
			IsBot: self.Bot,
		})
	})
	if isAuthKeyError(err) {
		return ErrUnauthorized
	}
	if stopped.Load() {
		return ingest.ErrRunStopped
	}
	return err
}

func dialogFromPeer(peer tg.PeerClass, entities tg.Entities) (Dialog, bool) {
	chatID, ok := peerToChatID(peer)
	if !ok {
		return Dialog{}, false
	}
	switch p := peer.(type) {
	case *tg.PeerUser:
		if user, found := entities.Users[p.UserID]; found && user != nil {
			return userDialog(p.UserID, user), true
		}
		return Dialog{ChatID: chatID, Type: DialogPrivate}, true
	case *tg.PeerChat:
		title := ""
		if chat, found := entities.Chats[p.ChatID]; found && chat != nil {
			title = chat.Title
		}
		return Dialog{ChatID: chatID, Title: title, Type: DialogGroup}, true
	case *tg.PeerChannel:
		if channel, found := entities.Channels[p.ChannelID]; found && channel != nil {
			return channelDialog(p.ChannelID, channel), true
		}
		return Dialog{ChatID: chatID, Type: DialogChannel}, true
	}
	return Dialog{}, false
}
