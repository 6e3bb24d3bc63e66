package telegram

import (
	"context"
	"errors"
	"sort"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tglinks/internal/domain"
	"tglinks/internal/fileextract"
	"tglinks/internal/ingest"
)

var errChatFloodSkipped = errors.New("chat skipped after long flood wait")

type historyAPI interface {
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// Backfill reads the history of every included dialog oldest first and hands each
// message to handle. A failing chat is logged and skipped; ErrRunStopped and context
// cancellation end the whole backfill.
func (s *Service) Backfill(ctx context.Context, account domain.Account, handle ingest.Handler) error {
	log := s.log.WithField("account", account.Name)
	err := s.withClient(ctx, s.accountStorage(account.Name), func(runCtx context.Context, client *tdtelegram.Client) error {
		if _, err := requireAuthorized(runCtx, client); err != nil {
			return err
		}
		dialogs, err := s.collectDialogs(runCtx, client)
		if err != nil {
			return err
		}
		log.WithField("dialogs", len(dialogs)).Info("backfill started")

		api := client.API()
		dl := newAPIDownloader(api)
		for _, dialog := range dialogs {
			if err := runCtx.Err(); err != nil {
				return err
			}
			chatLog := log.WithField("chat_id", dialog.dialog.ChatID)
			seen, chatErr := s.backfillChat(runCtx, api, account.Name, dialog, dl, handle)
			switch {
			case chatErr == nil:
				chatLog.WithField("messages", seen).Debug("chat backfilled")
			case errors.Is(chatErr, ingest.ErrRunStopped), errors.Is(chatErr, context.Canceled), runCtx.Err() != nil:
				return chatErr
			case isAuthKeyError(chatErr):
				return ErrUnauthorized
			case errors.Is(chatErr, errChatFloodSkipped):
				chatLog.Warn("chat skipped for this run after flood wait")
			default:
				chatLog.WithError(chatErr).Warn("chat backfill failed")
			}
		}
		log.Info("backfill finished")
		return nil
	})
	if isAuthKeyError(err) {
		return ErrUnauthorized
	}
	return err
}

// backfillChat pages one chat from the stored cursor toward the newest message and
// returns how many messages it handed over.
func (s *Service) backfillChat(ctx context.Context, api historyAPI, account string, dialog resolvedDialog, dl fileextract.Downloader, handle ingest.Handler) (int, error) {
	chatID := dialog.dialog.ChatID
	key := throttleKey(account, chatID)
	if s.floodBlocked(key) {
		return 0, errChatFloodSkipped
	}

	var last int64
	if s.opts.ResumeBackfill && s.cursors != nil {
		cursor, err := s.cursors.ChatCursor(ctx, account, chatIDString(chatID))
		if err != nil {
			return 0, err
		}
		last = cursor
	}

	limit := s.opts.HistoryBatchSize
	seen := 0
	for {
		if err := ctx.Err(); err != nil {
			return seen, err
		}
		if err := s.waitBackfillLimiter(ctx, key); err != nil {
			return seen, err
		}

		offsetID := int(last) + 1
		if offsetID < 1 {
			offsetID = 1
		}
		page, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      dialog.peer,
			OffsetID:  offsetID,
			AddOffset: -limit,
			Limit:     limit,
		})
		if err != nil {
			wait, ok := tgerr.AsFloodWait(err)
			if !ok {
				return seen, err
			}
			if wait <= maxInlineFloodWait {
				s.log.WithField("chat_id", chatID).WithField("wait", wait.String()).Info("flood wait, retrying")
				if err := sleepOrDone(ctx, wait); err != nil {
					return seen, err
				}
				continue
			}
			s.noteFlood(key, wait)
			return seen, errChatFloodSkipped
		}

		modified, ok := page.AsModified()
		if !ok {
			return seen, nil
		}
		raw := modified.GetMessages()
		fresh := newerMessages(raw, last)
		if len(fresh) == 0 {
			return seen, nil
		}
		for _, msg := range fresh {
			if err := handle(ctx, toMessage(account, dialog.dialog, msg), dl); err != nil {
				return seen, err
			}
			seen++
			last = int64(msg.ID)
		}
		if s.cursors != nil {
			if err := s.cursors.SaveChatCursor(ctx, account, chatIDString(chatID), last); err != nil {
				s.log.WithError(err).WithField("chat_id", chatID).Warn("save chat cursor")
			}
		}
		if len(raw) < limit {
			return seen, nil
		}
	}
}

// newerMessages keeps regular messages above the cursor, oldest first.
func newerMessages(raw []tg.MessageClass, after int64) []*tg.Message {
	out := make([]*tg.Message, 0, len(raw))
	for _, msgClass := range raw {
		msg, ok := msgClass.(*tg.Message)
		if !ok || msg == nil || int64(msg.ID) <= after {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
