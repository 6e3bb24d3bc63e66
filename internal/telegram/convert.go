package telegram

import (
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"tglinks/internal/domain"
)

// toMessage flattens an MTProto message into the surfaces link extraction reads.
func toMessage(account string, dialog Dialog, msg *tg.Message) domain.Message {
	out := domain.Message{
		Account:   account,
		ChatID:    chatIDString(dialog.ChatID),
		ChatTitle: dialog.Title,
		ChatKind:  dialog.Type,
		MsgID:     int64(msg.ID),
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
		Text:      msg.Message,
		Entities:  convertEntities(msg.Entities),
		Buttons:   convertButtons(msg.ReplyMarkup),
		File:      messageDocument(msg),
	}
	return out
}

func convertEntities(entities []tg.MessageEntityClass) []domain.Entity {
	var out []domain.Entity
	for _, entity := range entities {
		switch e := entity.(type) {
		case *tg.MessageEntityURL:
			out = append(out, domain.Entity{Kind: domain.EntityURL, Offset: e.Offset, Length: e.Length})
		case *tg.MessageEntityTextURL:
			out = append(out, domain.Entity{Kind: domain.EntityTextURL, Offset: e.Offset, Length: e.Length, URL: e.URL})
		}
	}
	return out
}

func convertButtons(markup tg.ReplyMarkupClass) []domain.Button {
	inline, ok := markup.(*tg.ReplyInlineMarkup)
	if !ok || inline == nil {
		return nil
	}
	var out []domain.Button
	for _, row := range inline.Rows {
		for _, button := range row.Buttons {
			if urlButton, ok := button.(*tg.KeyboardButtonURL); ok && urlButton != nil {
				out = append(out, domain.Button{Text: urlButton.Text, URL: urlButton.URL})
			}
		}
	}
	return out
}

func messageDocument(msg *tg.Message) *domain.File {
	if msg == nil || msg.Media == nil {
		return nil
	}
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok || media == nil || media.Document == nil {
		return nil
	}
	doc, ok := media.Document.(*tg.Document)
	if !ok || doc == nil {
		return nil
	}
	return &domain.File{
		DocumentID:    doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
		DCID:          doc.DCID,
		Name:          strings.TrimSpace(documentFilename(doc.Attributes)),
		MimeType:      strings.TrimSpace(doc.MimeType),
		Size:          doc.Size,
	}
}

func documentFilename(attrs []tg.DocumentAttributeClass) string {
	for _, attr := range attrs {
		if named, ok := attr.(*tg.DocumentAttributeFilename); ok && named != nil {
			return named.FileName
		}
	}
	return ""
}

func peerToChatID(peer tg.PeerClass) (int64, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return -p.ChatID, true
	case *tg.PeerChannel:
		return -(channelChatIDOffset + p.ChannelID), true
	default:
		return 0, false
	}
}

func chatIDString(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
