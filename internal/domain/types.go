package domain

import "time"

type Platform string

const (
	PlatformTelegram  Platform = "telegram"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformX         Platform = "x"
	PlatformOther     Platform = "other"
)

// Platforms lists every platform tag in display order.
var Platforms = []Platform{
	PlatformTelegram,
	PlatformWhatsApp,
	PlatformInstagram,
	PlatformFacebook,
	PlatformX,
	PlatformOther,
}

func ParsePlatform(raw string) (Platform, bool) {
	for _, p := range Platforms {
		if string(p) == raw {
			return p, true
		}
	}
	return "", false
}

type ChatType string

const (
	ChatTypeGroup   ChatType = "group"
	ChatTypeChannel ChatType = "channel"
	ChatTypeMessage ChatType = "message"
	ChatTypeAddlist ChatType = "addlist"
	ChatTypeOther   ChatType = "other"
)

func ParseChatType(raw string) (ChatType, bool) {
	switch ChatType(raw) {
	case ChatTypeGroup, ChatTypeChannel, ChatTypeMessage, ChatTypeAddlist, ChatTypeOther:
		return ChatType(raw), true
	}
	return "", false
}

type Link struct {
	ID            int64     `json:"id" db:"id"`
	URL           string    `json:"url" db:"url"`
	Platform      Platform  `json:"platform" db:"platform"`
	ChatType      ChatType  `json:"chat_type" db:"chat_type"`
	SourceAccount string    `json:"source_account" db:"source_account"`
	ChatID        string    `json:"chat_id" db:"chat_id"`
	MessageID     int64     `json:"message_id" db:"message_id"`
	MessageDate   time.Time `json:"message_date" db:"message_date"`
	Year          int       `json:"year" db:"year"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// LinkFilter narrows link reads. Zero values match everything.
type LinkFilter struct {
	Platform Platform
	ChatType ChatType
	Year     int
	Limit    int
	Offset   int
}

type PlatformCount struct {
	Platform Platform `json:"platform" db:"platform"`
	Count    int      `json:"count" db:"count"`
}

type Account struct {
	ID             int64     `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Session        []byte    `json:"-" db:"session"`
	Active         bool      `json:"active" db:"active"`
	DisabledReason string    `json:"disabled_reason" db:"disabled_reason"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

type AdminTarget struct {
	AdminID    int64    `json:"admin_id" db:"admin_id"`
	Platform   Platform `json:"platform" db:"platform"`
	TargetChat int64    `json:"target_chat" db:"target_chat"`
}

type EntityKind string

const (
	// EntityURL is a literal link inside the text; its URL is the text slice.
	EntityURL EntityKind = "url"
	// EntityTextURL is a hidden hyperlink whose URL differs from the visible text.
	EntityTextURL EntityKind = "text_url"
)

// Entity offsets and lengths are in UTF-16 code units.
type Entity struct {
	Kind   EntityKind
	Offset int
	Length int
	URL    string
}

type Button struct {
	Text string
	URL  string
}

type File struct {
	DocumentID    int64
	AccessHash    int64
	FileReference []byte
	DCID          int
	Name          string
	MimeType      string
	Size          int64
}

// Message is one source message, from history or a live event.
type Message struct {
	Account   string
	ChatID    string
	ChatTitle string
	ChatKind  string
	MsgID     int64
	Date      time.Time
	Text      string
	Entities  []Entity
	Buttons   []Button
	File      *File
}

type CollectionStatus struct {
	RunID                string    `json:"run_id,omitempty"`
	Collecting           bool      `json:"collecting"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	StartedAt            time.Time `json:"started_at,omitempty"`
	Phase                string    `json:"phase"`
	Accounts             int       `json:"accounts"`
	MessagesSeen         int64     `json:"messages_seen"`
	LinksNew             int64     `json:"links_new"`
}
