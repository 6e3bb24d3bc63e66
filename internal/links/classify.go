package links

import (
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"tglinks/internal/domain"
)

type Classification struct {
	Platform domain.Platform
	ChatType domain.ChatType
	// Rule names the rule that produced this result.
	Rule string
}

type target struct {
	host     string
	segments []string
}

type rule struct {
	name   string
	match  func(t target) bool
	result Classification
	reject bool
}

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{4,31}$`)
	digitsPattern   = regexp.MustCompile(`^[0-9]+$`)
)

var telegramHosts = hostSet("t.me", "telegram.me", "telegram.dog")

// Service paths on Telegram hosts that are neither chats nor channels.
var telegramReserved = map[string]struct{}{
	"share": {}, "proxy": {}, "socks": {}, "login": {}, "addstickers": {}, "addemoji": {},
	"setlanguage": {}, "addtheme": {}, "confirmphone": {}, "boost": {}, "giftcode": {},
	"invoice": {}, "contact": {}, "iv": {}, "bg": {}, "joinchat": {}, "addlist": {},
}

// rules is evaluated top to bottom; the first matching rule wins.
var rules = []rule{
	{
		name:   "telegram-addlist",
		match:  func(t target) bool { return isTelegram(t) && seg(t, 0) == "addlist" && seg(t, 1) != "" },
		result: Classification{Platform: domain.PlatformTelegram, ChatType: domain.ChatTypeAddlist},
	},
	{
		name: "telegram-private-message",
		match: func(t target) bool {
			if !isTelegram(t) || seg(t, 0) != "c" || !digitsPattern.MatchString(seg(t, 1)) {
				return false
			}
			n := len(t.segments)
			return (n == 3 || n == 4) && allDigits(t.segments[2:])
		},
		result: Classification{Platform: domain.PlatformTelegram, ChatType: domain.ChatTypeMessage},
	},
	{
		name: "telegram-public-message",
		match: func(t target) bool {
			if !isTelegram(t) || !isUsername(seg(t, 0)) {
				return false
			}
			n := len(t.segments)
			return (n == 2 || n == 3) && allDigits(t.segments[1:])
		},
		result: Classification{Platform: domain.PlatformTelegram, ChatType: domain.ChatTypeMessage},
	},
	{
		name: "telegram-invite",
		match: func(t target) bool {
			if !isTelegram(t) {
				return false
			}
			first := seg(t, 0)
			if first == "joinchat" {
				return seg(t, 1) != ""
			}
			code, ok := strings.CutPrefix(first, "+")
			return ok && code != "" && !digitsPattern.MatchString(code)
		},
		result: Classification{Platform: domain.PlatformTelegram, ChatType: domain.ChatTypeGroup},
	},
	{
		name: "telegram-phone",
		match: func(t target) bool {
			code, ok := strings.CutPrefix(seg(t, 0), "+")
			return isTelegram(t) && ok && digitsPattern.MatchString(code)
		},
		reject: true,
	},
	{
		name: "telegram-preview",
		match: func(t target) bool {
			return isTelegram(t) && len(t.segments) == 2 && seg(t, 0) == "s" && isUsername(seg(t, 1))
		},
		result: Classification{Platform: domain.PlatformTelegram, ChatType: domain.ChatTypeChannel},
	},
	{
		name: "telegram-username",
		match: func(t target) bool {
			return isTelegram(t) && len(t.segments) == 1 && isUsername(seg(t, 0))
		},
		result: Classification{Platform: domain.PlatformTelegram, ChatType: domain.ChatTypeChannel},
	},
	{
		name:   "telegram-other",
		match:  isTelegram,
		reject: true,
	},
	{
		name:   "whatsapp-group",
		match:  func(t target) bool { return t.host == "chat.whatsapp.com" && seg(t, 0) != "" },
		result: Classification{Platform: domain.PlatformWhatsApp, ChatType: domain.ChatTypeGroup},
	},
	{
		name: "whatsapp-channel",
		match: func(t target) bool {
			return t.host == "whatsapp.com" && seg(t, 0) == "channel" && seg(t, 1) != ""
		},
		result: Classification{Platform: domain.PlatformWhatsApp, ChatType: domain.ChatTypeChannel},
	},
	{
		name:   "whatsapp-number",
		match:  func(t target) bool { return t.host == "wa.me" },
		reject: true,
	},
	{
		name:   "whatsapp-send",
		match:  func(t target) bool { return t.host == "api.whatsapp.com" && seg(t, 0) == "send" },
		reject: true,
	},
	{
		name:   "whatsapp-other",
		match:  func(t target) bool { return hostWithin(t.host, "whatsapp.com", "whatsapp.net") },
		result: Classification{Platform: domain.PlatformWhatsApp, ChatType: domain.ChatTypeOther},
	},
	{
		name:   "instagram",
		match:  func(t target) bool { return hostWithin(t.host, "instagram.com", "instagr.am") },
		result: Classification{Platform: domain.PlatformInstagram, ChatType: domain.ChatTypeOther},
	},
	{
		name:   "facebook",
		match:  func(t target) bool { return hostWithin(t.host, "facebook.com", "fb.com", "fb.me", "fb.watch") },
		result: Classification{Platform: domain.PlatformFacebook, ChatType: domain.ChatTypeOther},
	},
	{
		name:   "x",
		match:  func(t target) bool { return hostWithin(t.host, "x.com", "twitter.com") },
		result: Classification{Platform: domain.PlatformX, ChatType: domain.ChatTypeOther},
	},
	{
		name:   "other",
		match:  func(target) bool { return true },
		result: Classification{Platform: domain.PlatformOther, ChatType: domain.ChatTypeOther},
	},
}

// Classify maps a normalized URL to a platform and chat type. The boolean is false when
// the URL is rejected: personal Telegram accounts, phone-number links, and URLs without a
// usable public host.
func Classify(rawURL string) (Classification, bool) {
	t, ok := parseTarget(rawURL)
	if !ok {
		return Classification{Rule: "invalid"}, false
	}
	for _, r := range rules {
		if !r.match(t) {
			continue
		}
		if r.reject {
			return Classification{Rule: r.name}, false
		}
		out := r.result
		out.Rule = r.name
		return out, true
	}
	return Classification{Rule: "none"}, false
}

func parseTarget(rawURL string) (target, bool) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return target{}, false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return target{}, false
	}
	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" || !publicHost(host) {
		return target{}, false
	}
	host = strings.TrimPrefix(host, "www.")

	var segments []string
	for _, part := range strings.Split(parsed.Path, "/") {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return target{host: host, segments: segments}, true
}

func publicHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".localhost") {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return strings.Contains(host, ".")
	}
	addr = addr.Unmap()
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified())
}

func hostSet(hosts ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		out[h] = struct{}{}
	}
	return out
}

func isTelegram(t target) bool {
	_, ok := telegramHosts[t.host]
	return ok
}

func hostWithin(host string, domains ...string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func seg(t target, idx int) string {
	if idx < 0 || idx >= len(t.segments) {
		return ""
	}
	return t.segments[idx]
}

func isUsername(s string) bool {
	if !usernamePattern.MatchString(s) {
		return false
	}
	_, reserved := telegramReserved[strings.ToLower(s)]
	return !reserved
}

func allDigits(parts []string) bool {
	for _, p := range parts {
		if !digitsPattern.MatchString(p) {
			return false
		}
	}
	return len(parts) > 0
}
