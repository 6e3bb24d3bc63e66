package telegram

import (
	"context"
	"time"
)

const (
	backfillGlobalMinInterval  = 333 * time.Millisecond
	backfillPerChatMinInterval = 1400 * time.Millisecond
	floodCacheGrace            = 1 * time.Second
	maxFloodCacheWait          = 15 * time.Minute
	// Flood waits up to this long are slept through; longer ones skip the chat.
	maxInlineFloodWait = 60 * time.Second
)

func throttleKey(account string, chatID int64) string {
	return account + "/" + chatIDString(chatID)
}

// noteFlood blocks backfill of one chat until the server-imposed wait has passed.
func (s *Service) noteFlood(key string, wait time.Duration) time.Time {
	if wait <= 0 {
		wait = 3 * time.Second
	}
	if wait > maxFloodCacheWait {
		wait = maxFloodCacheWait
	}
	until := time.Now().Add(wait + floodCacheGrace)

	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	if existing, ok := s.floodUntilByChat[key]; ok && existing.After(until) {
		return existing
	}
	s.floodUntilByChat[key] = until
	return until
}

func (s *Service) floodBlocked(key string) bool {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	until, ok := s.floodUntilByChat[key]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.floodUntilByChat, key)
		return false
	}
	return true
}

// waitBackfillLimiter spaces history requests globally and per chat.
func (s *Service) waitBackfillLimiter(ctx context.Context, key string) error {
	for {
		wait := time.Duration(0)
		now := time.Now()

		s.throttleMu.Lock()
		if since := now.Sub(s.backfillLastGlobalReqAt); since < s.globalInterval {
			wait = s.globalInterval - since
		}
		if last, ok := s.backfillLastReqByChat[key]; ok {
			if since := now.Sub(last); since < s.perChatInterval {
				perChatWait := s.perChatInterval - since
				if perChatWait > wait {
					wait = perChatWait
				}
			}
		}
		if wait <= 0 {
			s.backfillLastGlobalReqAt = now
			s.backfillLastReqByChat[key] = now
			s.throttleMu.Unlock()
			return nil
		}
		s.throttleMu.Unlock()

		if err := sleepOrDone(ctx, wait); err != nil {
			return err
		}
	}
}
