package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tglinks/internal/domain"
	"tglinks/internal/fileextract"
	"tglinks/internal/links"
)

const DefaultWhatsAppLookback = 60 * 24 * time.Hour

type LinkSaver interface {
	SaveLink(ctx context.Context, link domain.Link) (bool, error)
}

type FileExtractor interface {
	Extract(ctx context.Context, dl fileextract.Downloader, file domain.File) fileextract.Result
}

// Notifier announces newly stored links. Delivery is best effort and never reports
// failure back to ingestion.
type Notifier interface {
	NotifyNewLink(ctx context.Context, link domain.Link)
}

type Policy struct {
	// WhatsAppLookback drops WhatsApp links from messages older than this, measured from
	// the start of the run.
	WhatsAppLookback time.Duration
}

// Outcome counts what happened to the candidates of one message.
type Outcome struct {
	Candidates  int
	Rejected    int
	Expired     int
	Throttled   int
	Saved       int
	New         int
	Failed      int
	FileSkipped int
}

type Pipeline struct {
	store    LinkSaver
	files    FileExtractor
	notifier Notifier
	policy   Policy
	log      logrus.FieldLogger
}

func NewPipeline(store LinkSaver, files FileExtractor, notifier Notifier, policy Policy, log logrus.FieldLogger) *Pipeline {
	if policy.WhatsAppLookback <= 0 {
		policy.WhatsAppLookback = DefaultWhatsAppLookback
	}
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{
		store:    store,
		files:    files,
		notifier: notifier,
		policy:   policy,
		log:      log.WithField("component", "ingest"),
	}
}

// Ingest turns one message into stored links. Failures of single candidates or of the
// attachment are logged and counted; they never abort the caller's iteration.
func (p *Pipeline) Ingest(ctx context.Context, run *CollectionRun, msg domain.Message, dl fileextract.Downloader) Outcome {
	var out Outcome
	run.messagesSeen.Add(1)
	log := p.log.WithFields(logrus.Fields{
		"account": msg.Account,
		"chat_id": msg.ChatID,
		"msg_id":  msg.MsgID,
	})

	candidates := links.ExtractMessage(msg)
	if msg.File != nil && p.files != nil {
		res := p.files.Extract(ctx, dl, *msg.File)
		switch {
		case res.Skipped:
			out.FileSkipped++
			log.WithError(res.Err).WithField("file", msg.File.Name).Debug("attachment skipped")
		case res.Err != nil:
			out.Failed++
			log.WithError(res.Err).WithField("file", msg.File.Name).Warn("attachment extraction failed")
		default:
			candidates = append(candidates, res.Links...)
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, raw := range candidates {
		url := links.Normalize(raw)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		out.Candidates++

		class, ok := links.Classify(url)
		if !ok {
			out.Rejected++
			continue
		}
		if class.Platform == domain.PlatformWhatsApp && p.expired(run, msg.Date) {
			out.Expired++
			continue
		}
		permalink := class.Platform == domain.PlatformTelegram && class.ChatType == domain.ChatTypeMessage
		if permalink && !run.ClaimPermalink(msg.ChatID) {
			out.Throttled++
			continue
		}

		link := domain.Link{
			URL:           url,
			Platform:      class.Platform,
			ChatType:      class.ChatType,
			SourceAccount: msg.Account,
			ChatID:        msg.ChatID,
			MessageID:     msg.MsgID,
			MessageDate:   msg.Date,
		}
		isNew, err := p.store.SaveLink(ctx, link)
		if err != nil {
			if permalink {
				run.releasePermalink(msg.ChatID)
			}
			out.Failed++
			log.WithError(err).WithField("url", url).Warn("save link failed")
			continue
		}
		out.Saved++
		if !isNew {
			continue
		}
		out.New++
		run.linksNew.Add(1)
		if run.NotificationsEnabled() && p.notifier != nil {
			p.notifier.NotifyNewLink(ctx, link)
		}
	}
	return out
}

func (p *Pipeline) expired(run *CollectionRun, date time.Time) bool {
	if date.IsZero() {
		return false
	}
	return run.StartedAt.Sub(date) > p.policy.WhatsAppLookback
}
