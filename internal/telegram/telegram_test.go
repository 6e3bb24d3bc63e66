package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tglinks/internal/domain"
	"tglinks/internal/fileextract"
	"tglinks/internal/ingest"
	"tglinks/internal/store/sqlite"
)

type fakeSessions struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeSessions) LoadAccountSession(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[name]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return data, nil
}

func (f *fakeSessions) StoreAccountSession(_ context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	f.data[name] = data
	return nil
}

type fakeCursors struct {
	mu      sync.Mutex
	cursors map[string]int64
}

func (f *fakeCursors) ChatCursor(_ context.Context, account, chatID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[account+"/"+chatID], nil
}

func (f *fakeCursors) SaveChatCursor(_ context.Context, account, chatID string, last int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursors == nil {
		f.cursors = map[string]int64{}
	}
	if last > f.cursors[account+"/"+chatID] {
		f.cursors[account+"/"+chatID] = last
	}
	return nil
}

// fakeHistory serves message ids 1..total the way the server answers oldest-first
// paging: ids starting at OffsetID, newest first within the page.
type fakeHistory struct {
	total    int
	requests []*tg.MessagesGetHistoryRequest
	errs     []error
}

func (f *fakeHistory) MessagesGetHistory(_ context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	var msgs []tg.MessageClass
	for id := req.OffsetID + req.Limit - 1; id >= req.OffsetID; id-- {
		if id < 1 || id > f.total {
			continue
		}
		msgs = append(msgs, &tg.Message{ID: id, Date: 1_700_000_000 + id, Message: "msg"})
	}
	return &tg.MessagesMessages{Messages: msgs}, nil
}

func newTestService(t *testing.T, opts Options) (*Service, *fakeCursors) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cursors := &fakeCursors{}
	svc := NewService(opts, &fakeSessions{}, cursors, logger)
	svc.globalInterval = 0
	svc.perChatInterval = 0
	return svc, cursors
}

func collectIDs(ids *[]int64) ingest.Handler {
	return func(_ context.Context, msg domain.Message, _ fileextract.Downloader) error {
		*ids = append(*ids, msg.MsgID)
		return nil
	}
}

func testDialog() resolvedDialog {
	return resolvedDialog{
		dialog: Dialog{ChatID: -1000000000042, Title: "News", Type: DialogChannel},
		peer:   &tg.InputPeerChannel{ChannelID: 42, AccessHash: 7},
	}
}

func TestBackfillChatPagesOldestFirstAndSavesCursor(t *testing.T) {
	svc, cursors := newTestService(t, Options{APIID: 1, APIHash: "h", HistoryBatchSize: 20, ResumeBackfill: true})
	history := &fakeHistory{total: 45}

	var ids []int64
	seen, err := svc.backfillChat(context.Background(), history, "acct1", testDialog(), nil, collectIDs(&ids))
	require.NoError(t, err)
	assert.Equal(t, 45, seen)
	require.Len(t, ids, 45)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}
	assert.Equal(t, int64(45), cursors.cursors["acct1/-1000000000042"])
	require.Len(t, history.requests, 3)
	assert.Equal(t, 1, history.requests[0].OffsetID)
	assert.Equal(t, -20, history.requests[0].AddOffset)
	assert.Equal(t, 21, history.requests[1].OffsetID)

	// A resumed run only asks for what came after the cursor.
	history.total = 47
	ids = nil
	seen, err = svc.backfillChat(context.Background(), history, "acct1", testDialog(), nil, collectIDs(&ids))
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
	assert.Equal(t, []int64{46, 47}, ids)
}

func TestBackfillChatWithoutResumeStartsFromOldest(t *testing.T) {
	svc, cursors := newTestService(t, Options{APIID: 1, APIHash: "h", HistoryBatchSize: 20})
	cursors.cursors = map[string]int64{"acct1/-1000000000042": 10}

	var ids []int64
	_, err := svc.backfillChat(context.Background(), &fakeHistory{total: 5}, "acct1", testDialog(), nil, collectIDs(&ids))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)
}

func TestBackfillChatLongFloodWaitSkipsChat(t *testing.T) {
	svc, _ := newTestService(t, Options{APIID: 1, APIHash: "h"})
	history := &fakeHistory{total: 5, errs: []error{tgerr.New(420, "FLOOD_WAIT_120")}}

	var ids []int64
	_, err := svc.backfillChat(context.Background(), history, "acct1", testDialog(), nil, collectIDs(&ids))
	require.ErrorIs(t, err, errChatFloodSkipped)
	assert.Empty(t, ids)
	assert.True(t, svc.floodBlocked(throttleKey("acct1", -1000000000042)))

	// While blocked the chat is not requested at all.
	_, err = svc.backfillChat(context.Background(), history, "acct1", testDialog(), nil, collectIDs(&ids))
	require.ErrorIs(t, err, errChatFloodSkipped)
	assert.Len(t, history.requests, 1)
}

func TestBackfillChatStopsWhenHandlerStops(t *testing.T) {
	svc, _ := newTestService(t, Options{APIID: 1, APIHash: "h"})
	calls := 0
	handle := func(context.Context, domain.Message, fileextract.Downloader) error {
		calls++
		if calls == 3 {
			return ingest.ErrRunStopped
		}
		return nil
	}
	seen, err := svc.backfillChat(context.Background(), &fakeHistory{total: 10}, "acct1", testDialog(), nil, handle)
	require.ErrorIs(t, err, ingest.ErrRunStopped)
	assert.Equal(t, 2, seen)
}

func TestFloodCacheExpires(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	key := throttleKey("acct1", 202)
	svc.noteFlood(key, 3*time.Second)
	require.True(t, svc.floodBlocked(key))

	svc.throttleMu.Lock()
	svc.floodUntilByChat[key] = time.Now().Add(-1 * time.Second)
	svc.throttleMu.Unlock()

	assert.False(t, svc.floodBlocked(key))
}

func TestWaitBackfillLimiterSpacesRequestsPerChat(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	svc.perChatInterval = 40 * time.Millisecond

	start := time.Now()
	require.NoError(t, svc.waitBackfillLimiter(context.Background(), "a/1"))
	require.NoError(t, svc.waitBackfillLimiter(context.Background(), "a/2"))
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	require.NoError(t, svc.waitBackfillLimiter(context.Background(), "a/1"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, svc.waitBackfillLimiter(ctx, "a/1"), context.Canceled)
}

func TestNewServiceClampsBatchSize(t *testing.T) {
	svc, _ := newTestService(t, Options{HistoryBatchSize: 5})
	assert.Equal(t, minHistoryBatchSize, svc.opts.HistoryBatchSize)
	svc, _ = newTestService(t, Options{HistoryBatchSize: 500})
	assert.Equal(t, historyBatchSize, svc.opts.HistoryBatchSize)
}

func TestCredentialsRequired(t *testing.T) {
	svc, _ := newTestService(t, Options{APIID: 0, APIHash: " "})
	_, _, err := svc.credentials()
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = svc.Backfill(context.Background(), domain.Account{Name: "acct1"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestToMessageSurfaces(t *testing.T) {
	msg := &tg.Message{
		ID:      77,
		Date:    1_700_000_000,
		Message: "join t.me/somechannel or click here",
		Entities: []tg.MessageEntityClass{
			&tg.MessageEntityURL{Offset: 5, Length: 16},
			&tg.MessageEntityBold{Offset: 0, Length: 4},
			&tg.MessageEntityTextURL{Offset: 25, Length: 10, URL: "https://chat.whatsapp.com/Inv1te"},
		},
		ReplyMarkup: &tg.ReplyInlineMarkup{Rows: []tg.KeyboardButtonRow{
			{Buttons: []tg.KeyboardButtonClass{
				&tg.KeyboardButtonURL{Text: "Open", URL: "https://example.com/x"},
				&tg.KeyboardButtonCallback{Text: "noop", Data: []byte("x")},
			}},
		}},
		Media: &tg.MessageMediaDocument{Document: &tg.Document{
			ID:            9,
			AccessHash:    10,
			FileReference: []byte{1, 2},
			DCID:          2,
			MimeType:      "application/pdf",
			Size:          1234,
			Attributes:    []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: " list.pdf "}},
		}},
	}
	dialog := Dialog{ChatID: -1000000000042, Title: "News", Type: DialogChannel}

	got := toMessage("acct1", dialog, msg)
	assert.Equal(t, "acct1", got.Account)
	assert.Equal(t, "-1000000000042", got.ChatID)
	assert.Equal(t, "News", got.ChatTitle)
	assert.Equal(t, int64(77), got.MsgID)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), got.Date)
	assert.Equal(t, []domain.Entity{
		{Kind: domain.EntityURL, Offset: 5, Length: 16},
		{Kind: domain.EntityTextURL, Offset: 25, Length: 10, URL: "https://chat.whatsapp.com/Inv1te"},
	}, got.Entities)
	assert.Equal(t, []domain.Button{{Text: "Open", URL: "https://example.com/x"}}, got.Buttons)
	require.NotNil(t, got.File)
	assert.Equal(t, "list.pdf", got.File.Name)
	assert.Equal(t, "application/pdf", got.File.MimeType)
	assert.Equal(t, int64(1234), got.File.Size)
	assert.Equal(t, int64(9), got.File.DocumentID)
}

func TestToMessageWithoutDocument(t *testing.T) {
	got := toMessage("a", Dialog{ChatID: 5}, &tg.Message{ID: 1, Media: &tg.MessageMediaPhoto{}})
	assert.Nil(t, got.File)
	assert.Nil(t, got.Buttons)
}

func TestPeerToChatID(t *testing.T) {
	id, ok := peerToChatID(&tg.PeerUser{UserID: 5})
	assert.True(t, ok)
	assert.Equal(t, int64(5), id)
	id, _ = peerToChatID(&tg.PeerChat{ChatID: 5})
	assert.Equal(t, int64(-5), id)
	id, _ = peerToChatID(&tg.PeerChannel{ChannelID: 5})
	assert.Equal(t, int64(-1000000000005), id)
	_, ok = peerToChatID(nil)
	assert.False(t, ok)
}

func TestDialogFromPeerUsesEntities(t *testing.T) {
	entities := tg.Entities{
		Channels: map[int64]*tg.Channel{7: {ID: 7, Title: "Chatters", Megagroup: true}},
		Users:    map[int64]*tg.User{3: {ID: 3, FirstName: "Ann"}},
	}
	dialog, ok := dialogFromPeer(&tg.PeerChannel{ChannelID: 7}, entities)
	require.True(t, ok)
	assert.Equal(t, Dialog{ChatID: -1000000000007, Title: "Chatters", Type: DialogGroup}, dialog)

	dialog, ok = dialogFromPeer(&tg.PeerChannel{ChannelID: 8}, entities)
	require.True(t, ok)
	assert.Equal(t, DialogChannel, dialog.Type)

	dialog, ok = dialogFromPeer(&tg.PeerUser{UserID: 3}, entities)
	require.True(t, ok)
	assert.Equal(t, Dialog{ChatID: 3, Title: "Ann", Type: DialogPrivate}, dialog)
}

func TestIncludeDialog(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	assert.True(t, svc.includeDialog(Dialog{Type: DialogGroup}))
	assert.True(t, svc.includeDialog(Dialog{Type: DialogChannel}))
	assert.False(t, svc.includeDialog(Dialog{Type: DialogPrivate}))
	assert.False(t, svc.includeDialog(Dialog{Type: DialogSaved}))

	svc, _ = newTestService(t, Options{IncludePrivate: true})
	assert.True(t, svc.includeDialog(Dialog{Type: DialogPrivate}))
	assert.False(t, svc.includeDialog(Dialog{Type: DialogSaved}))
}

func TestFormatUserDisplay(t *testing.T) {
	assert.Equal(t, "Alice Smith", formatUserDisplay(&tg.User{FirstName: "Alice", LastName: "Smith"}))
	assert.Equal(t, "@alice", formatUserDisplay(&tg.User{Username: "alice"}))
	assert.Equal(t, "User 9", formatUserDisplay(&tg.User{ID: 9}))
	assert.Equal(t, "", formatUserDisplay(nil))
}

func TestIsRecoverableDialogLookupError(t *testing.T) {
	assert.True(t, isRecoverableDialogLookupError(errors.New("callback: get offset peer: chat 123 not found")))
	assert.False(t, isRecoverableDialogLookupError(errors.New("random failure")))
	assert.False(t, isRecoverableDialogLookupError(nil))
}

func TestIsFileReferenceError(t *testing.T) {
	assert.True(t, isFileReferenceError(tgerr.New(400, "FILE_REFERENCE_EXPIRED")))
	assert.False(t, isFileReferenceError(tgerr.New(400, "FILE_ID_INVALID")))
	assert.False(t, isFileReferenceError(errors.New("plain")))
}

func TestIsAuthKeyError(t *testing.T) {
	assert.True(t, isAuthKeyError(tgerr.New(401, "AUTH_KEY_UNREGISTERED")))
	assert.True(t, isAuthKeyError(ErrUnauthorized))
	assert.False(t, isAuthKeyError(errors.New("timeout")))
	assert.False(t, isAuthKeyError(nil))
}

func TestIsPasswordNeeded(t *testing.T) {
	assert.True(t, isPasswordNeeded(tgerr.New(401, "SESSION_PASSWORD_NEEDED")))
	assert.False(t, isPasswordNeeded(io.EOF))
}

func TestAccountSessionStorage(t *testing.T) {
	store := &fakeSessions{}
	storage := &AccountSessionStorage{Store: store, Account: "acct1"}
	ctx := context.Background()

	_, err := storage.LoadSession(ctx)
	assert.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, storage.StoreSession(ctx, []byte(`{"Version":1}`)))
	data, err := storage.LoadSession(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Version":1}`, string(data))

	require.NoError(t, store.StoreAccountSession(ctx, "acct1", []byte("garbage")))
	_, err = storage.LoadSession(ctx)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestMemorySessionStorageCopies(t *testing.T) {
	storage := &MemorySessionStorage{}
	_, err := storage.LoadSession(context.Background())
	assert.ErrorIs(t, err, session.ErrNotFound)

	in := []byte(`{"a":1}`)
	require.NoError(t, storage.StoreSession(context.Background(), in))
	in[0] = 'x'
	assert.Equal(t, `{"a":1}`, string(storage.Bytes()))
}

func TestParseSessionStringTelethon(t *testing.T) {
	raw := make([]byte, 263)
	raw[0] = 2
	copy(raw[1:5], []byte{149, 154, 167, 51})
	raw[5], raw[6] = 0x01, 0xBB
	for i := 7; i < len(raw); i++ {
		raw[i] = byte(i)
	}
	str := "1" + base64.URLEncoding.EncodeToString(raw)

	storage, err := parseSessionString(context.Background(), str)
	require.NoError(t, err)

	data, err := (&session.Loader{Storage: storage}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, data.DC)
	assert.Equal(t, raw[7:], data.AuthKey)
}

func TestParseSessionStringRejectsGarbage(t *testing.T) {
	_, err := parseSessionString(context.Background(), "   ")
	assert.Error(t, err)
	_, err = parseSessionString(context.Background(), "not-a-session")
	assert.Error(t, err)

	storage, err := parseSessionString(context.Background(), `{"Version":1,"Data":{}}`)
	require.NoError(t, err)
	assert.NotEmpty(t, storage.Bytes())
}

func TestRenderQR(t *testing.T) {
	out, err := RenderQR("tg://login?token=abc")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.NotEmpty(t, lines)
	width := len([]rune(lines[0]))
	assert.Greater(t, width, 20)
	for _, line := range lines {
		assert.Equal(t, width, len([]rune(line)))
	}
}
