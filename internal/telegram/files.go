package telegram

import (
	"context"
	"errors"
	"io"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tglinks/internal/domain"
)

var ErrFileReferenceExpired = errors.New("telegram file reference expired")

// apiDownloader streams message documents over an already running client.
type apiDownloader struct {
	api *tg.Client
	d   *downloader.Downloader
}

func newAPIDownloader(api *tg.Client) *apiDownloader {
	return &apiDownloader{api: api, d: downloader.NewDownloader()}
}

func (a *apiDownloader) Download(ctx context.Context, file domain.File, w io.Writer) error {
	if file.DocumentID == 0 || file.AccessHash == 0 {
		return errors.New("document id and access hash are required")
	}
	location := &tg.InputDocumentFileLocation{
		ID:            file.DocumentID,
		AccessHash:    file.AccessHash,
		FileReference: file.FileReference,
	}
	if _, err := a.d.Download(a.api, location).Stream(ctx, w); err != nil {
		if isFileReferenceError(err) {
			return errors.Join(ErrFileReferenceExpired, err)
		}
		return err
	}
	return nil
}

func isFileReferenceError(err error) bool {
	var rpcErr *tgerr.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.IsOneOf("FILE_REFERENCE_EXPIRED", "FILE_REFERENCE_INVALID", "FILE_REFERENCE_EMPTY")
	}
	return false
}
