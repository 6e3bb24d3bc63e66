package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"rsc.io/qr"
)

// Identity describes the user behind a validated session.
type Identity struct {
	UserID  int64
	Display string
}

type QRToken struct {
	URL       string
	ExpiresAt time.Time
}

// ValidateSession connects with a submitted session string and returns the serialized
// session only if it is already authorized. Nothing is persisted here; callers store the
// result once validation passed.
func (s *Service) ValidateSession(ctx context.Context, raw string) ([]byte, Identity, error) {
	storage, err := parseSessionString(ctx, raw)
	if err != nil {
		return nil, Identity{}, err
	}

	var who Identity
	err = s.withClient(ctx, storage, func(runCtx context.Context, client *tdtelegram.Client) error {
		display, authErr := requireAuthorized(runCtx, client)
		if authErr != nil {
			return authErr
		}
		self, selfErr := client.Self(runCtx)
		if selfErr != nil {
			return selfErr
		}
		who = Identity{UserID: self.ID, Display: display}
		return nil
	})
	if err != nil {
		if isAuthKeyError(err) {
			return nil, Identity{}, ErrUnauthorized
		}
		return nil, Identity{}, err
	}
	return storage.Bytes(), who, nil
}

// CheckAccount reports whether a stored account session is still authorized.
func (s *Service) CheckAccount(ctx context.Context, name string) (Identity, error) {
	var who Identity
	err := s.withClient(ctx, s.accountStorage(name), func(runCtx context.Context, client *tdtelegram.Client) error {
		display, authErr := requireAuthorized(runCtx, client)
		if authErr != nil {
			return authErr
		}
		self, selfErr := client.Self(runCtx)
		if selfErr != nil {
			return selfErr
		}
		who = Identity{UserID: self.ID, Display: display}
		return nil
	})
	if isAuthKeyError(err) {
		return Identity{}, ErrUnauthorized
	}
	return who, err
}

// LoginQR signs a new session in by QR code. show is called for every fresh token;
// password is asked for only when the account has two-step verification enabled.
func (s *Service) LoginQR(ctx context.Context, show func(QRToken) error, password func(context.Context) (string, error)) ([]byte, Identity, error) {
	storage := &MemorySessionStorage{}
	dispatcher := tg.NewUpdateDispatcher()
	loggedIn := qrlogin.OnLoginToken(dispatcher)

	var who Identity
	err := s.withClientUsingOptions(ctx, tdtelegram.Options{
		SessionStorage: storage,
		UpdateHandler:  dispatcher,
	}, func(runCtx context.Context, client *tdtelegram.Client) error {
		_, authErr := client.QR().Auth(runCtx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			return show(QRToken{URL: token.URL(), ExpiresAt: token.Expires()})
		})
		if authErr != nil {
			if !isPasswordNeeded(authErr) {
				return authErr
			}
			secret, pwdErr := password(runCtx)
			if pwdErr != nil {
				return pwdErr
			}
			if strings.TrimSpace(secret) == "" {
				return ErrPasswordEmpty
			}
			if _, pwdErr := client.Auth().Password(runCtx, secret); pwdErr != nil {
				return pwdErr
			}
		}

		display, statusErr := requireAuthorized(runCtx, client)
		if statusErr != nil {
			return statusErr
		}
		self, selfErr := client.Self(runCtx)
		if selfErr != nil {
			return selfErr
		}
		who = Identity{UserID: self.ID, Display: display}
		return nil
	})
	if err != nil {
		return nil, Identity{}, err
	}
	return storage.Bytes(), who, nil
}

// RenderQR draws text as a QR code with terminal block characters, two modules per
// line.
func RenderQR(text string) (string, error) {
	code, err := qr.Encode(text, qr.M)
	if err != nil {
		return "", err
	}
	const quiet = 2
	size := code.Size
	black := func(x, y int) bool {
		if x < 0 || y < 0 || x >= size || y >= size {
			return false
		}
		return code.Black(x, y)
	}

	var b strings.Builder
	for y := -quiet; y < size+quiet; y += 2 {
		for x := -quiet; x < size+quiet; x++ {
			top, bottom := black(x, y), black(x, y+1)
			switch {
			case top && bottom:
				b.WriteRune(' ')
			case top:
				b.WriteRune('▄')
			case bottom:
				b.WriteRune('▀')
			default:
				b.WriteRune('█')
			}
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func isPasswordNeeded(err error) bool {
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return true
	}
	if rpcErr, ok := tgerr.As(err); ok {
		return rpcErr.IsOneOf("SESSION_PASSWORD_NEEDED")
	}
	return false
}

func isAuthKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	if rpcErr, ok := tgerr.As(err); ok {
		return rpcErr.IsOneOf("AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED")
	}
	return false
}
