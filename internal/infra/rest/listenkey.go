package rest

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coachpo/meltica-streams/errs"
)

// DefaultListenKeyPath is the user data stream path shared by Binance and MEXC spot.
const DefaultListenKeyPath = "/api/v3/userDataStream"

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// ListenKeyClient mints, renews and deletes user data stream listen keys.
type ListenKeyClient struct {
	*client
	path string
}

// NewListenKeyClient builds a client; an empty path selects DefaultListenKeyPath.
func NewListenKeyClient(cfg Config, path string) (*ListenKeyClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errs.New(cfg.Exchange, errs.CodeAuth, errs.WithMessage("api key required for listen key"))
	}
	if cfg.Signed && strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errs.New(cfg.Exchange, errs.CodeAuth, errs.WithMessage("api secret required for signed requests"))
	}
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultListenKeyPath
	}
	return &ListenKeyClient{client: c, path: path}, nil
}

func (c *ListenKeyClient) CreateSessionToken(ctx context.Context) (string, error) {
	var payload listenKeyResponse
	if err := c.do(ctx, http.MethodPost, c.path, nil, &payload); err != nil {
		return "", err
	}
	key := strings.TrimSpace(payload.ListenKey)
	if key == "" {
		return "", errs.New(c.cfg.Exchange, errs.CodeProtocol, errs.WithMessage("empty listen key"))
	}
	return key, nil
}

func (c *ListenKeyClient) RenewSessionToken(ctx context.Context, token string) error {
	params, err := c.keyParams(token)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, c.path, params, nil)
}

func (c *ListenKeyClient) DeleteSessionToken(ctx context.Context, token string) error {
	params, err := c.keyParams(token)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, c.path, params, nil)
}

func (c *ListenKeyClient) keyParams(token string) (url.Values, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errs.New(c.cfg.Exchange, errs.CodeSessionExpired, errs.WithMessage("no listen key"))
	}
	return url.Values{"listenKey": []string{token}}, nil
}
