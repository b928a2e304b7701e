// Package rest holds the small REST surface the streams depend on: listen key
// management for private streams and depth snapshots for order book resyncs.
package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-streams/errs"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRatePerSecond = 5
	defaultBurst         = 2
	maxErrorBody         = 4 << 10

	// codeUnknownListenKey is returned by Binance compatible APIs for expired keys.
	codeUnknownListenKey = -1125
)

// Config describes one exchange REST endpoint.
type Config struct {
	Exchange string
	BaseURL  string
	// APIKeyHeader carries the API key, e.g. X-MBX-APIKEY or X-MEXC-APIKEY.
	APIKeyHeader string
	APIKey       string
	APISecret    string
	// Signed adds timestamp and an HMAC-SHA256 signature to every query.
	Signed bool
	// RecvWindow is sent with signed requests when positive.
	RecvWindow        time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

type client struct {
	cfg     Config
	limiter *rate.Limiter
	http    *http.Client
	now     func() time.Time
}

func newClient(cfg Config) (*client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errs.New(cfg.Exchange, errs.CodeInvalid, errs.WithMessage("rest base url required"))
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errs.New(cfg.Exchange, errs.CodeInvalid, errs.WithMessage("invalid rest base url"), errs.WithCause(err))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		http:    httpClient,
		now:     time.Now,
	}, nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// do sends one request and decodes a 2xx body into out when out is non-nil.
func (c *client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	query := c.encode(params)
	endpoint := c.cfg.BaseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, nil)
	if err != nil {
		return errs.New(c.cfg.Exchange, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	if c.cfg.APIKeyHeader != "" && c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New(c.cfg.Exchange, errs.CodeConnection,
			errs.WithMessage(fmt.Sprintf("%s %s", method, path)), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return c.statusError(method, path, resp.StatusCode, body)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(c.cfg.Exchange, errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("decode %s %s", method, path)), errs.WithCause(err))
	}
	return nil
}

func (c *client) encode(params url.Values) string {
	if !c.cfg.Signed {
		return params.Encode()
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	if c.cfg.RecvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10))
	}
	query := params.Encode()
	return query + "&signature=" + sign(query, c.cfg.APISecret)
}

func (c *client) statusError(method, path string, status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	code := errs.CodeConnection
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuth
	case apiErr.Code == codeUnknownListenKey:
		code = errs.CodeSessionExpired
	case status == http.StatusBadRequest:
		code = errs.CodeInvalid
	}
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithMessage(fmt.Sprintf("%s %s", method, path)),
		errs.WithRaw(body),
	}
	if apiErr.Code != 0 {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(apiErr.Code)))
	}
	if apiErr.Msg != "" {
		opts = append(opts, errs.WithRawMessage(apiErr.Msg))
	}
	return errs.New(c.cfg.Exchange, code, opts...)
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
