package whatsapp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/domain"
	"go.uber.org/zap"
)

// QRCode is the pairing material of one instance.
type QRCode struct {
	ChipID      string    `json:"chip_id"`
	Base64      string    `json:"base64"`
	Code        string    `json:"code"`
	PairingCode string    `json:"pairing_code,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Client talks to an Evolution-API style gateway. Transport failures and
// 5xx answers are retried with exponential backoff.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	retries int
	backoff time.Duration
}

func NewClient(cfg config.GatewayConfig) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		backoff: cfg.RetryBackoff,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.retries <= 0 {
		c.retries = 1
	}
	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}
	return c
}

type stateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

type connectResponse struct {
	Base64      string `json:"base64"`
	Code        string `json:"code"`
	PairingCode string `json:"pairingCode"`
	Instance    struct {
		State string `json:"state"`
	} `json:"instance"`
}

// ConnectionState returns the session state reported for instance, e.g.
// open, connecting or close.
func (c *Client) ConnectionState(ctx context.Context, instance string) (string, error) {
	var out stateResponse
	if err := c.get(ctx, "instance/connectionState/"+url.PathEscape(instance), &out); err != nil {
		return "", err
	}
	return out.Instance.State, nil
}

// FetchQRCode asks the gateway to start pairing and returns the QR code.
func (c *Client) FetchQRCode(ctx context.Context, instance string) (*QRCode, error) {
	var out connectResponse
	if err := c.get(ctx, "instance/connect/"+url.PathEscape(instance), &out); err != nil {
		return nil, err
	}
	if out.Base64 == "" && out.Code == "" {
		if out.Instance.State == "open" {
			return nil, &domain.ConflictError{Action: "qr", Guard: "paired", Reason: "instance is already connected"}
		}
		return nil, &domain.DependencyError{Dependency: "gateway", Attempts: 1, Err: fmt.Errorf("no pairing material for %s", instance)}
	}
	return &QRCode{Base64: out.Base64, Code: out.Code, PairingCode: out.PairingCode}, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway answered %d %s", e.code, http.StatusText(e.code))
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if c.baseURL == "" {
		return &domain.DependencyError{Dependency: "gateway", Attempts: 0, Err: fmt.Errorf("gateway base url is not configured")}
	}
	endpoint := c.baseURL + "/" + path
	var lastErr error
	attempt := 0
	for attempt < c.retries {
		attempt++
		lastErr = c.once(ctx, endpoint, out)
		if lastErr == nil {
			return nil
		}
		if se, ok := lastErr.(*statusError); ok && se.code < 500 {
			break
		}
		if attempt == c.retries || ctx.Err() != nil {
			break
		}
		wait := c.backoff << (attempt - 1)
		zap.L().Debug("gateway request failed, retrying", zap.String("namespace", "whatsapp"),
			zap.String("url", endpoint), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return &domain.DependencyError{Dependency: "gateway", Attempts: attempt, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	zap.L().Warn("gateway request failed", zap.String("namespace", "whatsapp"), zap.String("url", endpoint),
		zap.Int("attempts", attempt), zap.Error(lastErr))
	return &domain.DependencyError{Dependency: "gateway", Attempts: attempt, Err: lastErr}
}

func (c *Client) once(ctx context.Context, endpoint string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var (
		code int
		body []byte
	)
	err := gout.GET(endpoint).
		WithContext(ctx).
		SetHeader(gout.H{"apikey": c.apiKey}).
		BindBody(&body).
		Code(&code).
		Do()
	if err != nil {
		return err
	}
	if code < 200 || code > 299 {
		return &statusError{code: code}
	}
	return jsoniter.Unmarshal(body, out)
}
