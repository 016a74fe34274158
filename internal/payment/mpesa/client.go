package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/hungerpay/internal/clock"
	"github.com/smallbiznis/hungerpay/internal/config"
	obsmetrics "github.com/smallbiznis/hungerpay/internal/observability/metrics"
	"github.com/smallbiznis/hungerpay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	tokenPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	maxResponseBytes = 1 << 20
)

// errUnauthorized marks a 401 from an API call made with a fetched token.
var errUnauthorized = errors.New("mpesa_unauthorized")

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Client is the Daraja STK push client.
type Client struct {
	cfg     config.MPesaConfig
	http    *http.Client
	log     *zap.Logger
	clock   clock.Clock
	metrics *obsmetrics.Metrics
	tracer  trace.Tracer
}

func NewClient(p Params) *Client {
	timeout := p.Cfg.MPesa.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg := p.Cfg.MPesa
	cfg.RequestTimeout = timeout

	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		log:     p.Log.Named("payment.mpesa"),
		clock:   clk,
		metrics: p.ObsMetrics,
		tracer:  otel.Tracer("hungerpay/mpesa"),
	}
}

// Provide exposes the client behind the provider interface.
func Provide(c *Client) paymentdomain.ProviderClient {
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// RequestAccessToken fetches a fresh OAuth token using client credentials.
func (c *Client) RequestAccessToken(ctx context.Context) (string, error) {
	ctx, span := c.startSpan(ctx, "token")
	defer span.End()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		c.finish(ctx, span, "token", "transport_error", start, err)
		return "", fmt.Errorf("%w: token request: %v", paymentdomain.ErrAuth, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(tracing.SafeAttributes(attribute.Int("provider.status_code", resp.StatusCode))...)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: token status %d", paymentdomain.ErrAuth, resp.StatusCode)
		c.finish(ctx, span, "token", "rejected", start, err)
		return "", err
	}

	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil || strings.TrimSpace(out.AccessToken) == "" {
		err := fmt.Errorf("%w: token response unreadable", paymentdomain.ErrAuth)
		c.finish(ctx, span, "token", "malformed", start, err)
		return "", err
	}

	c.finish(ctx, span, "token", "ok", start, nil)
	return out.AccessToken, nil
}

// Ping verifies credentials and connectivity without touching any record.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.RequestAccessToken(ctx)
	return err
}

// withToken runs call with a freshly fetched token. A failed token fetch or a
// 401 from call is retried exactly once before surfacing ErrAuth.
func (c *Client) withToken(ctx context.Context, operation string, call func(token string) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.RequestAccessToken(ctx)
		if err != nil {
			lastErr = err
			c.log.Warn("token fetch failed",
				zap.String("operation", operation),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		err = call(token)
		if errors.Is(err, errUnauthorized) {
			lastErr = fmt.Errorf("%w: %s rejected token", paymentdomain.ErrAuth, operation)
			continue
		}
		return err
	}
	return lastErr
}

// postJSON sends body to path and returns the status code and raw response.
// Transport failures are reported as ErrTransport, 401 as errUnauthorized.
func (c *Client) postJSON(ctx context.Context, operation, path, token string, body any) (int, []byte, error) {
	ctx, span := c.startSpan(ctx, operation)
	defer span.End()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.finish(ctx, span, operation, "transport_error", start, err)
		return 0, nil, fmt.Errorf("%w: %s: %v", paymentdomain.ErrTransport, operation, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(tracing.SafeAttributes(attribute.Int("provider.status_code", resp.StatusCode))...)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.finish(ctx, span, operation, "transport_error", start, err)
		return resp.StatusCode, nil, fmt.Errorf("%w: %s read body: %v", paymentdomain.ErrTransport, operation, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.finish(ctx, span, operation, "unauthorized", start, errUnauthorized)
		return resp.StatusCode, raw, errUnauthorized
	}

	c.finish(ctx, span, operation, fmt.Sprintf("http_%dxx", resp.StatusCode/100), start, nil)
	return resp.StatusCode, raw, nil
}

// Password is base64(shortcode + passkey + timestamp) as Daraja expects.
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
}

var nairobi = time.FixedZone("EAT", 3*60*60)

// timestamp renders now as YYYYMMDDHHmmss in East Africa Time.
func (c *Client) timestamp() string {
	return c.clock.Now().In(nairobi).Format("20060102150405")
}

func (c *Client) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "mpesa."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(tracing.SafeAttributes(attribute.String("provider.operation", operation))...)
	return ctx, span
}

func (c *Client) finish(ctx context.Context, span trace.Span, operation, result string, start time.Time, err error) {
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, result)
	}
	c.metrics.RecordProviderCall(ctx, operation, result, time.Since(start))
}
