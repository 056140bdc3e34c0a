package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/retry"
	"github.com/navi-crwn/pixelhop-sub000/internal/storage/sigv4"
)

const (
	aclPublicRead   = "public-read"
	maxErrorBodyLen = 1024
)

type Result struct {
	StatusCode int
	Attempts   int
}

// Client issues SigV4-signed, path-style PUT and DELETE requests against an
// S3-compatible endpoint. It is safe for concurrent use.
type Client struct {
	endpoint  *url.URL
	bucket    string
	publicURL string
	creds     sigv4.Credentials
	http      *http.Client
	policy    retry.Policy
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg config.StorageConfig, log zerolog.Logger, opts ...Option) (*Client, error) {
	endpoint, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", cfg.Endpoint)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("endpoint %q: missing host", cfg.Endpoint)
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	policy := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		policy.InitialBackoff = cfg.InitialBackoff
	}

	c := &Client{
		endpoint:  endpoint,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
		creds: sigv4.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			Service:   sigv4.DefaultService,
		},
		http:   newHTTPClient(cfg.ConnectTimeout, cfg.RequestTimeout),
		policy: policy,
		now:    time.Now,
		log:    log.With().Str("component", "object_store").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 120 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	return &http.Client{
		Transport: transport,
		Timeout:   requestTimeout,
	}
}

// PublicURL is where a stored object can be fetched anonymously.
func (c *Client) PublicURL(key string) string {
	if c.publicURL != "" {
		return c.publicURL + "/" + key
	}
	return c.endpoint.String() + "/" + c.bucket + "/" + key
}

// Put stores body under key with public-read visibility.
func (c *Client) Put(ctx context.Context, key string, body []byte, contentType string) (Result, error) {
	payloadHash := sigv4.PayloadHash(body)
	return c.do(ctx, "put", key, func(ctx context.Context) (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPut, key, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(len(body))
		c.sign(req, key, payloadHash, map[string]string{
			"content-length": strconv.Itoa(len(body)),
			"content-type":   contentType,
			"x-amz-acl":      aclPublicRead,
		})
		return req, nil
	}, false)
}

// Delete removes key. A 404 counts as success so repeated sweeps stay
// idempotent.
func (c *Client) Delete(ctx context.Context, key string) (Result, error) {
	return c.do(ctx, "delete", key, func(ctx context.Context) (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodDelete, key, nil)
		if err != nil {
			return nil, err
		}
		c.sign(req, key, sigv4.EmptyPayloadHash, nil)
		return req, nil
	}, true)
}

func (c *Client) do(ctx context.Context, op, key string, build func(context.Context) (*http.Request, error), notFoundOK bool) (Result, error) {
	var result Result

	attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		result.StatusCode = 0

		req, err := build(ctx)
		if err != nil {
			return retry.Permanent(err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Warn().Err(err).Str("op", op).Str("key", key).Int("attempt", attempt).Msg("storage request failed")
			return err
		}
		defer drain(resp.Body)

		result.StatusCode = resp.StatusCode
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case notFoundOK && resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode >= 500:
			c.log.Warn().Str("op", op).Str("key", key).Int("status", resp.StatusCode).Int("attempt", attempt).Msg("storage server error")
			return &statusError{code: resp.StatusCode, body: readSnippet(resp.Body)}
		default:
			return retry.Permanent(&statusError{code: resp.StatusCode, body: readSnippet(resp.Body)})
		}
	})
	result.Attempts = attempts

	if err == nil {
		return result, nil
	}

	kind := ErrTransient
	if result.StatusCode > 0 && result.StatusCode < 500 {
		kind = ErrPermanent
	}
	var urlErr *url.Error
	if result.StatusCode == 0 && !errors.As(err, &urlErr) && ctx.Err() == nil {
		// request could not even be built
		kind = ErrPermanent
	}

	return result, &Error{
		Op:         op,
		Key:        key,
		StatusCode: result.StatusCode,
		Attempts:   attempts,
		Kind:       kind,
		Err:        err,
	}
}

func (c *Client) objectPath(key string) string {
	return strings.TrimSuffix(c.endpoint.Path, "/") + "/" + c.bucket + "/" + strings.TrimPrefix(key, "/")
}

func (c *Client) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	path := c.objectPath(key)
	u := *c.endpoint
	u.Path = path
	u.RawPath = sigv4.CanonicalURI(path)
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	return req, nil
}

func (c *Client) sign(req *http.Request, key, payloadHash string, extra map[string]string) {
	now := c.now()
	amzDate := sigv4.AmzDate(now)

	headers := map[string]string{
		"x-amz-content-sha256": payloadHash,
		"x-amz-date":           amzDate,
	}
	for name, value := range extra {
		headers[name] = value
	}

	auth := sigv4.Sign(sigv4.Request{
		Method:      req.Method,
		Path:        c.objectPath(key),
		Host:        c.endpoint.Host,
		Headers:     headers,
		PayloadHash: payloadHash,
	}, c.creds, now)

	for name, value := range headers {
		if name == "content-length" {
			continue
		}
		req.Header.Set(name, value)
	}
	req.Header.Set("Authorization", auth)
}

func readSnippet(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyLen))
	return strings.TrimSpace(string(b))
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
