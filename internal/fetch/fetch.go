// Package fetch downloads a remote image so it can be fed to the ingestion
// pipeline.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/media/sniffer"
)

var (
	ErrInvalidURL       = errors.New("invalid url")
	ErrForbiddenAddress = errors.New("address not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrUnsupportedType  = errors.New("unsupported content type")
	ErrTooLarge         = errors.New("remote file too large")
	ErrUpstream         = errors.New("upstream error")
)

const (
	defaultTimeout      = 60 * time.Second
	defaultMaxRedirects = 5
	defaultFilename     = "remote-image"
)

type Result struct {
	Data        []byte
	ContentType string
	Filename    string
	FinalURL    string
}

type Fetcher struct {
	client       *http.Client
	maxBytes     int64
	allowed      map[string]bool
	userAgent    string
	allowPrivate bool
	log          zerolog.Logger
}

type Option func(*Fetcher)

// AllowPrivateNetworks lets the fetcher dial loopback and private ranges.
func AllowPrivateNetworks() Option {
	return func(f *Fetcher) { f.allowPrivate = true }
}

func New(cfg config.FetchConfig, allowedTypes []string, log zerolog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		maxBytes:  cfg.MaxBytes,
		allowed:   make(map[string]bool, len(allowedTypes)),
		userAgent: cfg.UserAgent,
		log:       log.With().Str("component", "fetch").Logger(),
	}
	for _, t := range allowedTypes {
		f.allowed[sniffer.Normalize(t)] = true
	}
	for _, opt := range opts {
		opt(f)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !f.allowPrivate {
		dialer.Control = denyPrivate
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	f.client = &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("%w: redirect to %s", ErrInvalidURL, req.URL.Scheme)
			}
			return nil
		},
	}
	return f
}

func denyPrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, host)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, ip)
	}
	return nil
}

// Fetch downloads rawURL into memory. The body is read through a limit of
// maxBytes+1 so oversized responses fail without buffering past the cap.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, unwrapClientError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: http %d", ErrUpstream, resp.StatusCode)
	}

	contentType := sniffer.MimeTypeFromHTTP(resp.Header)
	if !f.allowed[contentType] {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return Result{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := f.readBody(resp.Body)
	if err != nil {
		return Result{}, err
	}

	final := resp.Request.URL
	f.log.Debug().
		Str("url", final.String()).
		Str("content_type", contentType).
		Int("size", len(data)).
		Msg("remote image fetched")

	return Result{
		Data:        data,
		ContentType: contentType,
		Filename:    filename(final),
		FinalURL:    final.String(),
	}, nil
}

func (f *Fetcher) readBody(body io.Reader) ([]byte, error) {
	src := body
	if f.maxBytes > 0 {
		src = io.LimitReader(body, f.maxBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	return data, nil
}

func unwrapClientError(err error) error {
	for _, sentinel := range []error{ErrTooManyRedirects, ErrForbiddenAddress, ErrInvalidURL} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

func filename(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return defaultFilename
	}
	return name
}
