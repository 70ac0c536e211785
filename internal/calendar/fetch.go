package calendar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calbot/pkg/logx"
)

// NormalizeURL accepts http, https and webcal URLs; webcal is fetched over https.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "webcal", "webcals":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	return u.String(), nil
}

// redactURL keeps scheme and host only; feed paths usually embed private tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid>"
	}
	return u.Scheme + "://" + u.Host + "/…"
}

func (r *Reader) fetch(ctx context.Context, raw string) ([]byte, error) {
	target, err := NormalizeURL(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnreachable, err)
	}
	cfg := r.config()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnreachable, err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}

	started := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s", ErrFeedUnreachable, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrFeedUnreachable, err)
	}
	if int64(len(body)) > cfg.MaxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFeedMalformed, cfg.MaxBytes)
	}
	r.log.Debug("feed fetched",
		logx.String("url", redactURL(target)),
		logx.Int("bytes", len(body)),
		logx.Duration("took", time.Since(started)))
	return body, nil
}
