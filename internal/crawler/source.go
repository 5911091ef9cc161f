package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

// Entry is one author extracted from a listing page
type Entry struct {
	DisplayName string
	Key         string
	At          time.Time // zero when the listing carries no timestamp
}

// Target is a cafe board resolved for crawling
type Target struct {
	Cafe    *models.Cafe
	Ref     provider.CafeRef
	GroupID string // daum internal group id from the permission pre-pass
}

// Source fetches listing pages of one provider
type Source interface {
	Provider() provider.Provider
	FetchPage(ctx context.Context, t Target, page int) ([]Entry, error)
}

// PermissionChecker is implemented by sources that gate discovery per cafe
type PermissionChecker interface {
	CheckPermission(ctx context.Context, t Target) (models.CafePermission, error)
}

// CookieSource supplies the browser session cookies for listing requests
type CookieSource interface {
	CookieHeader(ctx context.Context, p provider.Provider) (string, error)
}

// HTTPConfig contains settings shared by the HTTP sources
type HTTPConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Cookies   CookieSource
}

type httpSource struct {
	cfg    HTTPConfig
	client *http.Client
	p      provider.Provider
}

func newHTTPSource(p provider.Provider, cfg HTTPConfig) httpSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return httpSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		p:      p,
	}
}

// get performs an authenticated GET and returns the response for the caller to close
func (s httpSource) get(ctx context.Context, url, referer string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if s.cfg.Cookies != nil {
		cookie, err := s.cfg.Cookies.CookieHeader(ctx, s.p)
		if err != nil {
			return nil, fmt.Errorf("failed to read session cookies: %w", err)
		}
		if cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

func (s httpSource) getJSON(ctx context.Context, url, referer string) (gjson.Result, error) {
	resp, err := s.get(ctx, url, referer)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("response is not valid JSON")
	}
	return gjson.ParseBytes(body), nil
}

// parseTimestamp reads epoch milliseconds or an RFC 3339 string
func parseTimestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		if ms := v.Int(); ms > 0 {
			return time.UnixMilli(ms)
		}
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
