package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"diffido/internal/schedule"
	logx "diffido/pkg/logx"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBody      = 5 << 20
	defaultUserAgent    = "diffido"
)

type FetchConfig struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// Fetch downloads action_parameters["url"] and, when a "selector" is given,
// narrows the page to the matching elements' text. It keeps a digest of the
// last content per schedule and logs when it changes.
type Fetch struct {
	cfg    FetchConfig
	client *http.Client
	log    logx.Logger

	mu   sync.Mutex
	last map[string]string
}

func NewFetch(cfg FetchConfig, log logx.Logger) *Fetch {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetch{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		last:   map[string]string{},
	}
}

// Result is what one fetch observed.
type Result struct {
	Status  int
	Bytes   int
	Matches int
	Digest  string
	Changed bool
}

func (f *Fetch) Run(ctx context.Context, s schedule.Schedule) error {
	_, err := f.Do(ctx, s)
	return err
}

func (f *Fetch) Do(ctx context.Context, s schedule.Schedule) (Result, error) {
	url := Param(s, "url")
	if url == "" {
		return Result{}, errors.New("fetch: url parameter is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return Result{}, fmt.Errorf("fetch: url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Result{Status: resp.StatusCode}, fmt.Errorf("fetch: %s returned %s", url, resp.Status)
	}
	if resp.ContentLength > f.cfg.MaxBodyBytes {
		return Result{Status: resp.StatusCode}, fmt.Errorf("fetch: response too large: %d bytes exceeds %d", resp.ContentLength, f.cfg.MaxBodyBytes)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return Result{Status: resp.StatusCode}, fmt.Errorf("fetch: read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return Result{Status: resp.StatusCode}, fmt.Errorf("fetch: response exceeds %d bytes", f.cfg.MaxBodyBytes)
	}

	res := Result{Status: resp.StatusCode, Bytes: len(body)}
	content := string(body)
	if sel := Param(s, "selector"); sel != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
		if err != nil {
			return res, fmt.Errorf("fetch: parse html: %w", err)
		}
		found := doc.Find(sel)
		res.Matches = found.Length()
		parts := make([]string, 0, res.Matches)
		found.Each(func(_ int, n *goquery.Selection) {
			parts = append(parts, strings.TrimSpace(n.Text()))
		})
		content = strings.Join(parts, "\n")
	}

	sum := sha256.Sum256([]byte(content))
	res.Digest = hex.EncodeToString(sum[:])

	f.mu.Lock()
	prev, seen := f.last[s.ID]
	f.last[s.ID] = res.Digest
	f.mu.Unlock()
	res.Changed = seen && prev != res.Digest

	log := f.log.With(logx.String("schedule", s.ID), logx.String("url", url))
	switch {
	case res.Changed:
		log.Info("content changed", logx.Int("bytes", res.Bytes), logx.Int("matches", res.Matches), logx.String("digest", res.Digest))
	default:
		log.Debug("content fetched", logx.Int("status", res.Status), logx.Int("bytes", res.Bytes), logx.Int("matches", res.Matches))
	}
	return res, nil
}

// Forget drops the remembered digest of scheduleID.
func (f *Fetch) Forget(scheduleID string) {
	f.mu.Lock()
	delete(f.last, scheduleID)
	f.mu.Unlock()
}
