// Package platform talks to the training platform's HTTP API: identity lookup,
// credential probing, catalog retrieval and the record/confirm protocol.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/3cpo-dev/autostudy/internal/telemetry"
	"github.com/3cpo-dev/autostudy/pkg/api"
)

const (
	DefaultBaseURL = "https://basic.sc.smartedu.cn"

	identityPath = "/hd/teacherTraining/api/user/info"
	catalogPath  = "/hd/teacherTraining/api/studyCourse/getCourseDetails"
	recordPath   = "/hd/teacherTraining/api/studyCourseUser/recordProcess"
	confirmPath  = "/hd/teacherTraining/api/studyCourseUser/chapterProcess"
	refererPath  = "/hd/teacherTraining/learningCourse"

	// successCode is the returnCode value of every accepted response.
	successCode = "200"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected http status")
	ErrRejected         = errors.New("platform rejected request")
)

// Config holds the endpoint and timing knobs of a Client.
type Config struct {
	BaseURL        string
	UserAgent      string
	ProbeTimeout   time.Duration
	CatalogTimeout time.Duration
	RecordTimeout  time.Duration
	ConfirmTimeout time.Duration
	// SettleDelay is the pause between a record and its confirmation.
	SettleDelay time.Duration
	// MinInterval spaces consecutive requests; zero sends them back to back.
	MinInterval time.Duration
	HTTPClient  *http.Client
}

// DefaultConfig returns the timeouts the platform has been driven with.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		UserAgent:      defaultUserAgent,
		ProbeTimeout:   10 * time.Second,
		CatalogTimeout: 100 * time.Second,
		RecordTimeout:  30 * time.Second,
		ConfirmTimeout: 10 * time.Second,
		SettleDelay:    3 * time.Second,
	}
}

// Client implements every platform call the engine uses. It holds no
// per-run state and is safe for concurrent use by many runs.
type Client struct {
	cfg   Config
	http  *http.Client
	pacer *pacer
}

// New creates a client; zero fields in cfg fall back to DefaultConfig.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.CatalogTimeout <= 0 {
		cfg.CatalogTimeout = def.CatalogTimeout
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = def.RecordTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{cfg: cfg, http: hc, pacer: newPacer(cfg.MinInterval)}
}

// SettleDelay reports the configured pause before confirmation.
func (c *Client) SettleDelay() time.Duration { return c.cfg.SettleDelay }

// envelope is the shape shared by every platform response.
type envelope[T any] struct {
	ReturnCode    string `json:"returnCode"`
	ReturnMessage string `json:"returnMessage"`
	ReturnData    T      `json:"returnData"`
}

func (e envelope[T]) check() error {
	if e.ReturnCode != successCode {
		msg := e.ReturnMessage
		if msg == "" {
			msg = "no message"
		}
		return fmt.Errorf("%w: returnCode=%q: %s", ErrRejected, e.ReturnCode, msg)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, creds api.Credentials) {
	h := req.Header
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Origin", c.cfg.BaseURL)
	h.Set("Referer", c.cfg.BaseURL+refererPath)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("User-Agent", c.cfg.UserAgent)
	h.Set("Content-Type", "application/json;charset=UTF-8")
	h.Set("X-Token", creds.Token)
	h.Set("Cookie", creds.Cookie)
}

// doJSON performs one request and decodes a 200 response into out. It never
// retries.
func (c *Client) doJSON(ctx context.Context, creds api.Credentials, method, path string, query url.Values, body, out interface{}, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	c.setHeaders(req, creds)
	if err := c.pacer.wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	telemetry.TimerGlobal("autostudy_platform_request_duration", time.Since(start), map[string]string{
		"component": "platform",
		"endpoint":  path,
		"status":    status,
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w %d from %s: %s", ErrUnexpectedStatus, resp.StatusCode, path, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
