package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/logger"
)

// ErrTimeout means the vendor did not report a solution within the
// configured number of polls.
var ErrTimeout = errors.New("captcha solve timed out")

// VendorError is a failure reported by the solving service itself.
type VendorError struct {
	Code        string
	Description string
}

func (e *VendorError) Error() string {
	if e.Description == "" {
		return "captcha vendor error: " + e.Code
	}
	return fmt.Sprintf("captcha vendor error %s: %s", e.Code, e.Description)
}

// Solver turns a challenge site key into a response token.
type Solver interface {
	Solve(ctx context.Context, siteKey, pageURL string) (string, error)
}

type Options struct {
	BaseURL      string
	APIKey       string
	TaskType     string
	PollInterval time.Duration
	MaxAttempts  int
	HTTPClient   *http.Client
}

type Client struct {
	opts  Options
	http  *http.Client
	log   *logger.Logger
	sleep func(context.Context, time.Duration) error
}

func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("captcha api key is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.solvecaptcha.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.TaskType == "" {
		opts.TaskType = "HCaptchaTaskProxyless"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{opts: opts, http: hc, log: logger.New("Captcha"), sleep: sleepCtx}, nil
}

type task struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
}

type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      task   `json:"task"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

type envelope struct {
	ErrorID          int             `json:"errorId"`
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	TaskID           json.RawMessage `json:"taskId"`
	Status           string          `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
		Token              string `json:"token"`
	} `json:"solution"`
}

func (e *envelope) vendorError() error {
	if e.ErrorID == 0 && e.Status != "error" && e.Status != "failed" {
		return nil
	}
	code := e.ErrorCode
	if code == "" {
		code = fmt.Sprintf("ERROR_%d", e.ErrorID)
	}
	return &VendorError{Code: code, Description: e.ErrorDescription}
}

// Solve creates a task and polls for its result, sleeping one interval
// before each poll. It gives up with ErrTimeout after MaxAttempts polls.
func (c *Client) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	if siteKey == "" {
		return "", errors.New("captcha site key is empty")
	}
	taskID, err := c.createTask(ctx, siteKey, pageURL)
	if err != nil {
		return "", err
	}
	c.log.LogDebugf("Task %s created for %s", taskID, pageURL)

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err := c.sleep(ctx, c.opts.PollInterval); err != nil {
			return "", err
		}
		var res envelope
		if err := c.call(ctx, "/getTaskResult", taskResultRequest{ClientKey: c.opts.APIKey, TaskID: taskID}, &res); err != nil {
			return "", err
		}
		if verr := res.vendorError(); verr != nil {
			return "", verr
		}
		if res.Status == "ready" {
			token := res.Solution.GRecaptchaResponse
			if token == "" {
				token = res.Solution.Token
			}
			if token == "" {
				return "", &VendorError{Code: "EMPTY_SOLUTION", Description: "task ready without a token"}
			}
			c.log.LogDebugf("Task %s solved after %d polls", taskID, attempt)
			return token, nil
		}
	}
	return "", fmt.Errorf("%w: task %s not ready after %d polls", ErrTimeout, taskID, c.opts.MaxAttempts)
}

func (c *Client) createTask(ctx context.Context, siteKey, pageURL string) (string, error) {
	req := createTaskRequest{
		ClientKey: c.opts.APIKey,
		Task:      task{Type: c.opts.TaskType, WebsiteURL: pageURL, WebsiteKey: siteKey},
	}
	var res envelope
	if err := c.call(ctx, "/createTask", req, &res); err != nil {
		return "", err
	}
	if verr := res.vendorError(); verr != nil {
		return "", verr
	}
	id := strings.Trim(strings.TrimSpace(string(res.TaskID)), `"`)
	if id == "" || id == "null" || id == "0" {
		return "", &VendorError{Code: "NO_TASK_ID", Description: "createTask returned no task id"}
	}
	return id, nil
}

func (c *Client) call(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("captcha %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("captcha %s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &VendorError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Description: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("captcha %s: decode response: %w", path, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
