package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/logger"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultIdentifierField = "cpfCnpj"
	maxBodyBytes           = 4 << 20
)

type Options struct {
	BaseURL  string
	FormPath string
	OTPPath  string
	// IdentifierField is the form field that carries the CNPJ.
	IdentifierField string
	Timeout         time.Duration
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// Client builds isolated sessions against one portal deployment.
type Client struct {
	base      *url.URL
	formURL   string
	otpURL    string
	field     string
	timeout   time.Duration
	transport http.RoundTripper
	log       *logger.Logger
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid portal base url %q", opts.BaseURL)
	}
	if opts.FormPath == "" {
		opts.FormPath = "/cadastro"
	}
	if opts.IdentifierField == "" {
		opts.IdentifierField = DefaultIdentifierField
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	c := &Client{
		base:      base,
		field:     opts.IdentifierField,
		timeout:   opts.Timeout,
		transport: opts.Transport,
		log:       logger.New("Portal"),
	}
	c.formURL = c.resolve(opts.FormPath)
	if opts.OTPPath != "" {
		c.otpURL = c.resolve(opts.OTPPath)
	}
	return c, nil
}

func (c *Client) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

func (c *Client) FormURL() string { return c.formURL }
func (c *Client) OTPURL() string  { return c.otpURL }

// NewSession returns a session with its own cookie jar and header profile.
// One session serves exactly one item attempt.
func (c *Client) NewSession() (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	hc := &http.Client{
		Jar:       jar,
		Timeout:   c.timeout,
		Transport: c.transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Session{client: c, http: hc, profile: randomProfile(), hidden: url.Values{}}, nil
}

// Session holds the cookies and hidden form state captured while loading
// the form page, and replays them on later submissions.
type Session struct {
	client  *Client
	http    *http.Client
	profile HeaderProfile
	hidden  url.Values
}

// Load fetches the form page, capturing cookies and hidden inputs.
func (s *Session) Load(ctx context.Context, identifier string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.formURL, nil)
	if err != nil {
		return nil, &Error{Identifier: identifier, URL: s.client.formURL, Err: err}
	}
	s.profile.apply(req, "none")

	resp, err := s.do(req, identifier)
	if err != nil {
		return nil, err
	}
	s.hidden = hiddenFields(resp.Body)
	return resp, nil
}

// Submit posts the identifier to the form URL together with the hidden
// fields from Load and any extra fields such as a challenge token.
func (s *Session) Submit(ctx context.Context, identifier string, extra url.Values) (*Response, error) {
	form := url.Values{}
	for k, v := range s.hidden {
		form[k] = append([]string(nil), v...)
	}
	for k, v := range extra {
		form[k] = append([]string(nil), v...)
	}
	form.Set(s.client.field, identifier)
	return s.post(ctx, identifier, s.client.formURL, form)
}

// Post sends fields to an arbitrary portal path within the session,
// carrying the hidden fields captured by Load.
func (s *Session) Post(ctx context.Context, identifier, target string, fields url.Values) (*Response, error) {
	form := url.Values{}
	for k, v := range s.hidden {
		form[k] = append([]string(nil), v...)
	}
	for k, v := range fields {
		form[k] = append([]string(nil), v...)
	}
	return s.post(ctx, identifier, s.client.resolve(target), form)
}

func (s *Session) post(ctx context.Context, identifier, target string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Identifier: identifier, URL: target, Err: err}
	}
	s.profile.apply(req, "same-origin")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", s.client.base.Scheme+"://"+s.client.base.Host)
	req.Header.Set("Referer", s.client.formURL)
	return s.do(req, identifier)
}

func (s *Session) do(req *http.Request, identifier string) (*Response, error) {
	target := req.URL.String()
	start := time.Now()

	res, err := s.http.Do(req)
	if err != nil {
		return nil, &Error{Identifier: identifier, URL: target, Timeout: isTimeout(err), Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Identifier: identifier, URL: target, Timeout: isTimeout(err), Err: fmt.Errorf("read body: %w", err)}
	}
	s.client.log.LogDebugf("%s %s -> %d (%d bytes, %v)", req.Method, target, res.StatusCode, len(body), time.Since(start))

	if res.StatusCode < 200 || res.StatusCode >= 400 {
		return nil, &Error{Identifier: identifier, URL: target, StatusCode: res.StatusCode, Err: ErrUnexpectedStatus}
	}

	out := &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
		RequestURL: target,
		FinalURL:   res.Request.URL.String(),
	}
	if out.IsRedirect() {
		if loc, ok := out.Location(); ok {
			out.FinalURL = loc.String()
		}
	}
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// hiddenFields collects hidden inputs (CSRF tokens, view state) from the
// first form on the page.
func hiddenFields(body []byte) url.Values {
	out := url.Values{}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return out
	}
	doc.Find("form").First().Find(`input[type="hidden"]`).Each(func(_ int, sel *goquery.Selection) {
		name, ok := sel.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := sel.Attr("value")
		out.Add(name, value)
	})
	return out
}
