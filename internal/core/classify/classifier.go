// Package classify turns a raw portal response into a registration verdict.
//
// Precedence is fixed: a recognised redirect target decides first, then a
// pending CAPTCHA challenge defers the decision, and only then is the page
// text matched against the registered and available phrase sets. When the
// text is ambiguous the verdict is "available" with method "uncertain".
package classify

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/RegularizePGFN/regularize-bot/internal/core/portal"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Verdict string

const (
	VerdictRegistered Verdict = "registered"
	VerdictAvailable  Verdict = "available"
	VerdictChallenge  Verdict = "challenge"
)

// Method names the rule that produced an outcome.
type Method string

const (
	MethodRedirect  Method = "redirect_analysis"
	MethodContent   Method = "content_analysis"
	MethodUncertain Method = "uncertain"
	MethodChallenge Method = "challenge_detected"

	// Set by callers when no verdict could be reached.
	MethodCaptchaFailed  Method = "captcha_failed"
	MethodCaptchaTimeout Method = "captcha_timeout"
	MethodTransportError Method = "transport_error"
)

type Result struct {
	Verdict   Verdict
	Method    Method
	Evidence  string
	FinalURL  string
	Challenge *Challenge
}

func (r Result) Registered() bool { return r.Verdict == VerdictRegistered }

type phrase struct {
	raw    string
	folded string
}

type Classifier struct {
	registeredPaths []string
	continuePaths   []string
	formPaths       []string
	registered      []phrase
	available       []phrase
	selector        string
	radius          int
}

func New(r Rules) *Classifier {
	c := &Classifier{radius: r.EvidenceRadius, selector: strings.Join(r.ChallengeSelectors, ", ")}
	if c.radius <= 0 {
		c.radius = 60
	}
	for _, p := range r.RegisteredPaths {
		c.registeredPaths = append(c.registeredPaths, normalizePath(p))
	}
	for _, p := range r.ContinuePaths {
		c.continuePaths = append(c.continuePaths, strings.ToLower(p))
	}
	for _, p := range r.FormPaths {
		c.formPaths = append(c.formPaths, normalizePath(p))
	}
	for _, p := range r.RegisteredPhrases {
		c.registered = append(c.registered, phrase{raw: p, folded: fold(p)})
	}
	for _, p := range r.AvailablePhrases {
		c.available = append(c.available, phrase{raw: p, folded: fold(p)})
	}
	return c
}

func (c *Classifier) Classify(resp *portal.Response) Result {
	if res, ok := c.byRedirect(resp); ok {
		return res
	}

	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return Result{Verdict: VerdictAvailable, Method: MethodUncertain, Evidence: "empty body", FinalURL: resp.FinalURL}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return Result{Verdict: VerdictAvailable, Method: MethodUncertain, Evidence: "unparseable body: " + err.Error(), FinalURL: resp.FinalURL}
	}

	if ch, ok := c.detectChallenge(doc, resp); ok {
		return Result{Verdict: VerdictChallenge, Method: MethodChallenge, Evidence: ch.Evidence, FinalURL: resp.FinalURL, Challenge: ch}
	}
	return c.byContent(doc, resp.FinalURL)
}

// byRedirect classifies by the shape of the redirect target. A 3xx with a
// missing or unparseable Location, or a target of unknown shape, yields
// ok=false so content analysis runs instead.
func (c *Classifier) byRedirect(resp *portal.Response) (Result, bool) {
	var target *url.URL
	switch {
	case resp.IsRedirect():
		loc, ok := resp.Location()
		if !ok {
			return Result{}, false
		}
		target = loc
	case resp.FinalURL != "" && resp.RequestURL != "" && !sameURL(resp.FinalURL, resp.RequestURL):
		u, err := url.Parse(resp.FinalURL)
		if err != nil {
			return Result{}, false
		}
		target = u
	default:
		return Result{}, false
	}

	lowered := strings.ToLower(target.Path)
	for _, p := range c.continuePaths {
		if strings.Contains(lowered, p) {
			return Result{Verdict: VerdictAvailable, Method: MethodRedirect, Evidence: target.String(), FinalURL: target.String()}, true
		}
	}
	path := normalizePath(target.Path)
	for _, p := range c.formPaths {
		if path == p {
			return Result{Verdict: VerdictAvailable, Method: MethodRedirect, Evidence: target.String(), FinalURL: target.String()}, true
		}
	}
	for _, p := range c.registeredPaths {
		if path == p || (p != "/" && strings.HasPrefix(path, p+"/")) {
			return Result{Verdict: VerdictRegistered, Method: MethodRedirect, Evidence: target.String(), FinalURL: target.String()}, true
		}
	}
	return Result{}, false
}

func (c *Classifier) byContent(doc *goquery.Document, finalURL string) Result {
	text := visibleText(doc)

	reg, regAt := match(text, c.registered)
	avail, availAt := match(text, c.available)

	switch {
	case reg != nil && avail == nil:
		return Result{Verdict: VerdictRegistered, Method: MethodContent, Evidence: snippet(text, regAt, len(reg.folded), c.radius), FinalURL: finalURL}
	case avail != nil && reg == nil:
		return Result{Verdict: VerdictAvailable, Method: MethodContent, Evidence: snippet(text, availAt, len(avail.folded), c.radius), FinalURL: finalURL}
	case reg != nil && avail != nil:
		return Result{
			Verdict:  VerdictAvailable,
			Method:   MethodUncertain,
			Evidence: fmt.Sprintf("both markers present: %q and %q", reg.raw, avail.raw),
			FinalURL: finalURL,
		}
	default:
		return Result{Verdict: VerdictAvailable, Method: MethodUncertain, Evidence: "no marker matched", FinalURL: finalURL}
	}
}

// match returns the earliest occurring phrase in text.
func match(text string, set []phrase) (*phrase, int) {
	var best *phrase
	at := -1
	for i := range set {
		if set[i].folded == "" {
			continue
		}
		idx := strings.Index(text, set[i].folded)
		if idx >= 0 && (at < 0 || idx < at) {
			best, at = &set[i], idx
		}
	}
	return best, at
}

func visibleText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, template").Remove()
	var b strings.Builder
	b.WriteString(doc.Text())
	doc.Find("input[placeholder], input[aria-label]").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"placeholder", "aria-label"} {
			if v, ok := s.Attr(attr); ok {
				b.WriteString(" ")
				b.WriteString(v)
			}
		}
	})
	return fold(b.String())
}

func snippet(text string, at, n, radius int) string {
	start := at - radius
	if start < 0 {
		start = 0
	}
	end := at + n + radius
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(strings.ToValidUTF8(text[start:end], ""))
}

// fold lowercases, strips diacritics and collapses whitespace so that
// "Já possui  CADASTRO" matches "ja possui cadastro".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

func normalizePath(p string) string {
	p = strings.ToLower(strings.TrimRight(p, "/"))
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
