package classify

import (
	"regexp"
	"strings"

	"github.com/RegularizePGFN/regularize-bot/internal/core/portal"

	"github.com/PuerkitoBio/goquery"
)

const (
	KindHCaptcha  = "hcaptcha"
	KindReCaptcha = "recaptcha"
)

// Challenge describes CAPTCHA markup found on a portal page.
type Challenge struct {
	Kind     string
	SiteKey  string
	PageURL  string
	Evidence string
}

// Inline script forms of the site key, tried after the data-sitekey attribute.
var siteKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`data-sitekey=["']([^"']+)["']`),
	regexp.MustCompile(`sitekey\s*:\s*["']([^"']+)["']`),
	regexp.MustCompile(`["']sitekey["']\s*:\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)hcaptcha.*?sitekey.*?["']([^"']+)["']`),
}

func (c *Classifier) detectChallenge(doc *goquery.Document, resp *portal.Response) (*Challenge, bool) {
	body := string(resp.Body)
	lowered := strings.ToLower(body)

	var evidence string
	if c.selector != "" {
		if sel := doc.Find(c.selector).First(); sel.Length() > 0 {
			evidence = describe(sel)
		}
	}
	key := siteKey(doc, body)
	if evidence == "" {
		if key == "" || !strings.Contains(lowered, "captcha") {
			return nil, false
		}
		evidence = "sitekey in inline script"
	}

	ch := &Challenge{SiteKey: key, PageURL: resp.FinalURL, Evidence: evidence}
	if ch.PageURL == "" {
		ch.PageURL = resp.RequestURL
	}
	switch {
	case strings.Contains(lowered, "hcaptcha"):
		ch.Kind = KindHCaptcha
	case strings.Contains(lowered, "recaptcha"):
		ch.Kind = KindReCaptcha
	}
	if key != "" {
		ch.Evidence += " sitekey=" + key
	}
	return ch, true
}

func siteKey(doc *goquery.Document, body string) string {
	if v, ok := doc.Find("[data-sitekey]").First().Attr("data-sitekey"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	for _, re := range siteKeyPatterns {
		if m := re.FindStringSubmatch(body); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

func describe(sel *goquery.Selection) string {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(goquery.NodeName(sel))
	for _, attr := range []string{"class", "src"} {
		if v, ok := sel.Attr(attr); ok && v != "" {
			b.WriteString(" " + attr + `="` + v + `"`)
		}
	}
	b.WriteString(">")
	return b.String()
}
