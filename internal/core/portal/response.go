package portal

import (
	"net/http"
	"net/url"
	"strings"
)

// Response is a portal reply surfaced as data. Redirects are never
// followed, so a 3xx arrives here with its Location header intact.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// RequestURL is the URL the request was sent to.
	RequestURL string
	// FinalURL is the resolved redirect target for a 3xx, otherwise the
	// URL that produced the body.
	FinalURL string
}

func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// Location resolves the Location header against the request URL.
// ok is false when the header is missing or cannot be parsed.
func (r *Response) Location() (*url.URL, bool) {
	raw := strings.TrimSpace(r.Header.Get("Location"))
	if raw == "" {
		return nil, false
	}
	loc, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	base, err := url.Parse(r.RequestURL)
	if err != nil {
		return loc, loc.IsAbs()
	}
	return base.ResolveReference(loc), true
}
