package portal

import (
	"math/rand"
	"net/http"
)

// HeaderProfile is a coherent set of browser headers. A session keeps one
// profile for all of its requests so the portal sees a single client.
type HeaderProfile struct {
	UserAgent       string
	Accept          string
	AcceptLanguage  string
	SecChUa         string
	SecChUaMobile   string
	SecChUaPlatform string
}

var profiles = []HeaderProfile{
	{
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Accept:          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		AcceptLanguage:  "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7",
		SecChUa:         `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecChUaMobile:   "?0",
		SecChUaPlatform: `"Windows"`,
	},
	{
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Accept:          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		AcceptLanguage:  "pt-BR,pt;q=0.9,en;q=0.8",
		SecChUa:         `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecChUaMobile:   "?0",
		SecChUaPlatform: `"macOS"`,
	},
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "pt-BR,pt;q=0.8,en-US;q=0.5,en;q=0.3",
	},
	{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "pt-BR,pt;q=0.9",
		SecChUa:        `"Chromium";v="130", "Not?A_Brand";v="99"`,
		SecChUaMobile:  "?0",
	},
}

func randomProfile() HeaderProfile {
	return profiles[rand.Intn(len(profiles))]
}

// apply sets navigation headers. Accept-Encoding is left to the transport
// so that gzip responses are decoded transparently.
func (p HeaderProfile) apply(req *http.Request, site string) {
	h := req.Header
	h.Set("User-Agent", p.UserAgent)
	h.Set("Accept", p.Accept)
	h.Set("Accept-Language", p.AcceptLanguage)
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", site)
	h.Set("Sec-Fetch-User", "?1")
	if p.SecChUa != "" {
		h.Set("Sec-Ch-Ua", p.SecChUa)
		h.Set("Sec-Ch-Ua-Mobile", p.SecChUaMobile)
	}
	if p.SecChUaPlatform != "" {
		h.Set("Sec-Ch-Ua-Platform", p.SecChUaPlatform)
	}
}
