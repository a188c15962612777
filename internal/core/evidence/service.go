// Package evidence turns the portal's final confirmation page into a
// downloadable proof-of-completion artifact.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/config"
	"github.com/RegularizePGFN/regularize-bot/internal/logger"
	"github.com/RegularizePGFN/regularize-bot/internal/platform/supabase"

	supa "github.com/antoineross/supabase-go"
	"github.com/playwright-community/playwright-go"
	storage_go "github.com/supabase-community/storage-go"
)

const folder = "comprovantes"

// Renderer prints an HTML document to PDF.
type Renderer interface {
	PDF(ctx context.Context, html, baseURL string) ([]byte, error)
}

type Artifact struct {
	// Path is set for local files only.
	Path        string
	URL         string
	ContentType string
}

type Service struct {
	log      *logger.Logger
	cfg      config.Config
	client   *supa.Client
	renderer Renderer
}

// New wires storage and rendering. renderer may be nil, in which case the
// raw HTML page is stored instead of a PDF.
func New(cfg config.Config, client *supa.Client, renderer Renderer) (*Service, error) {
	if cfg.AppEnv == "production" && (client == nil || cfg.SupabaseBucket == "") {
		return nil, fmt.Errorf("production requires Supabase storage for proof artifacts")
	}
	return &Service{log: logger.New("Evidence"), cfg: cfg, client: client, renderer: renderer}, nil
}

// Capture stores the page as the proof for a registration.
func (s *Service) Capture(ctx context.Context, registrationID, identifier string, html []byte, pageURL string) (Artifact, error) {
	name := time.Now().UTC().Format("20060102_150405") + "_" + identifier + "_" + shortID(registrationID)

	data, contentType, ext := html, "text/html; charset=utf-8", ".html"
	if s.renderer != nil {
		pdf, err := s.renderer.PDF(ctx, string(html), pageURL)
		if err == nil {
			data, contentType, ext = pdf, "application/pdf", ".pdf"
		} else {
			s.log.LogWarnf("PDF rendering failed for %s, storing HTML: %v", registrationID, err)
		}
	}
	return s.save(data, name+ext, contentType)
}

func (s *Service) save(data []byte, name, contentType string) (Artifact, error) {
	if s.client != nil && s.cfg.SupabaseBucket != "" {
		objectPath := folder + "/" + name
		_, err := s.client.Storage.UploadFile(s.cfg.SupabaseBucket, objectPath, bytes.NewReader(data), storage_go.FileOptions{ContentType: &contentType})
		if err == nil {
			signed, serr := supabase.SignedURL(s.cfg, s.cfg.SupabaseBucket, objectPath, 7*24*60*60)
			if serr == nil {
				return Artifact{URL: signed, ContentType: contentType}, nil
			}
			err = serr
		}
		if s.cfg.AppEnv == "production" {
			return Artifact{}, fmt.Errorf("store proof in supabase: %w", err)
		}
		s.log.LogWarnf("Supabase storage failed, falling back to local files: %v", err)
	}

	dir := filepath.Join(s.cfg.DataDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: path, URL: "/files/" + folder + "/" + name, ContentType: contentType}, nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// PlaywrightRenderer prints pages with headless Chromium, one browser per
// call.
type PlaywrightRenderer struct {
	log *logger.Logger
}

func NewPlaywrightRenderer() *PlaywrightRenderer {
	return &PlaywrightRenderer{log: logger.New("Renderer")}
}

func (r *PlaywrightRenderer) PDF(ctx context.Context, html, baseURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright initialization failed: %w", err)
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args:     []string{"--no-sandbox", "--disable-dev-shm-usage", "--disable-gpu"},
	})
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	defer browser.Close()

	page, err := browser.NewPage(playwright.BrowserNewPageOptions{
		Locale:     playwright.String("pt-BR"),
		TimezoneId: playwright.String("America/Sao_Paulo"),
	})
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	if err := page.SetContent(withBase(html, baseURL), playwright.PageSetContentOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(30000),
	}); err != nil {
		return nil, fmt.Errorf("set content: %w", err)
	}

	pdf, err := page.PDF(playwright.PagePdfOptions{
		Format:          playwright.String("A4"),
		PrintBackground: playwright.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	r.log.LogDebugf("Rendered %d byte PDF", len(pdf))
	return pdf, nil
}

// withBase makes relative stylesheet and image links resolve against the
// portal.
func withBase(html, baseURL string) string {
	if baseURL == "" || strings.Contains(strings.ToLower(html), "<base ") {
		return html
	}
	tag := `<base href="` + baseURL + `">`
	if i := strings.Index(strings.ToLower(html), "<head>"); i >= 0 {
		return html[:i+len("<head>")] + tag + html[i+len("<head>"):]
	}
	return tag + html
}
