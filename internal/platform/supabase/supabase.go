package supabase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/config"

	supa "github.com/antoineross/supabase-go"
)

// New returns nil without error when Supabase is not configured.
func New(cfg config.Config) (*supa.Client, error) {
	if !cfg.SupabaseEnabled() {
		return nil, nil
	}
	client, err := supa.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("init supabase client: %w", err)
	}
	return client, nil
}

// SignedURL signs an uploaded object through the storage REST endpoint
// directly, with fresh service-role headers.
func SignedURL(cfg config.Config, bucket, objectPath string, expiresIn int) (string, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return "", fmt.Errorf("supabase not configured")
	}
	base := strings.TrimRight(cfg.SupabaseURL, "/")
	signURL := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", base, bucket, objectPath)

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(map[string]int{"expiresIn": expiresIn}); err != nil {
		return "", fmt.Errorf("encode sign body: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, signURL, buf)
	if err != nil {
		return "", fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.SupabaseServiceKey)
	req.Header.Set("apikey", cfg.SupabaseServiceKey)

	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(req)
	if err != nil {
		return "", fmt.Errorf("request signed url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("sign object: status %d", resp.StatusCode)
	}

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	path := signed.SignedURL
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasPrefix(path, "/storage/v1/") {
		path = "/storage/v1" + path
	}
	finalURL := base + path
	if cfg.AppEnv == "development" {
		finalURL = strings.Replace(finalURL, "host.docker.internal", "127.0.0.1", 1)
	}
	return finalURL, nil
}
