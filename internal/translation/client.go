// Package translation translates finished transcript segments through a
// LibreTranslate compatible HTTP endpoint.
package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Translation is one target language's rendering of a segment.
type Translation struct {
	Primary          string   `json:"primary"`
	Alternatives     []string `json:"alternatives,omitempty"`
	DetectedLanguage string   `json:"detectedLanguage,omitempty"`
}

type Client struct {
	base string
	http *http.Client
	log  zerolog.Logger
}

func New(base string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
		log:  logger.With().Str("component", "translation.Client").Logger(),
	}
}

// Translate requests text in every target language, one call per target.
// A target that fails is logged and left out of the result; the error is
// returned only when every target failed.
func (c *Client) Translate(ctx context.Context, text, source string, targets []string, altLimit int) (map[string]Translation, error) {
	out := map[string]Translation{}
	if c == nil || c.base == "" || len(targets) == 0 || strings.TrimSpace(text) == "" {
		return out, nil
	}

	src := strings.TrimSpace(source)
	if src == "" {
		src = "auto"
	}

	var lastErr error
	for _, tgt := range targets {
		tr, err := c.translateOne(ctx, text, src, tgt, altLimit)
		if err != nil {
			c.log.Warn().Err(err).Str("target", tgt).Msg("translation failed")
			lastErr = err
			continue
		}
		out[tgt] = tr
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (c *Client) translateOne(ctx context.Context, text, source, target string, altLimit int) (Translation, error) {
	payload := map[string]any{
		"q":      text,
		"source": source,
		"target": target,
		"format": "text",
	}
	if altLimit > 0 {
		payload["alternatives"] = altLimit
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Translation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/translate", bytes.NewReader(b))
	if err != nil {
		return Translation{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Translation{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Translation{}, fmt.Errorf("translation http %d for target %s", resp.StatusCode, target)
	}

	// LibreTranslate reports detectedLanguage as an object when source is auto
	var lr struct {
		TranslatedText   string          `json:"translatedText"`
		Alternatives     []string        `json:"alternatives"`
		DetectedLanguage json.RawMessage `json:"detectedLanguage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return Translation{}, fmt.Errorf("decode translation response: %w", err)
	}

	tr := Translation{Primary: strings.TrimSpace(lr.TranslatedText)}
	for _, a := range lr.Alternatives {
		if s := strings.TrimSpace(a); s != "" {
			tr.Alternatives = append(tr.Alternatives, s)
		}
	}
	tr.DetectedLanguage = detectedLanguage(lr.DetectedLanguage)
	return tr, nil
}

func detectedLanguage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Language string `json:"language"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Language
	}
	return ""
}
