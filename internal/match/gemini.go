package match

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"github.com/CWD273/cwdepg/internal/channel"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini asks a Gemini model to name the XMLTV id for a channel.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
}

// NewGemini returns a Gemini matcher. ratePerSec <= 0 leaves calls unthrottled
// apart from a 100ms minimum spacing.
func NewGemini(apiKey, model, baseURL string, httpc *http.Client, ratePerSec float64) *Gemini {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	lim := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	return &Gemini{
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpc:   httpc,
		limiter: lim,
	}
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// geminiVerdict is the JSON object the prompt asks for.
type geminiVerdict struct {
	EPGID      *string `json:"epg_id"`
	Country    string  `json:"country"`
	Confidence float64 `json:"confidence"`
}

var errGeminiStatus = errors.New("gemini transient status")

func (g *Gemini) Match(ctx context.Context, ch channel.Channel) (Result, error) {
	if g.apiKey == "" {
		return Result{}, errors.New("gemini api key not configured")
	}
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: buildPrompt(ch)}}}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      0,
			MaxOutputTokens:  256,
			ResponseMIMEType: "application/json",
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal gemini request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(g.model))

	var text string
	err = retry.Do(
		func() error {
			if err := g.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			t, err := g.generate(ctx, endpoint, body)
			if err != nil {
				return err
			}
			text = t
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errGeminiStatus) || isNetErr(err) }),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("match: gemini retry %d for %q: %v", n+1, ch.CanonicalName, err)
		}),
	)
	if err != nil {
		return Result{}, err
	}
	return parseVerdict(text)
}

func (g *Gemini) generate(ctx context.Context, endpoint string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)
	resp, err := g.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: %d", errGeminiStatus, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("gemini API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if gr.Error != nil {
		return "", fmt.Errorf("gemini API error: %s", gr.Error.Message)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("gemini returned no candidates")
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}

func isNetErr(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue)
}

func buildPrompt(ch channel.Channel) string {
	var b strings.Builder
	b.WriteString("You map IPTV playlist channels to XMLTV channel ids as used by iptv-org/epg (for example \"CNN.us\", \"CTVToronto.ca\").\n")
	b.WriteString("Channel:\n")
	fmt.Fprintf(&b, "- display name: %s\n", ch.RawName)
	fmt.Fprintf(&b, "- canonical name: %s\n", ch.CanonicalName)
	if ch.TVGID != "" {
		fmt.Fprintf(&b, "- tvg-id: %s\n", ch.TVGID)
	}
	if ch.TVGName != "" {
		fmt.Fprintf(&b, "- tvg-name: %s\n", ch.TVGName)
	}
	if ch.GroupTitle != "" {
		fmt.Fprintf(&b, "- group: %s\n", ch.GroupTitle)
	}
	fmt.Fprintf(&b, "- inferred country: %s\n", ch.Country)
	b.WriteString("Only US and Canadian feeds matter. Respond with ONLY a JSON object with exactly these fields:\n")
	b.WriteString(`{"epg_id": string or null, "country": "US" | "CA" | "UNKNOWN", "confidence": number between 0 and 1}`)
	return b.String()
}

// parseVerdict decodes the model's JSON, tolerating markdown code fences.
func parseVerdict(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	var v geminiVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return Result{}, fmt.Errorf("decode gemini verdict: %w", err)
	}
	res := Result{Country: channel.ParseCountry(v.Country), Confidence: v.Confidence}
	if v.EPGID != nil {
		res.ExternalID = strings.TrimSpace(*v.EPGID)
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	return res, nil
}
