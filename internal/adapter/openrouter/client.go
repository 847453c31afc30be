// Package openrouter provides the vision-model client used for screenshot
// analysis. It speaks the OpenAI-compatible chat completions API exposed by
// OpenRouter, sending the screenshot as an inline data URL.
package openrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sitesquad/sitesquad/internal/config"
	"github.com/sitesquad/sitesquad/internal/port/vision"
	"github.com/sitesquad/sitesquad/internal/resilience"
)

// Client implements vision.Analyzer against the OpenRouter API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a vision client from config.
func NewClient(cfg config.Vision) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze submits the screenshot and prompt and parses the model's JSON reply
// into findings.
func (c *Client) Analyze(ctx context.Context, image []byte, req vision.Request) (*vision.Findings, error) {
	payload := chatRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: buildInstruction(req)},
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := c.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	var chat chatResponse
	if err := json.Unmarshal(resp, &chat); err != nil {
		return nil, fmt.Errorf("unmarshal chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("vision model returned no choices")
	}

	findings, err := parseFindings(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parse findings: %w", err)
	}
	return findings, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("openrouter error %d: %s", resp.StatusCode, truncate(data, 300))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

// buildInstruction frames the persona prompt with the required output schema.
func buildInstruction(req vision.Request) string {
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	fmt.Fprintf(&sb, "\n\nYou are looking at a screenshot of %s.\n", req.URL)
	sb.WriteString(`
Respond with a single JSON object and nothing else:
{
  "thought": "<one sentence on what you observe>",
  "bugs": [
    {
      "title": "<short unique title>",
      "severity": "critical|high|medium|low",
      "description": "<what is wrong>",
      "impact": "<who is affected and how>",
      "recommendation": "<concrete fix>"
    }
  ],
`)
	if req.WantsAction {
		sb.WriteString(`  "action": {"type": "click|type|scroll|skip|done", "target": "<element>", "text": "<for type>"}
`)
	} else {
		sb.WriteString(`  "overall_assessment": "<one or two sentences>"
`)
	}
	sb.WriteString("}\nReport only issues visible in the screenshot. An empty bugs array is a valid answer.")
	return sb.String()
}

// parseFindings tolerates markdown code fences around the model's JSON.
func parseFindings(content string) (*vision.Findings, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	// Some models wrap the object in prose; cut to the outermost braces.
	if start := strings.Index(text, "{"); start > 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var findings vision.Findings
	if err := json.Unmarshal([]byte(text), &findings); err != nil {
		return nil, fmt.Errorf("malformed model output: %w", err)
	}
	return &findings, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n])
}
