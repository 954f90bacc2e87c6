package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

type Client struct {
	baseURL     string
	visionModel string
	httpClient  *http.Client
	executor    *resilience.Executor
}

// New builds a client for the Ollama HTTP API. A nil executor runs every call once.
func New(baseURL, visionModel string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		visionModel: visionModel,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		executor:    executor,
	}
}

func (c *Client) VisionModel() string { return c.visionModel }

// HasModel reports whether the server is reachable and has pulled model.
// Tags may omit the ":latest" suffix on either side.
func (c *Client) HasModel(ctx context.Context, model string) (bool, error) {
	var response struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &response, "tags"); err != nil {
		return false, err
	}
	want := normalizeTag(model)
	for _, m := range response.Models {
		if normalizeTag(m.Name) == want || normalizeTag(m.Model) == want {
			return true, nil
		}
	}
	return false, nil
}

// DescribeImage asks the vision model to transcribe the image verbatim.
func (c *Client) DescribeImage(ctx context.Context, image []byte) (string, error) {
	reqBody := map[string]any{
		"model":  c.visionModel,
		"prompt": buildTranscriptionPrompt(),
		"images": []string{base64.StdEncoding.EncodeToString(image)},
		"stream": false,
		"options": map[string]any{
			"temperature": 0,
		},
	}

	var text string
	err := c.execute(ctx, "ollama_vision_generate", func(ctx context.Context) error {
		out, err := c.generate(ctx, reqBody)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		return "", wrapDependencyError("ollama vision generate", err)
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, reqBody map[string]any) (string, error) {
	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, operation, fn, classifyOllamaError)
}

func normalizeTag(tag string) string {
	tag = strings.TrimSpace(strings.ToLower(tag))
	if tag == "" {
		return tag
	}
	if !strings.Contains(tag, ":") {
		return tag + ":latest"
	}
	return tag
}

func (c *Client) String() string {
	return fmt.Sprintf("ollama(%s, %s)", c.baseURL, c.visionModel)
}
