// Package ai talks to the large-language-model provider that synthesizes
// and corrects Python programs. The provider is treated as a text-in /
// text-out oracle behind the OpenAI Chat Completions wire format, so any
// compatible endpoint works.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Config holds LLM provider configuration.
type Config struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults, overridable from the
// environment.
func DefaultConfig() Config {
	cfg := Config{
		Model:   "gpt-4o-mini",
		BaseURL: "https://api.openai.com/v1",
		Timeout: 60 * time.Second,
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	return cfg
}

const generateSystemPrompt = `You are a Python code generator. Produce a short, self-contained Python program that fulfils the user's request. Use only the standard library modules math, random, datetime, json, re, collections, itertools, functools, statistics and similar safe modules. Do not read or write files, run OS commands, or access the network. Print the final result. Respond with Python code only, no explanations and no markdown fences.`

const correctSystemPrompt = `You are a Python code reviewer. The previous program was rejected by a security validator. Rewrite it so it fulfils the original request without using any of the rejected constructs. Do not read or write files, run OS commands, or access the network. Respond with Python code only, no explanations and no markdown fences.`

// Client generates and corrects code through the provider.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates an LLM client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Generate produces a program for a natural-language query.
func (c *Client) Generate(ctx context.Context, query string) (string, error) {
	user := fmt.Sprintf("Write a Python program for this request:\n\n%s", query)
	code, err := c.chatCompletion(ctx, generateSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return stripCodeFences(code), nil
}

// Correct rewrites a rejected program given the validator's findings.
func (c *Client) Correct(ctx context.Context, query, code string, findings []string) (string, error) {
	user := fmt.Sprintf(
		"Original request:\n%s\n\nRejected program:\n%s\n\nValidator findings:\n- %s\n\nProduce a corrected program.",
		query, code, strings.Join(findings, "\n- "))
	corrected, err := c.chatCompletion(ctx, correctSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("correct: %w", err)
	}
	return stripCodeFences(corrected), nil
}

// chatCompletionRequest matches the OpenAI Chat Completions API request format.
// Reference: https://platform.openai.com/docs/api-reference/chat/create
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      chatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	defaultTemperature = 0.2
	maxResponseTokens  = 2048
)

func (c *Client) chatCompletion(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: defaultTemperature,
		MaxTokens:   maxResponseTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := c.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return content, nil
}

// stripCodeFences removes a surrounding markdown code block if the model
// added one despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:] // opening fence, possibly with a language tag
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
