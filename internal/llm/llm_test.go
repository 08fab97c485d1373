package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/probeops/inquest/config"
)

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"Here is the plan:\n```json\n{\"a\":1}\n```", `{"a":1}`},
		{`prefix {"a":{"b":2}} suffix {"c":3}`, `{"a":{"b":2}}`},
		{`no json at all`, `no json at all`},
		{`}{"a":1}`, `{"a":1}`},
	}
	for _, c := range cases {
		if got := ExtractFirstJSON(c.in); got != c.want {
			t.Fatalf("ExtractFirstJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestGenerateWithTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "test-model" || len(req.Messages) != 1 {
			t.Fatalf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "hello"}},
			},
			"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(config.LLMConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	})
	out, in, gen, err := p.GenerateWithTokens(context.Background(), "say hello")
	if err != nil {
		t.Fatalf("GenerateWithTokens: %v", err)
	}
	if out != "hello" {
		t.Fatalf("expected %q, got %q", "hello", out)
	}
	if in != 7 || gen != 3 {
		t.Fatalf("expected token usage 7/3, got %d/%d", in, gen)
	}
}

func TestGenerateWithTokens_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	p := NewOpenAIProvider(config.LLMConfig{Model: "test-model"})
	if _, _, _, err := p.GenerateWithTokens(context.Background(), "x"); err == nil {
		t.Fatalf("expected error when no API key configured")
	}
}

func TestGenerateWithTokens_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(config.LLMConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	if _, _, _, err := p.GenerateWithTokens(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}

func TestCalculateCost(t *testing.T) {
	p := NewOpenAIProvider(config.LLMConfig{CostPer1KInput: 0.5, CostPer1KOutput: 1.5})
	got := p.CalculateCost(2000, 1000)
	want := 2.5
	if got != want {
		t.Fatalf("expected cost %v, got %v", want, got)
	}
}
