package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"

	"traitconsensus/internal/domain"
)

var testCategories = []domain.Category{
	{ID: "age", Name: "Age"},
	{ID: "smoking", Name: "Smoking status"},
}

type scriptedCompleter struct {
	mu      sync.Mutex
	prompts []string
	reply   func(systemPrompt, userPrompt string) (string, error)
}

func (s *scriptedCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, userPrompt)
	s.mu.Unlock()
	text, err := s.reply(systemPrompt, userPrompt)
	return text, Usage{Calls: 1, InputTokens: 10, OutputTokens: 2}, err
}

func TestLLMBatchConcurrencyLimit(t *testing.T) {
	tests := []struct {
		total int
		want  int
	}{
		{total: 0, want: 1},
		{total: 1, want: 1},
		{total: 2, want: 2},
		{total: 4, want: 4},
		{total: 10, want: 4},
	}
	for _, tt := range tests {
		if got := llmBatchConcurrencyLimit(tt.total); got != tt.want {
			t.Fatalf("llmBatchConcurrencyLimit(%d) = %d, want %d", tt.total, got, tt.want)
		}
	}
}

func TestParseMappingResolvesNamesAndNone(t *testing.T) {
	text := "```json\n" + `[
		{"id": "T0001", "category": "age"},
		{"id": "T0002", "category": "Smoking Status"},
		{"id": "T0003", "category": "none"},
		{"id": "T0004", "category": "Diet"},
		{"id": "", "category": "age"}
	]` + "\n```"
	got, err := parseMapping(text, testCategories)
	if err != nil {
		t.Fatalf("parseMapping: %v", err)
	}
	want := map[domain.ItemID]string{"T0001": "age", "T0002": "smoking", "T0003": domain.NoMapping}
	if len(got) != len(want) {
		t.Fatalf("parseMapping = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("parseMapping[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestParseMappingKeepsCaseDistinctCategories(t *testing.T) {
	categories := []domain.Category{{ID: "Age", Name: "Age"}, {ID: "age", Name: "age"}}
	text := `[{"id":"1","category":"Age"},{"id":"2","category":"age"},{"id":"3","category":"AGE"},{"id":"4","category":" age "}]`
	got, err := parseMapping(text, categories)
	if err != nil {
		t.Fatalf("parseMapping: %v", err)
	}
	want := map[domain.ItemID]string{"1": "Age", "2": "age", "4": "age"}
	if len(got) != len(want) {
		t.Fatalf("parseMapping = %v, want %v (AGE matches both categories and must be dropped)", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("parseMapping[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestCategoryResolverPrefersIDOverName(t *testing.T) {
	categories := []domain.Category{
		{ID: "smoking", Name: "Tobacco use"},
		{ID: "tobacco", Name: "smoking"},
	}
	resolve := categoryResolver(categories, false)
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{"smoking", "smoking", true},
		{"Tobacco use", "smoking", true},
		{"tobacco", "tobacco", true},
		{"SMOKING", "", false},
		{"none", "", false},
	}
	for _, tt := range tests {
		got, ok := resolve(tt.raw)
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("resolve(%q) = %q, %v, want %q, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseTiersDropsUnknownAnswers(t *testing.T) {
	text := `[{"category":"Age","tier":"NOT_PREDICTABLE"},{"category":"smoking","tier":"maybe"},{"category":"diet","tier":"NP"}]`
	got, err := parseTiers(text, testCategories)
	if err != nil {
		t.Fatalf("parseTiers: %v", err)
	}
	if len(got) != 1 || got["age"] != "NP" {
		t.Fatalf("parseTiers = %v, want only age=NP", got)
	}
	if _, err := parseTiers("not json", testCategories); err == nil {
		t.Fatal("expected parse error for non-JSON response")
	}
}

func TestVoterMapItemsBatches(t *testing.T) {
	items := make([]domain.Item, 0, 5)
	for _, id := range []string{"T0001", "T0002", "T0003", "T0004", "T0005"} {
		items = append(items, domain.NewItem(domain.ItemID(id), "trait "+id))
	}
	c := &scriptedCompleter{reply: func(_, user string) (string, error) {
		var answers []mappingAnswer
		for _, line := range strings.Split(user, "\n") {
			if strings.HasPrefix(line, "ID:") {
				id := strings.TrimPrefix(strings.Fields(line)[0], "ID:")
				answers = append(answers, mappingAnswer{ID: id, Category: "age"})
			}
		}
		b, _ := json.Marshal(answers)
		return string(b), nil
	}}
	v := NewVoter("claude", c, 2)

	got, err := v.MapItems(context.Background(), items, testCategories)
	if err != nil {
		t.Fatalf("MapItems: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("MapItems returned %d answers, want 5", len(got))
	}
	if len(c.prompts) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(c.prompts))
	}
	if u := v.Usage(); u.Calls != 3 || u.TotalTokens() != 36 {
		t.Fatalf("usage = %+v, want 3 calls and 36 tokens", u)
	}
}

func TestVoterFailsWholePhaseOnBatchError(t *testing.T) {
	c := &scriptedCompleter{reply: func(_, user string) (string, error) {
		if strings.Contains(user, "T0003") {
			return "", errors.New("overloaded")
		}
		return `["Age"]`, nil
	}}
	v := NewVoter("gpt5", c, 2)
	items := []domain.Item{
		domain.NewItem("T0001", "a"), domain.NewItem("T0002", "b"), domain.NewItem("T0003", "c"),
	}
	if _, err := v.MapItems(context.Background(), items, testCategories); err == nil {
		t.Fatal("expected MapItems to fail when a batch fails")
	}
}

func TestVoterProposeCategoriesMergesBatches(t *testing.T) {
	c := &scriptedCompleter{reply: func(_, user string) (string, error) {
		if strings.Contains(user, "smoker") {
			return `["Smoking status", "Age"]`, nil
		}
		return `["Age", " "]`, nil
	}}
	v := NewVoter("gemini", c, 1)
	got, err := v.ProposeCategories(context.Background(), []domain.Item{
		domain.NewItem("T0001", "age 18-65"), domain.NewItem("T0002", "current smoker"),
	})
	if err != nil {
		t.Fatalf("ProposeCategories: %v", err)
	}
	if strings.Join(got, "|") != "Age|Smoking status" {
		t.Fatalf("ProposeCategories = %v", got)
	}
}

func TestOpenAIClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req openAIRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Model != "deepseek-chat" || len(req.Messages) != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"[\"Age\"]"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "deepseek-chat", srv.URL+"/v1/")
	text, usage, err := c.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != `["Age"]` || usage.InputTokens != 12 || usage.OutputTokens != 3 {
		t.Fatalf("Complete = %q %+v", text, usage)
	}
}

func TestOpenAIClientSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limit"}}`)
	}))
	defer srv.Close()

	_, _, err := NewOpenAIClient("k", "", srv.URL).Complete(context.Background(), "sys", "user")
	if err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestAnthropicClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5-20250929",
			"content": [{"type": "text", "text": "[{\"category\":\"age\",\"tier\":\"NP\"}]"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 40, "output_tokens": 9}
		}`)
	}))
	defer srv.Close()

	client := NewAnthropicClient("test-key", "", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	v := NewVoter("claude", client, 0)
	got, err := v.ClassifyCategories(context.Background(), testCategories)
	if err != nil {
		t.Fatalf("ClassifyCategories: %v", err)
	}
	if got["age"] != "NP" || len(got) != 1 {
		t.Fatalf("ClassifyCategories = %v", got)
	}
	if u := v.Usage(); u.InputTokens != 40 || u.OutputTokens != 9 {
		t.Fatalf("usage = %+v", u)
	}
}
