package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/hark/pkg/provider/llm"
)

func TestBackends(t *testing.T) {
	t.Parallel()

	got := Backends()
	if !slices.IsSorted(got) || !slices.Contains(got, "ollama") || !slices.Contains(got, "anthropic") {
		t.Errorf("Backends() = %v", got)
	}
	for name, want := range map[string]bool{"ollama": true, "LlamaCPP": true, "groq": false, "nope": false} {
		if Local(name) != want {
			t.Errorf("Local(%q) = %v, want %v", name, !want, want)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
		opts    []anyllmlib.Option
		wantErr bool
	}{
		{"no model", "ollama", "", nil, true},
		{"unknown backend", "watson", "x", nil, true},
		{"hosted without key", "openai", "gpt-4o-mini", nil, true},
		{"hosted with key", "Anthropic", "claude-3-5-haiku-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}, false},
		{"local", "ollama", "qwen2.5", nil, false},
		{"local with url", "llamafile", "qwen2.5", []anyllmlib.Option{anyllmlib.WithBaseURL("http://127.0.0.1:8080/v1")}, false},
	}
	t.Setenv("OPENAI_API_KEY", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !slices.Contains(Backends(), p.Name()) {
				t.Errorf("Name() = %q", p.Name())
			}
		})
	}
}

func TestParams(t *testing.T) {
	t.Parallel()

	p, err := New("ollama", "qwen2.5")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "简短回答。",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "现在几点"},
			{Role: llm.RoleAssistant, Content: "三点。"},
			{Role: llm.RoleUser, Content: "谢谢"},
		},
		Temperature: 0.3,
		MaxTokens:   64,
	})
	if params.Model != "qwen2.5" || len(params.Messages) != 4 {
		t.Fatalf("params = %+v", params)
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[2].Content != "三点。" {
		t.Errorf("messages = %+v", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 || params.MaxTokens == nil || *params.MaxTokens != 64 {
		t.Errorf("sampling = %v %v", params.Temperature, params.MaxTokens)
	}

	bare := p.params(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if bare.Temperature != nil || bare.MaxTokens != nil || len(bare.Messages) != 1 {
		t.Errorf("bare params = %+v", bare)
	}
}

func TestStreamCompletion_NoMessages(t *testing.T) {
	t.Parallel()

	p, _ := New("ollama", "qwen2.5")
	if _, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty request")
	}
}
