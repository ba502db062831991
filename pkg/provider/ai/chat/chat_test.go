package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/hark/pkg/provider/ai"
	"github.com/MrWong99/hark/pkg/provider/ai/chat"
	"github.com/MrWong99/hark/pkg/provider/llm"
	"github.com/MrWong99/hark/pkg/provider/llm/mock"
)

func drain(t *testing.T, ch <-chan ai.Event) []ai.Event {
	t.Helper()
	var out []ai.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out draining events")
			return nil
		}
	}
}

func TestQuery_StreamsDeltasThenComplete(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "你好，"},
		{Text: ""},
		{Text: "世界。"},
		{FinishReason: "stop"},
	}}
	c := chat.New(p, chat.WithSystemPrompt("简短回答"), chat.WithMaxTokens(100))

	ch, err := c.Query(context.Background(), ai.Request{Prompt: "打个招呼"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	events := drain(t, ch)

	want := []ai.Event{ai.Delta("你好，"), ai.Delta("世界。"), ai.Complete()}
	if len(events) != len(want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
	for i := range want {
		if events[i].Kind != want[i].Kind || events[i].Text != want[i].Text {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}

	reqs := p.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d stream calls, want 1", len(reqs))
	}
	req := reqs[0]
	if req.SystemPrompt != "简短回答" || req.MaxTokens != 100 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "打个招呼" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestQuery_RequestSystemPromptWins(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	c := chat.New(p, chat.WithSystemPrompt("default"))
	ch, _ := c.Query(context.Background(), ai.Request{Prompt: "x", SystemPrompt: "override"})
	drain(t, ch)

	if got := p.Requests()[0].SystemPrompt; got != "override" {
		t.Errorf("SystemPrompt = %q, want override", got)
	}
}

func TestQuery_StartFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("401 unauthorized")
	c := chat.New(&mock.Provider{StreamErr: cause})
	ch, err := c.Query(context.Background(), ai.Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	events := drain(t, ch)
	if len(events) != 1 || events[0].Kind != ai.EventError {
		t.Fatalf("events = %+v, want one error", events)
	}
	var se *ai.StreamError
	if !errors.As(events[0].Err, &se) || se.Op != "connect" || !errors.Is(se, cause) {
		t.Errorf("err = %v", events[0].Err)
	}
}

func TestQuery_MidStreamFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	c := chat.New(&mock.Provider{StreamChunks: []llm.Chunk{{Text: "半句"}, {Err: cause}}})
	ch, _ := c.Query(context.Background(), ai.Request{Prompt: "x"})
	events := drain(t, ch)

	if len(events) != 2 || events[0].Text != "半句" || events[1].Kind != ai.EventError {
		t.Fatalf("events = %+v, want delta then error", events)
	}
	if !errors.Is(events[1].Err, cause) {
		t.Errorf("err = %v, want wrapped %v", events[1].Err, cause)
	}
}

func TestQuery_CancelledBeforeOutput(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Hold: make(chan struct{}), StreamChunks: []llm.Chunk{{Text: "never"}}}
	c := chat.New(p)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := c.Query(ctx, ai.Request{Prompt: "x"})
	cancel()

	for ev := range ch {
		t.Errorf("unexpected event after cancellation: %+v", ev)
	}
}

func TestQuery_EmptyPrompt(t *testing.T) {
	t.Parallel()

	c := chat.New(&mock.Provider{})
	if _, err := c.Query(context.Background(), ai.Request{}); !errors.Is(err, ai.ErrEmptyPrompt) {
		t.Errorf("err = %v, want ErrEmptyPrompt", err)
	}
	if err := chat.New(nil).Validate(); err == nil {
		t.Error("Validate with nil provider should fail")
	}
}
