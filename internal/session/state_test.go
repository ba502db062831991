package session

import (
	"encoding/json"
	"testing"
)

func TestState_StringAndDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		name  string
		desc  string
	}{
		{Stopped, "Stopped", "服务已停止"},
		{WakeWord, "WakeWord", "正在等待唤醒词"},
		{Listening, "Listening", "正在聆听..."},
		{AiProcessing, "AiProcessing", "正在处理请求..."},
		{AiResponding, "AiResponding", "正在回答..."},
		{TtsSpeaking, "TtsSpeaking", "正在回答..."},
		{ContinuousDialog, "ContinuousDialog", "连续对话模式"},
		{State(42), "State(42)", "State(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.state.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.state.Description(); got != tt.desc {
				t.Errorf("Description() = %q, want %q", got, tt.desc)
			}
		})
	}
}

func TestState_Bargeable(t *testing.T) {
	t.Parallel()

	for _, s := range []State{Stopped, WakeWord} {
		if s.bargeable() {
			t.Errorf("%s must not accept barge-in", s)
		}
	}
	for _, s := range []State{Listening, AiProcessing, AiResponding, TtsSpeaking, ContinuousDialog} {
		if !s.bargeable() {
			t.Errorf("%s must accept barge-in", s)
		}
	}
}

func TestSnapshot_MarshalsStateByName(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Snapshot{ID: "a", State: TtsSpeaking, Description: TtsSpeaking.Description()})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.State != "TtsSpeaking" {
		t.Errorf("state = %q in %s", got.State, raw)
	}
}

func TestState_UnmarshalText(t *testing.T) {
	t.Parallel()

	var snap Snapshot
	if err := json.Unmarshal([]byte(`{"state":"ContinuousDialog"}`), &snap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if snap.State != ContinuousDialog {
		t.Errorf("state = %s", snap.State)
	}
	if err := json.Unmarshal([]byte(`{"state":"Dancing"}`), &snap); err == nil {
		t.Error("expected error for unknown state")
	}
}
