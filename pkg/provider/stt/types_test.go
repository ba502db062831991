package stt_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/hark/pkg/provider/stt"
)

func TestErrorCode_Recoverable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code stt.ErrorCode
		want bool
	}{
		{stt.CodeNetwork, true},
		{stt.CodeNetworkTimeout, true},
		{stt.CodeNoMatch, true},
		{stt.CodeSpeechTimeout, true},
		{stt.CodeBusy, true},
		{stt.CodeClient, true},
		{stt.CodeAudio, false},
		{stt.CodePermission, false},
		{stt.CodeServer, false},
	}
	for _, tt := range tests {
		if got := tt.code.Recoverable(); got != tt.want {
			t.Errorf("%s.Recoverable() = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	cause := errors.New("socket closed")
	wrapped := fmt.Errorf("listen: %w", &stt.RecognitionError{Code: stt.CodeNetwork, Err: cause})

	if got := stt.CodeOf(wrapped); got != stt.CodeNetwork {
		t.Errorf("CodeOf(wrapped) = %q, want network", got)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("RecognitionError does not unwrap to its cause")
	}
	if got := stt.CodeOf(errors.New("plain")); got != stt.CodeClient {
		t.Errorf("CodeOf(plain) = %q, want client", got)
	}
}
