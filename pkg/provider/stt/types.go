package stt

import (
	"errors"
	"fmt"
)

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64
}

// ResultKind distinguishes the results delivered by a [Recognizer].
type ResultKind int

const (
	// ResultPartial is an interim hypothesis.
	ResultPartial ResultKind = iota
	// ResultFinal is the committed recognition of a listen.
	ResultFinal
	// ResultError reports that the listen failed; Err is set.
	ResultError
)

// String returns the kind name.
func (k ResultKind) String() string {
	switch k {
	case ResultPartial:
		return "partial"
	case ResultFinal:
		return "final"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is one recognizer output, tagged with the listen that produced it.
type Result struct {
	ListenID   uint64
	Kind       ResultKind
	Text       string
	Confidence float64
	Err        *RecognitionError
}

// ErrorCode classifies recognition failures.
type ErrorCode string

const (
	CodeAudio          ErrorCode = "audio"
	CodePermission     ErrorCode = "permission"
	CodeNetwork        ErrorCode = "network"
	CodeNetworkTimeout ErrorCode = "network-timeout"
	CodeNoMatch        ErrorCode = "no-match"
	CodeSpeechTimeout  ErrorCode = "speech-timeout"
	CodeBusy           ErrorCode = "busy"
	CodeClient         ErrorCode = "client"
	CodeServer         ErrorCode = "server"
)

// Recoverable reports whether the session may simply listen again after a
// failure with this code. Audio, permission and server failures need the user
// to be told.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeAudio, CodePermission, CodeServer:
		return false
	}
	return true
}

// RecognitionError is a coded recognition failure.
type RecognitionError struct {
	Code ErrorCode
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stt: recognition failed: %s", e.Code)
	}
	return fmt.Sprintf("stt: recognition failed: %s: %v", e.Code, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// CodeOf returns the code of the first RecognitionError in err's chain, or
// CodeClient when there is none.
func CodeOf(err error) ErrorCode {
	var re *RecognitionError
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeClient
}
