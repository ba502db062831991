package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/hark/internal/config"
	"github.com/MrWong99/hark/pkg/provider/ai"
	aimock "github.com/MrWong99/hark/pkg/provider/ai/mock"
	"github.com/MrWong99/hark/pkg/provider/stt"
	sttmock "github.com/MrWong99/hark/pkg/provider/stt/mock"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	client := aimock.NewClient()
	var got config.ProviderEntry
	reg.RegisterAI("envelope", func(e config.ProviderEntry) (ai.Client, error) {
		got = e
		return client, nil
	})
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, errors.New("no key")
	})
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	c, err := reg.CreateAI(config.ProviderEntry{Name: "envelope", BaseURL: "http://x"})
	if err != nil || c != client {
		t.Fatalf("CreateAI = %v, %v", c, err)
	}
	if got.BaseURL != "http://x" {
		t.Errorf("factory got %+v", got)
	}

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"}); err == nil || errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("factory error = %v", err)
	}
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unregistered: err = %v", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unregistered: err = %v", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "energy"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unregistered: err = %v", err)
	}

	names := reg.Names()
	if !slices.Equal(names["stt"], []string{"deepgram", "mock"}) || !slices.Equal(names["ai"], []string{"envelope"}) {
		t.Errorf("Names = %v", names)
	}
}
