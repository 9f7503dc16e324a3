package config_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/deckvoice/internal/assets"
	"github.com/MrWong99/deckvoice/internal/config"
	"github.com/MrWong99/deckvoice/pkg/audio"
	audiomock "github.com/MrWong99/deckvoice/pkg/audio/mock"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
	livemock "github.com/MrWong99/deckvoice/pkg/provider/live/mock"
)

func TestRegistry_CreateLive(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var gotKey, gotModel string
	reg.RegisterLive("gemini", func(cfg config.LiveConfig, apiKey string) (live.Provider, error) {
		gotKey, gotModel = apiKey, cfg.Model
		return &livemock.Provider{}, nil
	})

	p, err := reg.CreateLive(config.LiveConfig{Provider: "gemini", Model: "m"}, "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
	if gotKey != "secret" || gotModel != "m" {
		t.Errorf("factory got key=%q model=%q", gotKey, gotModel)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateLive(config.LiveConfig{Provider: "openai"}, ""); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLive err = %v", err)
	}
	if _, err := reg.CreateAssets(config.AssetsConfig{Provider: "openai"}, ""); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateAssets err = %v", err)
	}
	if _, err := reg.CreateAudio("portaudio", config.AudioConfig{}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateAudio err = %v", err)
	}
}

func TestRegistry_AssetsAndAudio(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterAssets("static", func(cfg config.AssetsConfig, _ string) (assets.Generator, error) {
		return assets.StaticGenerator{BaseURL: cfg.BaseURL}, nil
	})
	reg.RegisterAudio("mock", func(config.AudioConfig) (audio.Devices, error) {
		return &audiomock.Devices{}, nil
	})

	gen, err := reg.CreateAssets(config.AssetsConfig{Provider: "static", BaseURL: "https://img.test/p.png"}, "")
	if err != nil {
		t.Fatalf("CreateAssets: %v", err)
	}
	a, err := gen.Generate(context.Background(), "cat")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.URL == "" {
		t.Error("empty asset URL")
	}

	if _, err := reg.CreateAudio("mock", config.AudioConfig{}); err != nil {
		t.Errorf("CreateAudio: %v", err)
	}
}
