//go:build !portaudio

package main

import (
	"errors"

	"github.com/MrWong99/deckvoice/internal/config"
	"github.com/MrWong99/deckvoice/pkg/audio"
)

func registerAudioBackends(reg *config.Registry) {
	reg.RegisterAudio("portaudio", func(config.AudioConfig) (audio.Devices, error) {
		return nil, errors.New("deckvoice was built without PortAudio; rebuild with -tags portaudio")
	})
}
