//go:build portaudio

package main

import (
	"github.com/MrWong99/deckvoice/internal/config"
	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/audio/portaudio"
)

func registerAudioBackends(reg *config.Registry) {
	reg.RegisterAudio("portaudio", func(config.AudioConfig) (audio.Devices, error) {
		return portaudio.Open()
	})
}
