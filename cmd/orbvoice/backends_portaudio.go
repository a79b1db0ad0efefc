//go:build portaudio

package main

import (
	"github.com/MrWong99/orbvoice/internal/config"
	"github.com/MrWong99/orbvoice/pkg/audio/portaudio"
)

func init() {
	extraBackends = append(extraBackends, func(r *config.Registry) {
		r.RegisterAudio("portaudio", func(c config.AudioConfig) (config.AudioDevices, error) {
			capture, err := portaudio.OpenCapture()
			if err != nil {
				return config.AudioDevices{}, err
			}
			playback, err := portaudio.OpenPlayback(c.Gain)
			if err != nil {
				capture.Close()
				return config.AudioDevices{}, err
			}
			return config.AudioDevices{Capture: capture, Playback: playback}, nil
		})
	})
}
