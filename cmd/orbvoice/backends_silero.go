//go:build silero

package main

import (
	"github.com/MrWong99/orbvoice/internal/config"
	"github.com/MrWong99/orbvoice/pkg/provider/vad"
	"github.com/MrWong99/orbvoice/pkg/provider/vad/silero"
)

func init() {
	extraBackends = append(extraBackends, func(r *config.Registry) {
		r.RegisterVAD("silero", func(c config.VADConfig) (vad.Engine, error) {
			e, err := silero.New(c.ModelPath, c.LibraryPath)
			if err != nil {
				return nil, err
			}
			return e, nil
		})
	})
}
