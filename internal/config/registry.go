package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/orbvoice/internal/display"
	"github.com/MrWong99/orbvoice/internal/hardware"
	"github.com/MrWong99/orbvoice/pkg/audio"
	"github.com/MrWong99/orbvoice/pkg/provider/vad"
	"github.com/MrWong99/orbvoice/pkg/provider/vad/energy"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// AudioDevices is the capture/playback pair produced by an audio factory.
type AudioDevices struct {
	Capture  audio.CaptureDevice
	Playback audio.PlaybackDevice
}

// Registry maps backend names to their constructors. Backends that need cgo
// (portaudio, silero) register themselves from build-tagged files. It is safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	audio   map[string]func(AudioConfig) (AudioDevices, error)
	vad     map[string]func(VADConfig) (vad.Engine, error)
	display map[string]func(DisplayConfig) (display.Display, error)
	button  map[string]func(ButtonConfig) (hardware.Pin, error)
	tags    map[string]func(TagReaderConfig) (hardware.TagReader, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:   make(map[string]func(AudioConfig) (AudioDevices, error)),
		vad:     make(map[string]func(VADConfig) (vad.Engine, error)),
		display: make(map[string]func(DisplayConfig) (display.Display, error)),
		button:  make(map[string]func(ButtonConfig) (hardware.Pin, error)),
		tags:    make(map[string]func(TagReaderConfig) (hardware.TagReader, error)),
	}
}

// DefaultRegistry returns a registry holding the backends that build without
// cgo: null audio, the energy classifier, log and serial displays, GPIO
// buttons and serial tag readers. "none" input backends yield nil drivers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterAudio("null", func(AudioConfig) (AudioDevices, error) {
		return AudioDevices{Capture: &audio.NullCapture{}, Playback: audio.NullPlayback{}}, nil
	})
	r.RegisterVAD("energy", func(VADConfig) (vad.Engine, error) { return energy.New(), nil })
	r.RegisterDisplay("log", func(DisplayConfig) (display.Display, error) { return display.Log{}, nil })
	r.RegisterDisplay("serial", func(c DisplayConfig) (display.Display, error) {
		d, err := display.OpenSerial(c.Port, c.Baud)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
	r.RegisterButton("none", func(ButtonConfig) (hardware.Pin, error) { return nil, nil })
	r.RegisterButton("gpio", func(c ButtonConfig) (hardware.Pin, error) {
		p, err := hardware.OpenGPIOPin(c.Pin, c.ActiveHigh)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	r.RegisterTagReader("none", func(TagReaderConfig) (hardware.TagReader, error) { return nil, nil })
	r.RegisterTagReader("serial", func(c TagReaderConfig) (hardware.TagReader, error) {
		tr, err := hardware.OpenSerialTagReader(c.Port, c.Baud)
		if err != nil {
			return nil, err
		}
		return tr, nil
	})
	return r
}

// RegisterAudio registers an audio device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (AudioDevices, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterVAD registers a classifier factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterDisplay registers a display factory under name.
func (r *Registry) RegisterDisplay(name string, factory func(DisplayConfig) (display.Display, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.display[name] = factory
}

// RegisterButton registers a button pin factory under name.
func (r *Registry) RegisterButton(name string, factory func(ButtonConfig) (hardware.Pin, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.button[name] = factory
}

// RegisterTagReader registers a tag reader factory under name.
func (r *Registry) RegisterTagReader(name string, factory func(TagReaderConfig) (hardware.TagReader, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[name] = factory
}

// CreateAudio opens the devices registered under c.Backend.
func (r *Registry) CreateAudio(c AudioConfig) (AudioDevices, error) {
	factory, err := lookup(r, r.audio, "audio", c.Backend)
	if err != nil {
		return AudioDevices{}, err
	}
	return factory(c)
}

// CreateVAD instantiates the classifier registered under c.Classifier.
func (r *Registry) CreateVAD(c VADConfig) (vad.Engine, error) {
	factory, err := lookup(r, r.vad, "vad", c.Classifier)
	if err != nil {
		return nil, err
	}
	return factory(c)
}

// CreateDisplay opens the display registered under c.Backend.
func (r *Registry) CreateDisplay(c DisplayConfig) (display.Display, error) {
	factory, err := lookup(r, r.display, "display", c.Backend)
	if err != nil {
		return nil, err
	}
	return factory(c)
}

// CreateButton opens the pin registered under c.Backend. A nil pin means no
// button is fitted.
func (r *Registry) CreateButton(c ButtonConfig) (hardware.Pin, error) {
	factory, err := lookup(r, r.button, "button", c.Backend)
	if err != nil {
		return nil, err
	}
	return factory(c)
}

// CreateTagReader opens the reader registered under c.Backend. A nil reader
// means no reader is fitted.
func (r *Registry) CreateTagReader(c TagReaderConfig) (hardware.TagReader, error) {
	factory, err := lookup(r, r.tags, "tag_reader", c.Backend)
	if err != nil {
		return nil, err
	}
	return factory(c)
}

// Names returns the registered names for kind, sorted.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "audio":
		names = keys(r.audio)
	case "vad":
		names = keys(r.vad)
	case "display":
		names = keys(r.display)
	case "button":
		names = keys(r.button)
	case "tag_reader":
		names = keys(r.tags)
	}
	sort.Strings(names)
	return names
}

func lookup[F any](r *Registry, m map[string]F, kind, name string) (F, error) {
	r.mu.RLock()
	factory, ok := m[name]
	r.mu.RUnlock()
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s/%q", ErrBackendNotRegistered, kind, name)
	}
	return factory, nil
}

func keys[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
