//go:build silero

// Package silero provides a [vad.Engine] running the Silero VAD v5 model
// through ONNX Runtime.
//
// Silero expects 512-sample windows at 16 kHz while the device produces
// 480-sample frames, so each session buffers samples and runs inference for
// every complete window. A frame is classified by the most recent window
// probability.
//
// Build with -tags silero; the package needs cgo and the onnxruntime shared
// library.
package silero

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/orbvoice/pkg/provider/vad"
)

const (
	windowSize   = 512
	stateSize    = 128
	sampleRate   = 16000
	defaultModel = "silero_vad.onnx"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// Engine creates Silero sessions. All sessions share one ONNX Runtime
// environment.
type Engine struct {
	modelPath string
}

// New initialises ONNX Runtime from libPath (empty means the library's
// default search) and returns an Engine loading the model at modelPath.
func New(modelPath, libPath string) (*Engine, error) {
	if modelPath == "" {
		modelPath = defaultModel
	}
	ortInitOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("silero: init onnxruntime: %w", ortInitErr)
	}
	return &Engine{modelPath: modelPath}, nil
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SampleRate != sampleRate {
		return nil, fmt.Errorf("silero: sample rate %d not supported, want %d", cfg.SampleRate, sampleRate)
	}

	s := &Session{
		frameBytes: cfg.FrameBytes(),
		speech:     cfg.SpeechThreshold,
		silence:    cfg.SilenceThreshold,
		buf:        make([]float32, 0, 2*windowSize),
	}
	if s.silence == 0 {
		s.silence = s.speech
	}

	var err error
	if s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, windowSize)); err != nil {
		return nil, fmt.Errorf("silero: create input tensor: %w", err)
	}
	if s.state, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize)); err != nil {
		s.Close()
		return nil, fmt.Errorf("silero: create state tensor: %w", err)
	}
	if s.sr, err = ort.NewTensor(ort.NewShape(1), []int64{sampleRate}); err != nil {
		s.Close()
		return nil, fmt.Errorf("silero: create sr tensor: %w", err)
	}
	if s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		s.Close()
		return nil, fmt.Errorf("silero: create output tensor: %w", err)
	}
	if s.stateN, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize)); err != nil {
		s.Close()
		return nil, fmt.Errorf("silero: create stateN tensor: %w", err)
	}
	clear(s.state.GetData())
	clear(s.stateN.GetData())

	s.session, err = ort.NewAdvancedSession(e.modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{s.input, s.state, s.sr},
		[]ort.Value{s.output, s.stateN},
		nil,
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("silero: load model %q: %w", e.modelPath, err)
	}
	return s, nil
}

// Session is one Silero inference stream.
type Session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	state   *ort.Tensor[float32]
	sr      *ort.Tensor[int64]
	output  *ort.Tensor[float32]
	stateN  *ort.Tensor[float32]

	frameBytes int
	speech     float64
	silence    float64
	buf        []float32
	last       float32
	inSpeech   bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.session == nil {
		return vad.VADEvent{}, errors.New("silero: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}
	for i := 0; i+1 < len(frame); i += 2 {
		s.buf = append(s.buf, float32(int16(frame[i])|int16(frame[i+1])<<8)/32768)
	}
	for len(s.buf) >= windowSize {
		copy(s.input.GetData(), s.buf[:windowSize])
		if err := s.session.Run(); err != nil {
			return vad.VADEvent{}, fmt.Errorf("silero: inference: %w", err)
		}
		s.last = s.output.GetData()[0]
		copy(s.state.GetData(), s.stateN.GetData())
		n := copy(s.buf, s.buf[windowSize:])
		s.buf = s.buf[:n]
	}

	p := float64(s.last)
	if s.inSpeech {
		s.inSpeech = p >= s.silence
	} else {
		s.inSpeech = p >= s.speech
	}
	return vad.VADEvent{Speech: s.inSpeech, Probability: p}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	if s.state != nil {
		clear(s.state.GetData())
	}
	s.buf = s.buf[:0]
	s.last = 0
	s.inSpeech = false
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.state != nil {
		s.state.Destroy()
	}
	if s.sr != nil {
		s.sr.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
	if s.stateN != nil {
		s.stateN.Destroy()
	}
	s.input, s.state, s.sr, s.output, s.stateN = nil, nil, nil, nil, nil
	return nil
}
