package vad

// VADEvent is the classification of a single audio frame.
type VADEvent struct {
	// Speech reports whether the frame is classified as speech.
	Speech bool

	// Probability is the backend's score for the frame (0.0–1.0).
	Probability float64
}
