package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/orbvoice/internal/observe"
)

type memSink struct {
	mu    sync.Mutex
	recs  []TurnRecord
	block chan struct{}
	err   error
}

func (s *memSink) Write(_ context.Context, rec TurnRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *memSink) records() []TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TurnRecord(nil), s.recs...)
}

func TestRecorder_DeliversInOrder(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("disk full")}
	r := NewRecorder(8, a, b)
	for i := 1; i <= 3; i++ {
		r.Record(TurnRecord{Turn: i, Kind: KindUser, Outcome: OutcomeComplete})
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, s := range []*memSink{a, b} {
		got := s.records()
		if len(got) != 3 {
			t.Fatalf("sink got %d records, want 3", len(got))
		}
		for i, rec := range got {
			if rec.Turn != i+1 {
				t.Errorf("record %d has turn %d", i, rec.Turn)
			}
		}
	}
	if r.Written() != 3 {
		t.Errorf("Written = %d, want 3", r.Written())
	}
}

func TestRecorder_NeverBlocks(t *testing.T) {
	slow := &memSink{block: make(chan struct{})}
	r := NewRecorder(2, slow)

	start := time.Now()
	for i := range 10 {
		r.Record(TurnRecord{Turn: i})
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("Record blocked behind a slow sink")
	}
	// One record is in the sink, two are queued, the rest dropped.
	if got := r.Dropped(); got < 7 {
		t.Errorf("Dropped = %d, want at least 7", got)
	}
	close(slow.block)
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.Record(TurnRecord{Turn: 99})
	if n := len(slow.records()); n > 3 {
		t.Errorf("sink got %d records after close", n)
	}
}

func TestRecorder_CloseHonoursDeadline(t *testing.T) {
	slow := &memSink{block: make(chan struct{})}
	defer close(slow.block)
	r := NewRecorder(2, slow)
	r.Record(TurnRecord{Turn: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want DeadlineExceeded", err)
	}
}

func TestMetricsSink(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	s := MetricsSink{Metrics: m}
	_ = s.Write(context.Background(), TurnRecord{
		Kind: KindUser, Outcome: OutcomeComplete, Duration: time.Second,
		FramesSent: 40, SilenceFrames: 50,
	})
	_ = s.Write(context.Background(), TurnRecord{
		Kind: KindAgent, Outcome: OutcomeComplete, Duration: 3 * time.Second,
		FramesPlayed: 100, FirstContent: 800 * time.Millisecond, Mode: "voice",
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			found[met.Name] = true
		}
	}
	for _, name := range []string{
		"orbvoice.turns",
		"orbvoice.turn.duration",
		"orbvoice.audio.frames_sent",
		"orbvoice.audio.frames_played",
		"orbvoice.agent.first_content",
	} {
		if !found[name] {
			t.Errorf("metric %s not recorded", name)
		}
	}
}
