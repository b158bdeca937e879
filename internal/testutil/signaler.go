package testutil

import (
	"context"
	"slices"
	"sync"
)

// RecordingSignaler records the containers it is asked to signal.
type RecordingSignaler struct {
	mu      sync.Mutex
	signals []string
}

func NewRecordingSignaler() *RecordingSignaler {
	return &RecordingSignaler{}
}

func (s *RecordingSignaler) SignalEnumerator(ctx context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, container)
	return nil
}

// Signals returns the signalled containers in order.
func (s *RecordingSignaler) Signals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.signals)
}

// Signalled reports whether container was signalled at least once.
func (s *RecordingSignaler) Signalled(container string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.signals, container)
}
