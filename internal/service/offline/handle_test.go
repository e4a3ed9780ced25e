package offline

import (
	"errors"
	"testing"
)

func TestHandle_ReportKeepsLatestOnly(t *testing.T) {
	h := newHandle("a", nil)

	h.report(0.1)
	h.report(0.5)
	h.report(0.3) // lower values are dropped

	if got := <-h.Progress(); got != 0.5 {
		t.Errorf("Progress() = %v, want 0.5", got)
	}
	if got := h.Last(); got != 0.5 {
		t.Errorf("Last() = %v, want 0.5", got)
	}

	select {
	case p := <-h.Progress():
		t.Errorf("unexpected progress %v", p)
	default:
	}
}

func TestHandle_FinishClosesChannels(t *testing.T) {
	h := newHandle("a", nil)
	boom := errors.New("boom")

	h.report(1)
	h.finish(boom)
	h.finish(nil) // second finish is ignored
	h.report(2)

	if got, ok := <-h.Progress(); !ok || got != 1 {
		t.Errorf("Progress() = %v, %v, want buffered 1", got, ok)
	}
	if _, ok := <-h.Progress(); ok {
		t.Error("Progress() not closed")
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("Done() not closed")
	}
	if !errors.Is(h.Err(), boom) {
		t.Errorf("Err() = %v, want %v", h.Err(), boom)
	}
}

func TestHandle_CancelCallsBack(t *testing.T) {
	var got *Handle
	h := newHandle("a", func(h *Handle) { got = h })

	h.Cancel()
	if got != h {
		t.Error("Cancel() did not pass the handle to its canceller")
	}
	if h.ID() != "a" {
		t.Errorf("ID() = %q, want a", h.ID())
	}
}
