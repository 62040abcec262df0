package clock

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtualAfterFiresOnAdvance(t *testing.T) {
	vc := NewVirtual(epoch)
	ch := vc.After(time.Second)
	if vc.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", vc.Pending())
	}

	vc.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatalf("fired early")
	default:
	}

	vc.Advance(time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(time.Second)) {
			t.Fatalf("fired at %s", got)
		}
	default:
		t.Fatalf("did not fire")
	}
	if vc.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", vc.Pending())
	}
}

func TestVirtualAfterZero(t *testing.T) {
	vc := NewVirtual(epoch)
	select {
	case <-vc.After(0):
	default:
		t.Fatalf("zero duration should fire immediately")
	}
}

func TestSleepContextCancel(t *testing.T) {
	vc := NewVirtual(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, vc, time.Hour); err == nil {
		t.Fatalf("expected context error")
	}
}
