package progress

import (
	"testing"
	"time"
)

func TestAggregatorCounts(t *testing.T) {
	a := NewAggregator("t1", 1000, 10*time.Millisecond)
	a.Add(300)
	a.Add(200)
	a.Add(-100)
	if got := a.Downloaded(); got != 400 {
		t.Errorf("Downloaded = %d, want 400", got)
	}
	a.SetTotal(2000)
	a.Start()
	a.Stop()
}

func TestAggregatorFinalSnapshot(t *testing.T) {
	a := NewAggregator("t1", 100, 5*time.Millisecond)
	ch := a.Subscribe()
	a.Start()
	a.Add(60)

	var last Snapshot
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range ch {
			last = snap
		}
	}()

	time.Sleep(20 * time.Millisecond)
	a.Add(40)
	a.Stop()
	<-done

	if !last.Final {
		t.Error("last snapshot is not marked final")
	}
	if last.Downloaded != 100 {
		t.Errorf("final Downloaded = %d, want 100", last.Downloaded)
	}
	if last.TotalSize != 100 {
		t.Errorf("final TotalSize = %d, want 100", last.TotalSize)
	}
	if last.Percent != 100 {
		t.Errorf("final Percent = %v, want 100", last.Percent)
	}
	if last.TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", last.TaskID)
	}
}

func TestAggregatorRateAndETA(t *testing.T) {
	a := NewAggregator("t1", 1_000_000, 10*time.Millisecond)
	ch := a.Subscribe()
	a.Start()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.Add(1000)
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	var sawRate bool
	for !sawRate {
		select {
		case snap := <-ch:
			if snap.Rate > 0 {
				sawRate = true
				if snap.ETA <= 0 {
					t.Errorf("ETA = %v with positive rate and bytes remaining", snap.ETA)
				}
				if snap.Percent <= 0 || snap.Percent >= 100 {
					t.Errorf("Percent = %v mid-transfer", snap.Percent)
				}
			}
		case <-deadline:
			t.Fatal("never observed a positive transfer rate")
		}
	}
	close(stop)
	a.Stop()
}

// A subscriber that never reads must not stall Add or Stop.
func TestAggregatorSlowSubscriberDoesNotBlock(t *testing.T) {
	a := NewAggregator("t1", 100, time.Millisecond)
	_ = a.Subscribe()
	a.Start()
	for i := 0; i < 100; i++ {
		a.Add(1)
	}
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an idle subscriber")
	}
}

func TestAggregatorStopIdempotent(t *testing.T) {
	a := NewAggregator("t1", 0, time.Millisecond)
	a.Start()
	a.Stop()
	a.Stop()
}

func TestAggregatorUnknownTotal(t *testing.T) {
	a := NewAggregator("t1", 0, 5*time.Millisecond)
	ch := a.Subscribe()
	a.Start()
	a.Add(500)

	var last Snapshot
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range ch {
			last = snap
		}
	}()
	time.Sleep(15 * time.Millisecond)
	a.Stop()
	<-done

	if last.Percent != 0 {
		t.Errorf("Percent = %v for unknown total, want 0", last.Percent)
	}
	if last.ETA != 0 {
		t.Errorf("ETA = %v for unknown total, want 0", last.ETA)
	}
	if last.Downloaded != 500 {
		t.Errorf("Downloaded = %d, want 500", last.Downloaded)
	}
}
