package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestWindowAdmit(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	w := window{limit: 5, size: 5 * time.Second}

	for i := 0; i < 5; i++ {
		if !w.admit(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("send %d rejected inside first window", i)
		}
	}
	if w.admit(base.Add(4 * time.Second)) {
		t.Error("sixth send admitted inside first window")
	}
	if w.admit(base.Add(5 * time.Second)) {
		t.Error("send admitted exactly at window size; window has not elapsed")
	}
	if !w.admit(base.Add(5*time.Second + time.Millisecond)) {
		t.Error("send rejected after window elapsed")
	}
}

func TestWindowAdmitAcrossMinuteBoundary(t *testing.T) {
	// 12:00:58 -> 12:01:01 is 3s elapsed even though the seconds field went from 58 to 1.
	start := time.Date(2024, 1, 1, 12, 0, 58, 0, time.UTC)
	w := window{limit: 2, size: 5 * time.Second}
	if !w.admit(start) || !w.admit(start.Add(time.Second)) {
		t.Fatal("first two sends rejected")
	}
	if w.admit(start.Add(3 * time.Second)) {
		t.Error("admitted across minute boundary before the window elapsed")
	}
	if !w.admit(start.Add(6 * time.Second)) {
		t.Error("rejected after the window elapsed across a minute boundary")
	}
}

func TestThrottleOrderAndRate(t *testing.T) {
	const (
		limit = 5
		size  = 300 * time.Millisecond
		total = 12
	)
	var mu sync.Mutex
	var stamps []time.Time
	tr := &fakeTransport{sendFn: func(string, string) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil
	}}
	th := NewThrottle(tr, limit, size, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go th.Run(ctx)

	// Enqueue synchronously so submission order is fixed, then wait on all results.
	var wg sync.WaitGroup
	errs := make([]error, total)
	for i := 0; i < total; i++ {
		req := &sendReq{ctx: ctx, target: "#c", text: fmt.Sprintf("line %d", i), done: make(chan error, 1)}
		th.backlog.Add(1)
		th.queue <- req
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = <-req.done
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("send %d: %v", i, err)
		}
	}
	got := tr.sent()
	if len(got) != total {
		t.Fatalf("delivered %d lines, want %d", len(got), total)
	}
	for i, l := range got {
		if want := fmt.Sprintf("line %d", i); l.text != want {
			t.Errorf("line %d = %q, want %q", i, l.text, want)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	first := stamps[0]
	slack := 20 * time.Millisecond
	for i := 0; i < limit; i++ {
		if d := stamps[i].Sub(first); d >= size {
			t.Errorf("line %d sent %v after first, want within first window", i, d)
		}
	}
	if d := stamps[limit].Sub(first); d < size-slack {
		t.Errorf("line %d sent %v after first, before the window rolled over", limit, d)
	}
	if d := stamps[2*limit].Sub(first); d < 2*size-slack {
		t.Errorf("line %d sent %v after first, before the second rollover", 2*limit, d)
	}
	if th.Backlog() != 0 {
		t.Errorf("Backlog() = %d after drain", th.Backlog())
	}
}

func TestThrottleSendReturnsTransportError(t *testing.T) {
	boom := errors.New("not connected")
	tr := &fakeTransport{sendFn: func(string, string) error { return boom }}
	th := NewThrottle(tr, 5, time.Second, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go th.Run(ctx)

	if err := th.Send(ctx, "#c", "x"); !errors.Is(err, boom) {
		t.Errorf("Send() error = %v, want %v", err, boom)
	}
}

func TestThrottleSendCancelledWhileWaiting(t *testing.T) {
	tr := &fakeTransport{}
	th := NewThrottle(tr, 1, time.Hour, 5*time.Millisecond)
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go th.Run(runCtx)

	if err := th.Send(runCtx, "#c", "first"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := th.Send(ctx, "#c", "second"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want deadline exceeded", err)
	}
	if len(tr.sent()) != 1 {
		t.Errorf("sent = %v", tr.sent())
	}
}
