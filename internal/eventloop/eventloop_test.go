package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestManual_timersFireInOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []string
	m.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	m.AfterFunc(1*time.Second, func() {
		got = append(got, "a")
		m.Post(func() { got = append(got, "a-post") })
	})
	stop := m.AfterFunc(1500*time.Millisecond, func() { got = append(got, "stopped") })
	if !stop.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	m.Advance(1500 * time.Millisecond)
	if len(got) != 2 || got[0] != "a" || got[1] != "a-post" {
		t.Fatalf("after 1.5s: %v", got)
	}
	if m.Pending() != 1 {
		t.Errorf("pending = %d", m.Pending())
	}
	m.Advance(time.Second)
	if len(got) != 3 || got[2] != "b" {
		t.Fatalf("after 2.5s: %v", got)
	}
	if want := time.Unix(0, 0).Add(2500 * time.Millisecond); !m.Now().Equal(want) {
		t.Errorf("now = %v want %v", m.Now(), want)
	}
}

func TestManual_clockDuringTimer(t *testing.T) {
	m := NewManual(time.Unix(100, 0))
	var at time.Time
	m.AfterFunc(3*time.Second, func() { at = m.Now() })
	m.Advance(10 * time.Second)
	if !at.Equal(time.Unix(103, 0)) {
		t.Errorf("timer saw now = %v", at)
	}
}

func TestManual_goPostsContinuation(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	step := 0
	m.Go(func() func() {
		step = 1
		return func() { step = 2 }
	})
	if step != 1 {
		t.Fatalf("blocking part not run inline: %d", step)
	}
	m.Drain()
	if step != 2 {
		t.Fatalf("continuation not run: %d", step)
	}
}

func TestLoop_postAndTimer(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	defer l.Stop()

	var n int32
	done := make(chan struct{})
	l.Post(func() { atomic.AddInt32(&n, 1) })
	l.AfterFunc(10*time.Millisecond, func() {
		atomic.AddInt32(&n, 1)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if atomic.LoadInt32(&n) != 2 {
		t.Errorf("n = %d", n)
	}
}

func TestLoop_stoppedTimerDoesNotRun(t *testing.T) {
	l := New()
	go l.Run(context.Background())
	defer l.Stop()

	fired := make(chan struct{}, 1)
	var tm Timer
	if err := l.Call(context.Background(), func() {
		tm = l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	}); err != nil {
		t.Fatal(err)
	}
	if err := l.Call(context.Background(), func() { tm.Stop() }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoop_goContinuationOnLoop(t *testing.T) {
	l := New()
	go l.Run(context.Background())
	defer l.Stop()

	got := make(chan int, 1)
	l.Go(func() func() {
		v := 42
		return func() { got <- v }
	})
	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("v = %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never ran")
	}
}
