package upstream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loomwork/conductor/internal/metrics"
)

func TestProgressSinkPushAndClose(t *testing.T) {
	sink := newProgressSink()

	sink.push(ProgressUpdate{Kind: UpdateDelta, Delta: "hello"})
	got := <-sink.ch
	if got.Kind != UpdateDelta || got.Delta != "hello" {
		t.Fatalf("got %+v", got)
	}

	sink.closeWith(nil)

	done, ok := <-sink.ch
	if !ok {
		t.Fatal("expected a terminal Done update before the channel closes")
	}
	if done.Kind != UpdateDone || done.Err != nil {
		t.Fatalf("terminal update = %+v", done)
	}

	if _, ok := <-sink.ch; ok {
		t.Fatal("channel should be closed after the Done update")
	}
}

func TestProgressSinkCloseWithErrorCarriesIt(t *testing.T) {
	sink := newProgressSink()
	sink.closeWith(errInactivityTimeout)

	got := <-sink.ch
	if got.Err != errInactivityTimeout {
		t.Fatalf("got.Err = %v, want %v", got.Err, errInactivityTimeout)
	}
}

func TestProgressSinkPushAfterCloseIsNoop(t *testing.T) {
	sink := newProgressSink()
	sink.closeWith(nil)
	<-sink.ch // drain the Done marker

	// Must not panic (send on closed channel) and must not block.
	done := make(chan struct{})
	go func() {
		sink.push(ProgressUpdate{Kind: UpdateDelta, Delta: "late"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push after close blocked")
	}
}

func TestCollectProgressRecordsStreamDurationMetric(t *testing.T) {
	s := newBareSession(Config{})
	m := metrics.New("upstreamtest")
	s.SetMetrics(m)

	stream := s.collectProgress("tok-1", "chat", time.Second, time.Second)
	s.routeProgress("tok-1", ProgressUpdate{}, true)

	for range stream {
	}
	// The recording defer runs before collectProgress's goroutine deletes
	// the sink from the registry, so waiting for that deletion guarantees
	// the metric has already landed.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.progress.Lookup("tok-1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for progress sink cleanup")
		}
		time.Sleep(time.Millisecond)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	body := rr.Body.String()
	if !strings.Contains(body, "upstreamtest_upstream_progress_stream_duration_seconds") {
		t.Fatalf("expected progress_stream_duration_seconds in exposition, got:\n%s", body)
	}
}

func TestProgressSinkIdleSince(t *testing.T) {
	sink := newProgressSink()
	if sink.idleSince() > time.Second {
		t.Fatalf("freshly created sink reports large idle time: %v", sink.idleSince())
	}
	sink.push(ProgressUpdate{Kind: UpdateDelta, Delta: "x"})
	<-sink.ch
	if sink.idleSince() > time.Second {
		t.Fatalf("idle time right after push should be small: %v", sink.idleSince())
	}
}
