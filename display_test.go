package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDisplayClient(t *testing.T, host string) *DisplayClient {
	t.Helper()
	log := NewLogger(LevelTrace, true, true)
	m := NewMetrics(nil)
	d := NewDisplayClient(host, log, m)
	return d
}

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	return u.Host
}

func TestDisplayClientTrySendBusyBeforeCapacityLearned(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	d := newTestDisplayClient(t, hostOf(t, srv))

	got := d.TrySend(context.Background(), []byte("x"), "image/png", false)
	if got != Busy {
		t.Errorf("TrySend before capacity learned = %v, want Busy", got)
	}
}

func TestDisplayClientProbeOnceLearnsCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/free-slots" {
			json.NewEncoder(w).Encode(DisplayStatus{Free: 3, Capacity: 4})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	d := newTestDisplayClient(t, hostOf(t, srv))

	d.probeOnce(context.Background())

	mirror := d.Mirror()
	if mirror.Capacity != 4 || mirror.InFlight != 1 {
		t.Errorf("Mirror() = %+v, want Capacity 4 InFlight 1", mirror)
	}
	if got := d.FreeSlots(); got != 3 {
		t.Errorf("FreeSlots() = %d, want 3", got)
	}

	select {
	case ev := <-d.Events:
		if ev.Mirror.Capacity != 4 {
			t.Errorf("event mirror capacity = %d, want 4", ev.Mirror.Capacity)
		}
	default:
		t.Error("expected a SlotEvent after probeOnce")
	}
}

func TestDisplayClientTrySendAcceptedPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/free-slots":
			json.NewEncoder(w).Encode(DisplayStatus{Free: 2, Capacity: 2})
		case "/image", "/image-prio":
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()
	d := newTestDisplayClient(t, hostOf(t, srv))
	d.probeOnce(context.Background())

	if got := d.TrySend(context.Background(), []byte("abc"), "image/gif", false); got != Accepted {
		t.Fatalf("TrySend = %v, want Accepted", got)
	}
	if gotPath != "/image" {
		t.Errorf("upload path = %q, want /image", gotPath)
	}

	if got := d.TrySend(context.Background(), []byte("abc"), "image/gif", true); got != Accepted {
		t.Fatalf("TrySend prio = %v, want Accepted", got)
	}
	if gotPath != "/image-prio" {
		t.Errorf("upload path = %q, want /image-prio", gotPath)
	}
}

func TestDisplayClientTrySend503IsBusyNotUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/free-slots":
			json.NewEncoder(w).Encode(DisplayStatus{Free: 1, Capacity: 1})
		case "/image":
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	d := newTestDisplayClient(t, hostOf(t, srv))
	d.probeOnce(context.Background())

	if got := d.TrySend(context.Background(), []byte("x"), "image/png", false); got != Busy {
		t.Errorf("TrySend on 503 = %v, want Busy", got)
	}
	if d.Unreachable() {
		t.Error("503 must not trip the Unreachable health state")
	}
}

func TestDisplayClientTrySend413IsRejectedNotBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/free-slots":
			json.NewEncoder(w).Encode(DisplayStatus{Free: 1, Capacity: 1})
		case "/image":
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		}
	}))
	defer srv.Close()
	d := newTestDisplayClient(t, hostOf(t, srv))
	d.probeOnce(context.Background())

	if got := d.TrySend(context.Background(), []byte("x"), "image/png", false); got != Rejected {
		t.Errorf("TrySend on 413 = %v, want Rejected", got)
	}
	if d.Unreachable() {
		t.Error("413 must not trip the Unreachable health state")
	}
}

func TestDisplayClientThreeConsecutiveFailuresTripUnreachable(t *testing.T) {
	var fails int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/free-slots":
			json.NewEncoder(w).Encode(DisplayStatus{Free: 1, Capacity: 1})
		case "/image":
			atomic.AddInt32(&fails, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	d := newTestDisplayClient(t, hostOf(t, srv))
	d.probeOnce(context.Background())
	<-d.Events // the probe's own mirror SlotEvent, queued ahead of the trip

	for i := 0; i < 3; i++ {
		d.TrySend(context.Background(), []byte("x"), "image/png", false)
	}
	if !d.Unreachable() {
		t.Error("expected Unreachable after 3 consecutive 500s")
	}

	// drain the Unreachable event emitted on trip.
	select {
	case ev := <-d.Events:
		if !ev.Unreachable {
			t.Errorf("expected an Unreachable SlotEvent, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("expected an Unreachable SlotEvent within 1s")
	}
}

func TestDisplayClientClearResetsInFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/free-slots":
			json.NewEncoder(w).Encode(DisplayStatus{Free: 0, Capacity: 2})
		case "/clear":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()
	d := newTestDisplayClient(t, hostOf(t, srv))
	d.probeOnce(context.Background())

	if got := d.FreeSlots(); got != 0 {
		t.Fatalf("FreeSlots() before Clear = %d, want 0", got)
	}
	if err := d.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := d.Mirror().InFlight; got != 0 {
		t.Errorf("InFlight after Clear = %d, want 0", got)
	}
}

func TestDisplayClientRunProbeLoopIsRestartableAcrossStop(t *testing.T) {
	var probes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/free-slots" {
			atomic.AddInt32(&probes, 1)
			json.NewEncoder(w).Encode(DisplayStatus{Free: 1, Capacity: 1})
		}
	}))
	defer srv.Close()
	d := newTestDisplayClient(t, hostOf(t, srv))

	ctx := context.Background()
	go d.RunProbeLoop(ctx, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	d.Stop()
	firstRoundProbes := atomic.LoadInt32(&probes)
	if firstRoundProbes == 0 {
		t.Fatal("expected at least one probe during first RunProbeLoop")
	}

	// OFF -> ON cycle: a second RunProbeLoop call after Stop must not panic
	// on reusing closed channels, and must resume probing.
	go d.RunProbeLoop(ctx, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	d.Stop()

	if atomic.LoadInt32(&probes) <= firstRoundProbes {
		t.Error("expected additional probes after restarting RunProbeLoop")
	}
}

func TestDisplayClientStopWithoutRunIsNoOp(t *testing.T) {
	d := newTestDisplayClient(t, "127.0.0.1:0")
	d.Stop() // must not block or panic when nothing is running
}
