package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedClient paces outbound requests to the display using a
// golang.org/x/time/rate token bucket, without a cookie jar since this
// device needs no session state.
type rateLimitedClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newRateLimitedClient(timeout, every time.Duration, burst int) *rateLimitedClient {
	return &rateLimitedClient{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

func (c *rateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	r := c.limiter.Reserve()
	if !r.OK() {
		return nil, errors.New("invalid limiter configuration")
	}
	select {
	case <-req.Context().Done():
		r.Cancel() // an abandoned request gives its token back
		return nil, req.Context().Err()
	case <-time.After(r.Delay()):
		return c.client.Do(req)
	}
}

// TrySendResult is the outcome of DisplayClient.TrySend.
type TrySendResult int

const (
	Accepted TrySendResult = iota
	Busy
	Unreachable
	Rejected
)

// SlotMirror is the bounded local view of the display's remote upload
// queue. Capacity is learned from the display's first successful
// free-slots response; until then Capacity is 0 and every upload must go
// through the backlog.
type SlotMirror struct {
	Capacity uint32
	InFlight uint32
	learned  bool
}

// freeSlots returns the number of slots believed free, 0 if capacity is
// not yet learned.
func (s SlotMirror) freeSlots() uint32 {
	if !s.learned || s.InFlight > s.Capacity {
		return 0
	}
	return s.Capacity - s.InFlight
}

// DisplayStatus is the decoded response of the display's free-slots status
// endpoint, the shape the bridge expects the firmware to emit.
type DisplayStatus struct {
	Free     uint32 `json:"free"`
	Capacity uint32 `json:"capacity"`
}

// SlotEvent is emitted by DisplayClient after every successful probe and
// on each health-state change, so the Controller can rerun its drain step;
// the Controller keeps no copy of the Slot Mirror and reads free slots
// through FreeSlots(). Spec.md §5 makes the Controller the owner of
// record for scheduling decisions, but the Display Client is the only
// component that ever talks to the status endpoint, so it is the
// authoritative source these events are drawn from.
type SlotEvent struct {
	Mirror      SlotMirror
	Unreachable bool
	Recovered   bool
}

// DisplayClient is the HTTP contract against the LED matrix firmware:
// POST /image, POST /image-prio, GET /clear, GET <status>.
type DisplayClient struct {
	host   string
	client *rateLimitedClient
	log    *slog.Logger
	m      *metrics

	mu          sync.Mutex
	mirror      SlotMirror
	consecFail  int
	unreachable bool

	Events chan SlotEvent

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewDisplayClient targets host (e.g. "matrix-reloaded.local"). Uploads
// carry a 10s timeout; probes use a 200ms cadence.
func NewDisplayClient(host string, log *slog.Logger, m *metrics) *DisplayClient {
	return &DisplayClient{
		host:   host,
		client: newRateLimitedClient(10*time.Second, 50*time.Millisecond, 4),
		log:    log,
		m:      m,
		Events: make(chan SlotEvent, 8),
	}
}

// FreeSlots returns the number of slots the mirror currently believes are
// free, 0 if capacity has not yet been learned.
func (d *DisplayClient) FreeSlots() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mirror.freeSlots()
}

func (d *DisplayClient) url(path string) string {
	return fmt.Sprintf("http://%s%s", d.host, path)
}

// TrySend uploads key's bytes. prio selects /image-prio over /image.
// Accepted guarantees the bytes reached the display. Busy means either the
// mirror shows no free slot (no request is sent) or the display answered
// 503, 408 or another unclassified status. Rejected means the display
// refused this file (413/422). Unreachable means the client is already in
// the Unreachable state (no request is sent), or a transport failure or 500.
func (d *DisplayClient) TrySend(ctx context.Context, body []byte, contentType string, prio bool) TrySendResult {
	d.mu.Lock()
	if d.unreachable {
		d.mu.Unlock()
		return Unreachable
	}
	if d.mirror.freeSlots() == 0 {
		d.mu.Unlock()
		return Busy
	}
	d.mu.Unlock()

	path := "/image"
	if prio {
		path = "/image-prio"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url(path), bytes.NewReader(body))
	if err != nil {
		d.recordFailure()
		return Unreachable
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("display upload transport error", "err", err)
		d.recordFailure()
		return Unreachable
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.recordSuccess()
		d.mu.Lock()
		d.mirror.InFlight++
		d.m.slotInFlight.Set(float64(d.mirror.InFlight))
		d.mu.Unlock()
		d.m.uploadsAccepted.Inc()
		return Accepted

	case resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusRequestTimeout:
		// No free slot, or the device didn't answer in time: worth
		// retrying once a slot frees up, not a health failure.
		d.recordSuccess()
		return Busy

	case resp.StatusCode == http.StatusRequestEntityTooLarge, resp.StatusCode == http.StatusUnprocessableEntity:
		// The device rejected this specific file outright; retrying it
		// unchanged would just fail again, so the image is dropped.
		d.log.Warn("display rejected upload as malformed, dropping image", "status", resp.StatusCode)
		d.m.uploadsRejected.Inc()
		d.recordSuccess()
		return Rejected

	case resp.StatusCode == http.StatusInternalServerError:
		d.log.Warn("display internal server error on upload")
		d.recordFailure()
		return Unreachable

	default:
		d.m.uploadsRejected.Inc()
		d.recordSuccess() // reachable, just rejected this image
		return Busy
	}
}

// Clear issues GET /clear and resets InFlight to 0 on success.
func (d *DisplayClient) Clear(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url("/clear"), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure()
		return &TransportError{Component: "DisplayClient", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clear: HTTP %d", resp.StatusCode)
	}
	d.recordSuccess()
	d.mu.Lock()
	d.mirror.InFlight = 0
	d.m.slotInFlight.Set(0)
	d.mu.Unlock()
	return nil
}

// RunProbeLoop polls the status endpoint on a fixed cadence for as long as
// it runs, whether or not any image is in flight, updating the Slot
// Mirror and emitting
// SlotEvents to Events. Restartable: each call gets its own cancellation,
// so a Stop() followed by a fresh RunProbeLoop (an OFF then ON cycle)
// works without reconstructing the client.
func (d *DisplayClient) RunProbeLoop(ctx context.Context, cadence time.Duration) {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.loopMu.Lock()
	d.loopCancel = cancel
	d.loopDone = done
	d.loopMu.Unlock()
	defer close(done)

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			d.probeOnce(loopCtx)
		}
	}
}

func (d *DisplayClient) probeOnce(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url("/free-slots"), nil)
	if err != nil {
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure()
		return
	}
	defer resp.Body.Close()

	var status DisplayStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		logTrace(ctx, d.log, "display status decode failed", "err", err)
		return
	}
	d.recordSuccess()

	d.mu.Lock()
	d.mirror.Capacity = status.Capacity
	d.mirror.InFlight = status.Capacity - status.Free
	d.mirror.learned = true
	snapshot := d.mirror
	d.mu.Unlock()

	d.m.slotCapacity.Set(float64(snapshot.Capacity))
	d.m.slotInFlight.Set(float64(snapshot.InFlight))

	select {
	case d.Events <- SlotEvent{Mirror: snapshot}:
	default:
	}
}

func (d *DisplayClient) recordFailure() {
	d.mu.Lock()
	d.consecFail++
	trip := d.consecFail >= 3 && !d.unreachable
	if trip {
		d.unreachable = true
	}
	d.mu.Unlock()
	if trip {
		d.log.Warn("display client transitioning to Unreachable after 3 consecutive failures")
		select {
		case d.Events <- SlotEvent{Unreachable: true}:
		default:
		}
	}
}

func (d *DisplayClient) recordSuccess() {
	d.mu.Lock()
	d.consecFail = 0
	recovered := d.unreachable
	d.unreachable = false
	d.mu.Unlock()
	if recovered {
		d.log.Info("display client recovered, reachable again")
		select {
		case d.Events <- SlotEvent{Recovered: true}:
		default:
		}
	}
}

// Mirror returns a snapshot of the current Slot Mirror.
func (d *DisplayClient) Mirror() SlotMirror {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mirror
}

// Unreachable reports the current health state.
func (d *DisplayClient) Unreachable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unreachable
}

// Stop halts the probe loop if one is running. Idempotent.
func (d *DisplayClient) Stop() {
	d.loopMu.Lock()
	cancel := d.loopCancel
	done := d.loopDone
	d.loopCancel = nil
	d.loopDone = nil
	d.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
