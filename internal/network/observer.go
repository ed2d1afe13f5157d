// Package network watches device connectivity and classifies it.
package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cboydstun/bounce-v3-sub002/internal/logger"
)

// Quality classifies the connection beyond a plain online/offline bit.
type Quality string

const (
	QualityUnknown  Quality = "unknown"
	QualityNormal   Quality = "normal"
	QualityDegraded Quality = "degraded"
)

// Status is the transient connectivity snapshot. It is recomputed on every
// probe and never persisted.
type Status struct {
	Online  bool    `json:"online"`
	Quality Quality `json:"quality"`
}

// Listener receives status snapshots on every online/offline or quality
// transition.
type Listener func(Status)

// Observer probes a remote URL on an interval and notifies listeners when the
// classification changes. SetStatus injects a status directly for platforms
// that push connectivity signals (and for tests).
type Observer struct {
	probeURL          string
	interval          time.Duration
	degradedThreshold time.Duration
	client            *http.Client

	mu        sync.Mutex
	status    Status
	listeners []Listener
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewObserver(probeURL string, interval, degradedThreshold time.Duration) *Observer {
	return &Observer{
		probeURL:          probeURL,
		interval:          interval,
		degradedThreshold: degradedThreshold,
		client:            &http.Client{Timeout: 10 * time.Second},
		status:            Status{Online: false, Quality: QualityUnknown},
	}
}

// Status returns the current connectivity snapshot.
func (o *Observer) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Online reports whether the device currently has connectivity.
func (o *Observer) Online() bool {
	return o.Status().Online
}

// OnChange registers a listener for status transitions.
func (o *Observer) OnChange(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// SetStatus injects a connectivity status, notifying listeners on change.
func (o *Observer) SetStatus(status Status) {
	o.mu.Lock()
	changed := status != o.status
	o.status = status
	listeners := make([]Listener, len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	if !changed {
		return
	}

	logger.Log.Info("Network status changed",
		zap.Bool("online", status.Online),
		zap.String("quality", string(status.Quality)),
	)

	for _, l := range listeners {
		l(status)
	}
}

// Start launches the background probe loop. It is a no-op if the observer is
// already running or has no probe URL configured.
func (o *Observer) Start() {
	o.mu.Lock()
	if o.running || o.probeURL == "" {
		o.mu.Unlock()
		return
	}
	o.running = true
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		// Probe once immediately so the first status does not wait a full tick.
		o.SetStatus(o.probe(ctx))

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.SetStatus(o.probe(ctx))
			}
		}
	}()
}

// Stop halts the probe loop.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
}

func (o *Observer) probe(ctx context.Context) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.probeURL, nil)
	if err != nil {
		return Status{Online: false, Quality: QualityUnknown}
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return Status{Online: false, Quality: QualityUnknown}
	}
	resp.Body.Close()

	quality := QualityNormal
	if time.Since(start) > o.degradedThreshold {
		quality = QualityDegraded
	}
	return Status{Online: true, Quality: quality}
}
