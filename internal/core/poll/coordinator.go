// Package poll owns the refresh cycle against the Nanit cloud: fetch the
// device list, per-device event and connection status, conditionally the
// thumbnail, and swap the result into the snapshot store.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/trymwestin/nanitd/internal/core/auth"
	"github.com/trymwestin/nanitd/internal/core/state"
)

// ErrRefreshInFlight is returned when Refresh is called while a previous
// cycle is still running. Cycles are never allowed to overlap.
var ErrRefreshInFlight = errors.New("poll: refresh already in flight")

// API is the slice of the vendor client the coordinator needs.
type API interface {
	Babies(ctx context.Context, accessToken string) ([]auth.Baby, error)
	LatestEvent(ctx context.Context, accessToken, babyUID string) (auth.LatestEvent, error)
	ConnectionStatus(ctx context.Context, accessToken, cameraUID string) (auth.ConnectionStatus, error)
	LatestStats(ctx context.Context, accessToken, babyUID string) (auth.LatestStats, error)
}

// Session supplies credentials and the one-shot token refresh.
type Session interface {
	Token(ctx context.Context) (auth.Credential, error)
	ForceRefresh(ctx context.Context) (auth.Credential, error)
}

// Coordinator polls the cloud on a fixed interval and publishes snapshots.
// On an unauthorized response it refreshes the session once and retries the
// cycle once; a second rejection is terminal and stops the poll loop until a
// new login restarts it.
type Coordinator struct {
	api     API
	session Session
	store   *state.SnapshotStore
	bus     *state.EventBus
	log     *slog.Logger

	interval time.Duration
	timeout  time.Duration

	busy    atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
	stopped chan struct{}
	wakeCh  chan struct{}
}

// NewCoordinator creates a coordinator. interval is the poll period, timeout
// bounds a whole refresh cycle.
func NewCoordinator(
	api API,
	session Session,
	store *state.SnapshotStore,
	bus *state.EventBus,
	interval time.Duration,
	timeout time.Duration,
	log *slog.Logger,
) *Coordinator {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		api:      api,
		session:  session,
		store:    store,
		bus:      bus,
		log:      log,
		interval: interval,
		timeout:  timeout,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start launches the poll loop. It returns an error if already running.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("poll: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})

	go c.runLoop(ctx)
	return nil
}

// Stop halts the poll loop and waits for it to exit.
func (c *Coordinator) Stop(_ context.Context) error {
	if !c.running.Load() {
		return nil
	}
	c.cancel()
	<-c.stopped
	return nil
}

// Running reports whether the poll loop is active.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Wake triggers an immediate cycle without waiting for the next tick.
func (c *Coordinator) Wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Refresh runs one fetch cycle and, on success, atomically replaces the
// shared snapshot. On failure the previous snapshot is left untouched.
// Unauthorized responses trigger exactly one session refresh and one retry;
// everything else surfaces to the caller without internal retries.
func (c *Coordinator) Refresh(ctx context.Context) (*state.Snapshot, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrRefreshInFlight
	}
	defer c.busy.Store(false)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snap, err := c.fetch(ctx)
	if err != nil {
		var authErr *auth.AuthError
		if !errors.As(err, &authErr) {
			c.bus.Publish(state.Event{Type: state.EventRefreshError, Data: err.Error()})
			return nil, err
		}

		c.log.Warn("unauthorized response from nanit API, refreshing session")
		if _, rerr := c.session.ForceRefresh(ctx); rerr != nil {
			if errors.As(rerr, &authErr) {
				c.bus.Publish(state.Event{Type: state.EventAuthExpired})
			}
			return nil, rerr
		}

		c.log.Info("session refreshed, retrying update")
		snap, err = c.fetch(ctx)
		if err != nil {
			if errors.As(err, &authErr) {
				c.bus.Publish(state.Event{Type: state.EventAuthExpired})
			} else {
				c.bus.Publish(state.Event{Type: state.EventRefreshError, Data: err.Error()})
			}
			return nil, err
		}
	}

	c.store.Replace(snap)
	return snap, nil
}

// fetch runs one full cycle: device list, then per device the latest event,
// connection status and (when the event time changed) the thumbnail.
func (c *Coordinator) fetch(ctx context.Context) (*state.Snapshot, error) {
	cred, err := c.session.Token(ctx)
	if err != nil {
		return nil, err
	}

	babies, err := c.api.Babies(ctx, cred.AccessToken)
	if err != nil {
		return nil, err
	}

	prev := c.store.Current()
	out := make(map[string]state.Baby, len(babies))

	for _, b := range babies {
		ev, err := c.api.LatestEvent(ctx, cred.AccessToken, b.UID)
		if err != nil {
			return nil, fmt.Errorf("baby %s: %w", b.UID, err)
		}

		cs, err := c.api.ConnectionStatus(ctx, cred.AccessToken, b.Camera.UID)
		if err != nil {
			return nil, fmt.Errorf("baby %s: %w", b.UID, err)
		}

		var prevBaby *state.Baby
		if prev != nil {
			if pb, ok := prev.Babies[b.UID]; ok {
				prevBaby = &pb
			}
		}

		meta := state.Baby{
			UID:  b.UID,
			Name: b.Name,
			Camera: state.Camera{
				UID:             b.Camera.UID,
				Hardware:        b.Camera.Hardware,
				Mode:            b.Camera.Mode,
				FirmwareVersion: b.Camera.FirmwareVersion,
			},
			LatestEvent: state.LatestEvent{Key: ev.Key, Time: ev.Time},
			Connection:  state.ConnectionStatus{Connected: cs.Connected, LastSeen: cs.LastSeen},
		}

		if needsThumbnailRefresh(prevBaby, ev.Time) {
			c.log.Info("latest event changed, fetching new thumbnail", "baby_uid", b.UID, "event_key", ev.Key)
			stats, err := c.api.LatestStats(ctx, cred.AccessToken, b.UID)
			if err != nil {
				// A stale or missing thumbnail is not worth failing
				// the cycle over.
				c.log.Warn("failed to fetch latest stats", "baby_uid", b.UID, "error", err)
			} else {
				meta.ThumbnailURL = stats.ThumbnailURL
			}
		} else {
			meta.ThumbnailURL = prevBaby.ThumbnailURL
		}

		out[b.UID] = meta
	}

	return &state.Snapshot{Babies: out, FetchedAt: time.Now()}, nil
}

func (c *Coordinator) runLoop(ctx context.Context) {
	defer close(c.stopped)
	defer c.running.Store(false)

	c.log.Info("poll loop started", "interval", c.interval)

	// First refresh runs immediately so consumers have data as soon as the
	// daemon comes up.
	if terminal := c.cycle(ctx); terminal {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("poll loop stopping")
			return
		case <-c.wakeCh:
			if terminal := c.cycle(ctx); terminal {
				return
			}
		case <-ticker.C:
			if terminal := c.cycle(ctx); terminal {
				return
			}
		}
	}
}

// cycle runs one scheduled refresh. It reports true when the loop must stop
// for good (authentication is irrecoverably broken).
func (c *Coordinator) cycle(ctx context.Context) (terminal bool) {
	if c.bus.SubscriberCount() == 0 {
		c.log.Debug("no subscribers, skipping refresh")
		return false
	}

	_, err := c.Refresh(ctx)
	if err == nil || errors.Is(err, ErrRefreshInFlight) {
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		c.log.Error("authentication failed, stopping scheduled refreshes until re-login", "error", err)
		return true
	}

	c.log.Warn("refresh failed, will retry on next tick", "error", err)
	return false
}

// needsThumbnailRefresh decides whether the thumbnail must be refetched this
// cycle: only when the device is new or its latest-event time changed.
func needsThumbnailRefresh(prev *state.Baby, eventTime float64) bool {
	if prev == nil {
		return true
	}
	return prev.LatestEvent.Time != eventTime
}
