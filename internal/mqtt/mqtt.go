// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs per baby monitor, forwards snapshot updates from the
// EventBus, and relays a refresh command back to the poll coordinator.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/nanitd/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
}

// ---------------------------------------------------------------------------
// Refresher – abstraction over the poll coordinator
// ---------------------------------------------------------------------------

// Refresher triggers an on-demand refresh cycle without importing the poll
// package directly.
type Refresher interface {
	Refresh(ctx context.Context) (*state.Snapshot, error)
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs per baby,
// forwards snapshot updates from the EventBus, and handles the refresh
// command topic.
type HAPublisher struct {
	cfg       MQTTConfig
	store     state.SnapshotReader
	bus       *state.EventBus
	refresher Refresher
	log       *slog.Logger

	client pahomqtt.Client

	mu         sync.Mutex
	discovered map[string]bool // baby UIDs with discovery published

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg MQTTConfig, store state.SnapshotReader, bus *state.EventBus, refresher Refresher, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		refresher:  refresher,
		log:        log,
		discovered: make(map[string]bool),
		stopC:      make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs for every
// known baby, subscribes to the refresh command topic, publishes the current
// snapshot, and starts listening on the EventBus for updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("nanitd-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Subscribe to EventBus.
	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	// Signal event loop to exit.
	close(p.stopC)

	// Unsubscribe from EventBus (will drain the channel).
	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish online availability (retained).
	p.publish(p.topic("status"), "online", true)

	// 2. Publish discovery configs for babies we already know about.
	if snap := p.store.Current(); snap != nil {
		for _, baby := range snap.Babies {
			p.ensureDiscovery(baby)
		}
	}

	// 3. Subscribe to the refresh command topic.
	p.subscribeCommands()

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.mu.Lock()
			p.discovered = make(map[string]bool)
			p.mu.Unlock()
			p.publishFullState()
		}
	})

	// 5. Publish the current snapshot.
	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// deviceInfo returns the HA device block for one baby monitor.
func (p *HAPublisher) deviceInfo(baby state.Baby) map[string]interface{} {
	return map[string]interface{}{
		"identifiers":   []string{baby.UID},
		"name":          fmt.Sprintf("Nanit %s", baby.Name),
		"manufacturer":  "Nanit",
		"model":         baby.Camera.Hardware,
		"serial_number": baby.Camera.UID,
		"sw_version":    baby.Camera.FirmwareVersion,
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, babyUID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, babyUID, objectID)
}

// ensureDiscovery publishes the discovery configs for a baby once per
// connection.
func (p *HAPublisher) ensureDiscovery(baby state.Baby) {
	p.mu.Lock()
	if p.discovered[baby.UID] {
		p.mu.Unlock()
		return
	}
	p.discovered[baby.UID] = true
	p.mu.Unlock()

	dev := p.deviceInfo(baby)
	avail := map[string]interface{}{
		"topic": p.topic("status"),
	}
	uid := baby.UID

	p.publishDiscoveryConfig("binary_sensor", uid, "connection", map[string]interface{}{
		"name":         fmt.Sprintf("Nanit %s Connection", baby.Name),
		"unique_id":    fmt.Sprintf("%s_connection", uid),
		"state_topic":  p.babyTopic(uid, "connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})

	p.publishDiscoveryConfig("sensor", uid, "latest_event", map[string]interface{}{
		"name":                  fmt.Sprintf("Nanit %s Latest Event", baby.Name),
		"unique_id":             fmt.Sprintf("%s_latest_event", uid),
		"state_topic":           p.babyTopic(uid, "event/state"),
		"json_attributes_topic": p.babyTopic(uid, "event/attributes"),
		"device":                dev,
		"availability":          avail,
	})

	p.publishDiscoveryConfig("image", uid, "thumbnail", map[string]interface{}{
		"name":         fmt.Sprintf("Nanit %s Thumbnail", baby.Name),
		"unique_id":    fmt.Sprintf("%s_thumbnail", uid),
		"url_topic":    p.babyTopic(uid, "thumbnail/state"),
		"device":       dev,
		"availability": avail,
	})

	p.publishDiscoveryConfig("button", uid, "refresh", map[string]interface{}{
		"name":          fmt.Sprintf("Nanit %s Refresh", baby.Name),
		"unique_id":     fmt.Sprintf("%s_refresh", uid),
		"command_topic": p.topic("refresh/set"),
		"device":        dev,
		"availability":  avail,
	})
}

func (p *HAPublisher) publishDiscoveryConfig(component, babyUID, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, babyUID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	t := p.topic("refresh/set")
	token := p.client.Subscribe(t, 1, p.handleRefreshCmd)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
	}
}

func (p *HAPublisher) handleRefreshCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: refresh")
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if _, err := p.refresher.Refresh(ctx); err != nil {
		p.log.Error("refresh command failed", "error", err)
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishFullState publishes the complete current snapshot.
func (p *HAPublisher) publishFullState() {
	snap := p.store.Current()
	if snap == nil {
		return
	}
	p.publishSnapshot(snap)
}

func (p *HAPublisher) publishSnapshot(snap *state.Snapshot) {
	for _, baby := range snap.Babies {
		p.ensureDiscovery(baby)
		p.publishBabyState(baby)
	}
}

func (p *HAPublisher) publishBabyState(baby state.Baby) {
	uid := baby.UID

	p.publish(p.babyTopic(uid, "connection/state"), boolToOnOff(baby.Connection.Connected), true)
	p.publish(p.babyTopic(uid, "event/state"), baby.LatestEvent.Key, true)

	attrs := map[string]interface{}{
		"time": baby.LatestEvent.Time,
	}
	if !baby.Connection.LastSeen.IsZero() {
		attrs["last_seen"] = baby.Connection.LastSeen.Format(time.RFC3339)
	}
	if baby.ThumbnailURL != "" {
		attrs["thumbnail_url"] = baby.ThumbnailURL
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		p.log.Error("failed to marshal event attributes", "baby_uid", uid, "error", err)
	} else {
		p.publish(p.babyTopic(uid, "event/attributes"), string(data), true)
	}

	if baby.ThumbnailURL != "" {
		p.publish(p.babyTopic(uid, "thumbnail/state"), baby.ThumbnailURL, true)
	}
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventSnapshotUpdate:
		snap, ok := evt.Data.(*state.Snapshot)
		if !ok {
			p.log.Warn("unexpected data type for snapshot_update")
			return
		}
		p.publishSnapshot(snap)

	case state.EventDeviceOnline:
		p.publish(p.babyTopic(evt.BabyUID, "connection/state"), "ON", true)

	case state.EventDeviceOffline:
		p.publish(p.babyTopic(evt.BabyUID, "connection/state"), "OFF", true)

	case state.EventAuthExpired:
		p.publish(p.topic("auth/state"), "expired", true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

// babyTopic builds a per-baby topic path: {prefix}/{baby_uid}/{suffix}.
func (p *HAPublisher) babyTopic(babyUID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, babyUID, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
