package mqtt

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/nanitd/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPublisher() *HAPublisher {
	cfg := MQTTConfig{
		Broker:      "tcp://localhost:1883",
		TopicPrefix: "nanit",
		DeviceID:    "nanit_cloud_01",
	}
	bus := state.NewEventBus(testLogger())
	store := state.NewSnapshotStore(bus, testLogger())
	return NewHAPublisher(cfg, store, bus, nil, testLogger())
}

func TestTopics(t *testing.T) {
	p := newTestPublisher()

	assert.Equal(t, "nanit/nanit_cloud_01/status", p.topic("status"))
	assert.Equal(t, "nanit/nanit_cloud_01/refresh/set", p.topic("refresh/set"))
	assert.Equal(t, "nanit/baby-1/connection/state", p.babyTopic("baby-1", "connection/state"))
	assert.Equal(t, "homeassistant/sensor/baby-1_latest_event/config", discoveryTopic("sensor", "baby-1", "latest_event"))
}

func TestDeviceInfo(t *testing.T) {
	p := newTestPublisher()

	baby := state.Baby{
		UID:  "baby-1",
		Name: "June",
		Camera: state.Camera{
			UID:             "cam-1",
			Hardware:        "pro",
			FirmwareVersion: "1.2.3",
		},
	}

	dev := p.deviceInfo(baby)
	assert.Equal(t, []string{"baby-1"}, dev["identifiers"])
	assert.Equal(t, "Nanit June", dev["name"])
	assert.Equal(t, "Nanit", dev["manufacturer"])
	assert.Equal(t, "pro", dev["model"])
	assert.Equal(t, "cam-1", dev["serial_number"])
}

func TestEnsureDiscoveryPublishesOnce(t *testing.T) {
	p := newTestPublisher()
	baby := state.Baby{UID: "baby-1", Name: "June"}

	// client is nil so publish is a no-op, but the bookkeeping still runs
	p.ensureDiscovery(baby)
	require.True(t, p.discovered["baby-1"])

	// second call is a no-op as well
	p.ensureDiscovery(baby)
	assert.Len(t, p.discovered, 1)
}

func TestBoolToOnOff(t *testing.T) {
	assert.Equal(t, "ON", boolToOnOff(true))
	assert.Equal(t, "OFF", boolToOnOff(false))
}

func TestStubPublisher(t *testing.T) {
	stub := NewStubPublisher(testLogger())
	require.NoError(t, stub.Start(context.Background()))
	require.NoError(t, stub.Stop(context.Background()))
}
