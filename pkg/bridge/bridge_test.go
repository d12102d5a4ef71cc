package bridge_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/illmade-knight/go-mqttbridge/pkg/bridge"
	"github.com/illmade-knight/go-mqttbridge/pkg/buffer"
	"github.com/illmade-knight/go-mqttbridge/pkg/deadletter"
	"github.com/illmade-knight/go-mqttbridge/pkg/memory"
	"github.com/illmade-knight/go-mqttbridge/pkg/mqttconverter"
	"github.com/illmade-knight/go-mqttbridge/pkg/presence"
	"github.com/illmade-knight/go-mqttbridge/pkg/publisher"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---
type mockToken struct{}

func (m *mockToken) Wait() bool                       { return true }
func (m *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return nil }

type mockMqttMessage struct {
	topic   string
	payload []byte
}

func (m *mockMqttMessage) Topic() string     { return m.topic }
func (m *mockMqttMessage) Payload() []byte   { return m.payload }
func (m *mockMqttMessage) MessageID() uint16 { return 1 }
func (m *mockMqttMessage) Duplicate() bool   { return false }
func (m *mockMqttMessage) Qos() byte         { return 0 }
func (m *mockMqttMessage) Retained() bool    { return false }
func (m *mockMqttMessage) Ack()              {}

type retainedPublish struct {
	topic    string
	retained bool
	payload  []byte
}

type mockMqttClient struct {
	mu          sync.Mutex
	isConnected bool
	published   []retainedPublish
	onPublish   func(topic string)
}

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}
func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }
func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = true
	return &mockToken{}
}
func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = false
}
func (m *mockMqttClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	m.published = append(m.published, retainedPublish{topic: topic, retained: retained, payload: payload.([]byte)})
	hook := m.onPublish
	m.mu.Unlock()
	if hook != nil {
		hook(topic)
	}
	return &mockToken{}
}
func (m *mockMqttClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return &mockToken{} }
func (m *mockMqttClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}
func (m *mockMqttClient) Unsubscribe(...string) mqtt.Token        { return &mockToken{} }
func (m *mockMqttClient) AddRoute(string, mqtt.MessageHandler)    {}
func (m *mockMqttClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (m *mockMqttClient) lastStatus(t *testing.T) (mqttconverter.StatusMessage, bool) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.published)
	last := m.published[len(m.published)-1]
	var s mqttconverter.StatusMessage
	require.NoError(t, json.Unmarshal(last.payload, &s))
	return s, last.retained
}

type fakeBatchClient struct {
	mu        sync.Mutex
	published map[string][]types.BufferedEntry
	stopped   bool
	fail      bool
}

func (f *fakeBatchClient) PublishBatch(_ context.Context, topicID string, entries []types.BufferedEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("pubsub unavailable")
	}
	if f.published == nil {
		f.published = make(map[string][]types.BufferedEntry)
	}
	f.published[topicID] = append(f.published[topicID], entries...)
	return nil
}

func (f *fakeBatchClient) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeBatchClient) get(topic string) []types.BufferedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[topic]
}

type memObject struct{ strings.Builder }

func (o *memObject) Close() error { return nil }

type memStore struct {
	mu      sync.Mutex
	objects []string
}

func (s *memStore) NewObjectWriter(_ context.Context, bucket, object string) io.WriteCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append(s.objects, bucket+"/"+object)
	return &memObject{}
}

// --- Helpers ---
func testBridgeConfig() *bridge.Config {
	return &bridge.Config{
		LogLevel:            "info",
		HTTPPort:            ":0",
		AllowedOrigins:      []string{"http://localhost:3000"},
		SensorTopic:         "iot-sensor-readings",
		RegistrationTopic:   "iot-device-registration",
		ShutdownGracePeriod: 5 * time.Second,
		FinalFlushTimeout:   2 * time.Second,
		MQTT: &mqttconverter.MQTTClientConfig{
			BrokerURL:       "tcp://localhost:1883",
			Username:        "bridge",
			Password:        "secret",
			ClientIDPrefix:  "mqtt-bridge-",
			StatusTopic:     "bridge/status",
			KeepAlive:       time.Second,
			ConnectTimeout:  time.Second,
			ReconnectPeriod: time.Second,
		},
		Pubsub:    &publisher.PubsubConfig{ProjectID: "test-project"},
		Publisher: publisher.DefaultConfig(),
		Buffer: &buffer.Config{
			MaxBufferSize:  100,
			FlushThreshold: 0.7,
			FlushInterval:  time.Hour,
			ChunkSize:      50,
		},
		Memory: &memory.Config{
			Interval:   time.Hour,
			Thresholds: memory.Thresholds{Warning: 0.90, Critical: 0.95},
		},
		Presence: &presence.Config{Backend: presence.BackendMemory, MemorySize: 100, WriteTimeout: time.Second},
	}
}

type testBridge struct {
	*bridge.Bridge
	client *fakeBatchClient
	mqtt   *mockMqttClient
	opts   *mqtt.ClientOptions
}

func heapAt(percent float64) memory.Sampler {
	return memory.SamplerFunc(func() memory.Usage {
		return memory.Usage{HeapUsed: uint64(percent * 10), HeapTotal: 1000, Percent: percent}
	})
}

// newTestBridge builds and starts a bridge around a mock MQTT client and a
// fake batch client. connect simulates the broker accepting the session.
func newTestBridge(t *testing.T, sampler memory.Sampler, connect bool) *testBridge {
	t.Helper()
	tb := &testBridge{client: &fakeBatchClient{}, mqtt: &mockMqttClient{}}
	factory := mqttconverter.WithClientFactory(func(o *mqtt.ClientOptions) mqtt.Client {
		tb.opts = o
		return tb.mqtt
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b, err := bridge.New(ctx, testBridgeConfig(), tb.client, zerolog.Nop(),
		bridge.WithMQTTOptions(factory),
		bridge.WithMemorySampler(sampler),
	)
	require.NoError(t, err)
	tb.Bridge = b

	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = b.Shutdown(shutdownCtx)
	})
	if connect {
		tb.opts.OnConnect(tb.mqtt)
	}
	return tb
}

func (tb *testBridge) deliver(topic, payload string) {
	tb.Connection().MessageHandler()(tb.mqtt, &mockMqttMessage{topic: topic, payload: []byte(payload)})
}

func (tb *testBridge) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	tb.Handler().ServeHTTP(rec, req)
	return rec
}

// --- Test Cases ---

func TestBridge_New(t *testing.T) {
	ctx := context.Background()
	_, err := bridge.New(ctx, nil, &fakeBatchClient{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = bridge.New(ctx, testBridgeConfig(), nil, zerolog.Nop())
	assert.Error(t, err)

	cfg := testBridgeConfig()
	cfg.Presence.Backend = "memcached"
	_, err = bridge.New(ctx, cfg, &fakeBatchClient{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestBridge_DeadLetter(t *testing.T) {
	t.Run("enabled archive requires a store", func(t *testing.T) {
		cfg := testBridgeConfig()
		cfg.DeadLetter = &deadletter.Config{Bucket: "dead-letters"}
		_, err := bridge.New(context.Background(), cfg, &fakeBatchClient{}, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("undeliverable entries are archived on shutdown", func(t *testing.T) {
		store := &memStore{}
		client := &fakeBatchClient{fail: true}
		cfg := testBridgeConfig()
		cfg.DeadLetter = &deadletter.Config{Bucket: "dead-letters", ObjectPrefix: "bridge"}
		cfg.Publisher.InitialBackoff = time.Millisecond
		cfg.Publisher.MaxBackoff = 5 * time.Millisecond

		var opts *mqtt.ClientOptions
		mock := &mockMqttClient{}
		b, err := bridge.New(context.Background(), cfg, client, zerolog.Nop(),
			bridge.WithDeadLetterStore(store),
			bridge.WithMemorySampler(heapAt(10)),
			bridge.WithMQTTOptions(mqttconverter.WithClientFactory(func(o *mqtt.ClientOptions) mqtt.Client {
				opts = o
				return mock
			})),
		)
		require.NoError(t, err)
		require.NoError(t, b.Start(context.Background()))
		opts.OnConnect(mock)

		b.Connection().MessageHandler()(mock, &mockMqttMessage{topic: "device/registration/esp32_001", payload: []byte(`{}`)})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)
		err = b.Shutdown(ctx)
		require.Error(t, err, "the final flush failed")

		store.mu.Lock()
		defer store.mu.Unlock()
		require.Len(t, store.objects, 1)
		assert.True(t, strings.HasPrefix(store.objects[0], "dead-letters/bridge/iot-device-registration/"))
		assert.Equal(t, int64(1), b.Metrics().Snapshot().Failed)
	})
}

func TestBridge_GracefulShutdownFlushesPending(t *testing.T) {
	tb := newTestBridge(t, heapAt(10), true)

	tb.deliver("device/sensordata/arduino_001", `{"temperature":21.0}`)
	tb.deliver("device/sensordata/arduino_001", `{"temperature":21.5}`)
	tb.deliver("device/sensordata/arduino_002", `{"temperature":19.0}`)
	require.Equal(t, 3, tb.Buffers().Total())
	require.Empty(t, tb.client.get("iot-sensor-readings"), "three entries are below the flush threshold")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, tb.Shutdown(ctx))

	published := tb.client.get("iot-sensor-readings")
	require.Len(t, published, 3)
	assert.JSONEq(t, `{"temperature":21.0}`, string(published[0].Payload))
	assert.Equal(t, "arduino_002", published[2].DeviceID())
	assert.Equal(t, 0, tb.Buffers().Total())
	assert.Equal(t, int64(3), tb.Metrics().Snapshot().Published)

	status, retained := tb.mqtt.lastStatus(t)
	assert.Equal(t, "offline", status.Status)
	assert.Equal(t, "graceful_shutdown", status.Reason)
	assert.True(t, retained)
	assert.False(t, tb.mqtt.IsConnected())

	tb.client.mu.Lock()
	assert.True(t, tb.client.stopped)
	tb.client.mu.Unlock()

	// A second call returns the first result without repeating the work.
	assert.NoError(t, tb.Shutdown(ctx))
}

func TestBridge_ShutdownFlushesMessagesArrivingDuringDisconnect(t *testing.T) {
	tb := newTestBridge(t, heapAt(10), true)
	tb.deliver("device/sensordata/arduino_001", `{"temperature":21.0}`)

	var once sync.Once
	tb.mqtt.mu.Lock()
	tb.mqtt.onPublish = func(string) {
		// The broker hands over one last message while the offline status goes out.
		once.Do(func() { tb.deliver("device/registration/esp32_009", `{"firmware":"2.0.1"}`) })
	}
	tb.mqtt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, tb.Shutdown(ctx))

	assert.Len(t, tb.client.get("iot-sensor-readings"), 1)
	late := tb.client.get("iot-device-registration")
	require.Len(t, late, 1)
	assert.Equal(t, "esp32_009", late[0].DeviceID())
	assert.Equal(t, 0, tb.Buffers().Total())
	assert.Equal(t, int64(2), tb.Metrics().Snapshot().Published)
}

func TestBridge_Health(t *testing.T) {
	t.Run("degraded at 92 percent heap", func(t *testing.T) {
		tb := newTestBridge(t, heapAt(92), true)

		rec := tb.get(t, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report bridge.HealthReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, bridge.StatusDegraded, report.Status)
		assert.True(t, report.MQTT.Connected)
		assert.Equal(t, "connected", report.MQTT.State)
		assert.Equal(t, tb.Connection().ClientID(), report.MQTT.ClientID)
		assert.InDelta(t, 92.0, report.Memory.Percent, 0.001)
	})

	t.Run("healthy", func(t *testing.T) {
		tb := newTestBridge(t, heapAt(40), true)
		tb.deliver("device/sensordata/arduino_001", `{}`)

		var report bridge.HealthReport
		rec := tb.get(t, "/health", nil)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, bridge.StatusHealthy, report.Status)
		assert.InDelta(t, 0.01, report.Buffers["iot-sensor-readings"], 0.0001)
		assert.Equal(t, int64(1), report.Metrics.Received)
	})

	t.Run("unhealthy before the broker accepts the session", func(t *testing.T) {
		tb := newTestBridge(t, heapAt(40), false)

		rec := tb.get(t, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var report bridge.HealthReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, bridge.StatusUnhealthy, report.Status)
		assert.Equal(t, "connecting", report.MQTT.State)
	})
}

func TestBridge_StatusAndMetrics(t *testing.T) {
	tb := newTestBridge(t, heapAt(40), true)
	tb.deliver("device/registration/esp32_007", `{"firmware":"1.0.0"}`)

	rec := tb.get(t, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		UptimeSeconds  float64        `json:"uptimeSeconds"`
		Buffers        map[string]int `json:"buffers"`
		MQTTConnected  bool           `json:"mqttConnected"`
		CircuitBreaker string         `json:"circuitBreaker"`
		Memory         struct {
			HeapAlloc uint64 `json:"HeapAlloc"`
		} `json:"memory"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, map[string]int{"iot-device-registration": 1}, status.Buffers)
	assert.True(t, status.MQTTConnected)
	assert.Equal(t, "closed", status.CircuitBreaker)
	assert.NotZero(t, status.Memory.HeapAlloc)
	assert.GreaterOrEqual(t, status.UptimeSeconds, 0.0)

	rec = tb.get(t, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "mqtt_bridge_messages_buffered_total")
	assert.Contains(t, body, `class="registration"`)
}

func TestBridge_Devices(t *testing.T) {
	tb := newTestBridge(t, heapAt(40), true)
	tb.deliver("device/sensordata/arduino_001", `{"temperature":21.0}`)

	rec := tb.get(t, "/devices/arduino_001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record presence.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "arduino_001", record.DeviceID)
	assert.Equal(t, "device/sensordata/arduino_001", record.Topic)
	assert.Equal(t, "iot-sensor-readings", record.Destination)
	assert.Equal(t, types.PriorityNormal, record.Priority)

	rec = tb.get(t, "/devices/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBridge_CORS(t *testing.T) {
	tb := newTestBridge(t, heapAt(40), true)

	rec := tb.get(t, "/health", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = tb.get(t, "/health", map[string]string{"Origin": "http://attacker.example.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, strings.Contains(rec.Body.String(), "status"))
}

func TestBridge_FatalKeepsFirstError(t *testing.T) {
	tb := newTestBridge(t, heapAt(40), true)

	tb.Fatal(errors.New("first"))
	tb.Fatal(errors.New("second"))

	select {
	case err := <-tb.FatalErrors():
		assert.EqualError(t, err, "first")
	case <-time.After(time.Second):
		t.Fatal("expected a fatal error")
	}
}

func TestShutdownWithin(t *testing.T) {
	t.Run("returns the result when fn finishes in time", func(t *testing.T) {
		err := bridge.ShutdownWithin(time.Second, func(ctx context.Context) error {
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.NotErrorIs(t, err, bridge.ErrShutdownTimeout)
	})

	t.Run("times out when fn overruns the grace period", func(t *testing.T) {
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		err := bridge.ShutdownWithin(50*time.Millisecond, func(ctx context.Context) error {
			<-release
			return nil
		})
		assert.ErrorIs(t, err, bridge.ErrShutdownTimeout)
	})
}
