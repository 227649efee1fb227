package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/alerts"
	"vitalwatch/internal/config"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/models"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeIngester struct {
	mu        sync.Mutex
	inputs    []models.MeasurementInput
	malformed int
}

func (f *fakeIngester) IngestInputs(_ string, inputs []models.MeasurementInput, _ time.Time) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, inputs...)
	return engine.Result{Accepted: len(inputs)}, nil
}

func (f *fakeIngester) CountMalformed(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.malformed++
}

func newTestSubscriber(t *testing.T, ing Ingester) *Subscriber {
	t.Helper()
	s, err := New(config.MQTTConfig{
		Broker:   "tcp://127.0.0.1:1",
		ClientID: "test",
		Topic:    "vitals/+/measurements",
		QoS:      1,
	}, ing)
	require.NoError(t, err)
	return s
}

func TestPatientFromTopic(t *testing.T) {
	tests := []struct {
		filter, topic, want string
	}{
		{"vitals/+/measurements", "vitals/P001/measurements", "P001"},
		{"ward/+/bed/+", "ward/icu/bed/7", "icu"},
		{"vitals/measurements", "vitals/measurements", ""},
		{"vitals/#", "vitals/P001", ""},
		{"vitals/a/+", "vitals/a", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PatientFromTopic(tt.filter, tt.topic), tt.filter)
	}
}

func TestHandleMessageFillsPatientFromTopic(t *testing.T) {
	ing := &fakeIngester{}
	s := newTestSubscriber(t, ing)

	s.handleMessage(nil, fakeMessage{
		topic:   "vitals/P042/measurements",
		payload: []byte(`{"heartRate": 88, "timestamp": "2024-01-15T10:00:00Z"}`),
	})
	s.handleMessage(nil, fakeMessage{
		topic:   "vitals/P042/measurements",
		payload: []byte(`{"patient_id": "P777", "heart_rate": 90}`),
	})

	require.Len(t, ing.inputs, 2)
	m, err := ing.inputs[0].ToMeasurement(time.Now())
	require.NoError(t, err)
	assert.Equal(t, "P042", m.PatientID)
	assert.Equal(t, "P777", ing.inputs[1].PatientID, "payload id wins over topic")
}

func TestHandleMessageFillsEveryItemOfArray(t *testing.T) {
	ing := &fakeIngester{}
	s := newTestSubscriber(t, ing)

	s.handleMessage(nil, fakeMessage{
		topic:   "vitals/P042/measurements",
		payload: []byte(`[{"heart_rate": 88}, {"spo2": 95}, {"patientId": "P001", "spo2": 97}]`),
	})

	require.Len(t, ing.inputs, 3)
	assert.Equal(t, "P042", ing.inputs[0].PatientID)
	assert.Equal(t, "P042", ing.inputs[1].PatientID)
	assert.Empty(t, ing.inputs[2].PatientID)
	assert.Equal(t, "P001", ing.inputs[2].PatientIDAlt)
	assert.Zero(t, ing.malformed)
}

func TestHandleMessageMalformed(t *testing.T) {
	ing := &fakeIngester{}
	s := newTestSubscriber(t, ing)

	s.handleMessage(nil, fakeMessage{topic: "vitals/P1/measurements", payload: []byte("not json")})

	assert.Equal(t, 1, ing.malformed)
	assert.Empty(t, ing.inputs)
}

func TestHandleMessageReachesEngine(t *testing.T) {
	rs, err := alerts.RulesFromConfig(config.DefaultRules())
	require.NoError(t, err)

	e := engine.New(engine.Config{
		Evaluator:   alerts.NewEvaluator(rs, 5*time.Minute),
		Publisher:   discard{},
		GraceWindow: 30 * time.Second,
	})
	s := newTestSubscriber(t, e)

	s.handleMessage(nil, fakeMessage{
		topic:   "vitals/P042/measurements",
		payload: []byte(`{"heart_rate": 72, "spo2": 98}`),
	})

	v, err := e.Patient("P042")
	require.NoError(t, err)
	assert.Equal(t, 72.0, v.Values[models.VitalHeartRate].Value)
	assert.Equal(t, uint64(1), e.Stats().Accepted)
}

type discard struct{}

func (discard) Enqueue(*models.AlertEvent) bool { return true }

func TestNewRequiresBrokerAndTopic(t *testing.T) {
	_, err := New(config.MQTTConfig{Topic: "vitals/+"}, &fakeIngester{})
	assert.Error(t, err)
	_, err = New(config.MQTTConfig{Broker: "tcp://localhost:1883"}, &fakeIngester{})
	assert.Error(t, err)
}

func TestStopWithoutConnect(t *testing.T) {
	s := newTestSubscriber(t, &fakeIngester{})
	s.Stop()
	s.Stop()
}
