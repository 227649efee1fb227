// Package mqtt subscribes to bedside device topics and feeds their
// measurements into the engine.
package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"vitalwatch/internal/config"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/logger"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/models"
)

// Source labels measurements that arrived over MQTT.
const Source = "mqtt"

const connectTimeout = 10 * time.Second

// Ingester accepts decoded measurements.
type Ingester interface {
	IngestInputs(source string, inputs []models.MeasurementInput, receivedAt time.Time) (engine.Result, error)
	CountMalformed(source string)
}

// Subscriber owns one MQTT client subscribed to cfg.Topic. When a payload
// carries no patient id, the id is taken from the topic segment matched by
// the first "+" wildcard of the subscription.
type Subscriber struct {
	cfg      config.MQTTConfig
	ingester Ingester
	client   paho.Client

	mu      sync.Mutex
	stopped bool
}

// New builds the client. Nothing connects until Start.
func New(cfg config.MQTTConfig, ingester Ingester) (*Subscriber, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("mqtt broker and topic are required")
	}

	s := &Subscriber{cfg: cfg, ingester: ingester}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if pw := cfg.Password(); pw != "" {
		opts.SetPassword(pw)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log := logger.WithComponent("mqtt")
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	s.client = paho.NewClient(opts)
	return s, nil
}

// Start connects to the broker. Subscription happens in the connect
// handler so it is renewed after every reconnect.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

func (s *Subscriber) onConnect(c paho.Client) {
	log := logger.WithComponent("mqtt")
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleMessage)
	if token.WaitTimeout(connectTimeout) && token.Error() == nil {
		log.Info().Str("topic", s.cfg.Topic).Uint8("qos", s.cfg.QoS).Msg("mqtt subscribed")
		return
	}
	log.Error().Err(token.Error()).Str("topic", s.cfg.Topic).Msg("mqtt subscribe failed")
}

func (s *Subscriber) handleMessage(_ paho.Client, msg paho.Message) {
	log := logger.WithComponent("mqtt")
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("mqtt").Inc()
			log.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("panic while ingesting message")
		}
	}()

	receivedAt := time.Now()
	inputs, err := models.ParseMeasurements(msg.Payload())
	if err != nil {
		s.ingester.CountMalformed(Source)
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("undecodable payload")
		return
	}

	if id := PatientFromTopic(s.cfg.Topic, msg.Topic()); id != "" {
		for i := range inputs {
			if strings.TrimSpace(inputs[i].PatientID) == "" && strings.TrimSpace(inputs[i].PatientIDAlt) == "" {
				inputs[i].PatientID = id
			}
		}
	}

	res, err := s.ingester.IngestInputs(Source, inputs, receivedAt)
	switch {
	case errors.Is(err, engine.ErrClosed):
		log.Debug().Str("topic", msg.Topic()).Msg("engine closed, message dropped")
	case res.Rejected > 0:
		log.Warn().
			Str("topic", msg.Topic()).
			Int("accepted", res.Accepted).
			Int("rejected", res.Rejected).
			Str("first_error", res.Errors[0].Error).
			Msg("measurements rejected")
	}
}

// PatientFromTopic returns the topic level matched by the first "+" in
// filter, or "" when filter has no such wildcard or the topic is shorter.
func PatientFromTopic(filter, topic string) string {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" || i >= len(tl) {
			return ""
		}
		if f == "+" {
			return tl[i]
		}
	}
	return ""
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true

	if s.client.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
}
