package eventsink

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// MQTTSink publishes every status callback to an MQTT broker as JSON,
// letting external monitoring observe discovery activity without
// polling. It is additive telemetry only; a broker outage never blocks the
// engine because Publish is fire-and-forget here.
type MQTTSink struct {
	client mqtt.Client
	topic  string
}

// NewMQTTSink connects to brokerURL (e.g. "tcp://localhost:1883") and
// returns a Sink that publishes to topic with QoS 1.
func NewMQTTSink(brokerURL, clientID, topic string) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", brokerURL).Msg("eventsink: mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("eventsink: mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("eventsink: mqtt connect: %w", token.Error())
	}
	return &MQTTSink{client: client, topic: topic}, nil
}

func (s *MQTTSink) OnServerQueryStatus(phase Phase, message string, progress float64) {
	if !s.client.IsConnected() {
		return
	}
	payload := map[string]any{
		"phase":     string(phase),
		"message":   message,
		"progress":  progress,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Msg("eventsink: mqtt marshal failed")
		return
	}
	token := s.client.Publish(s.topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", s.topic).Msg("eventsink: mqtt publish failed")
		}
	}()
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// publishes to flush.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
