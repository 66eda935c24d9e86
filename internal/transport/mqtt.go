package transport

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/config"
	"github.com/brainlytree/sensor-server/internal/models"
)

// Inbound topics. The MAC sits in the second segment of both.
const (
	statusTopicFilter = "device/+/status"
	dataTopicFilter   = "ESP32CAM/+/data"
)

const publishTimeout = 5 * time.Second

// Handler receives every inbound device message with its parsed MAC
// and topic kind.
type Handler interface {
	HandleStatus(mac models.MACAddr, payload []byte)
	HandleData(mac models.MACAddr, payload []byte)
}

// Publisher sends acknowledgments and commands back to devices
type Publisher interface {
	PublishAck(mac models.MACAddr, ack interface{}) error
	PublishCommand(mac models.MACAddr, cmd *models.DeviceCommand) error
}

// MQTTClient wraps the paho client with the device topic scheme
type MQTTClient struct {
	client mqtt.Client
	cfg    config.MQTTConfig
}

// NewMQTTClient creates and connects the device-facing MQTT client
func NewMQTTClient(cfg config.MQTTConfig) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLSInsecure {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	// Drop session state on reconnect; devices retransmit on their own
	opts.SetCleanSession(true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.URL).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker: timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", err)
	}

	return &MQTTClient{client: client, cfg: cfg}, nil
}

// Subscribe wires the handler to both inbound topic families.
// Re-subscription after reconnect is handled by paho's resume.
func (c *MQTTClient) Subscribe(handler Handler) error {
	statusCb := func(_ mqtt.Client, msg mqtt.Message) {
		mac, ok := macFromTopic(msg.Topic())
		if !ok {
			log.Warn().Str("topic", msg.Topic()).Msg("Status message on unparseable topic")
			return
		}
		handler.HandleStatus(mac, msg.Payload())
	}

	dataCb := func(_ mqtt.Client, msg mqtt.Message) {
		mac, ok := macFromTopic(msg.Topic())
		if !ok {
			log.Warn().Str("topic", msg.Topic()).Msg("Data message on unparseable topic")
			return
		}
		handler.HandleData(mac, msg.Payload())
	}

	if token := c.client.Subscribe(statusTopicFilter, c.cfg.QoS, statusCb); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", statusTopicFilter, token.Error())
	}
	if token := c.client.Subscribe(dataTopicFilter, c.cfg.QoS, dataCb); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", dataTopicFilter, token.Error())
	}

	log.Info().Msg("Subscribed to device topics")
	return nil
}

// PublishAck publishes to the device's ack topic
func (c *MQTTClient) PublishAck(mac models.MACAddr, ack interface{}) error {
	return c.publish(fmt.Sprintf("device/%s/ack", mac), ack)
}

// PublishCommand publishes to the device's cmd topic
func (c *MQTTClient) PublishCommand(mac models.MACAddr, cmd *models.DeviceCommand) error {
	return c.publish(fmt.Sprintf("device/%s/cmd", mac), cmd)
}

func (c *MQTTClient) publish(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	log.Debug().Str("topic", topic).Int("bytes", len(data)).Msg("Published")
	return nil
}

// Close disconnects from the broker
func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
}

// macFromTopic extracts and normalizes the MAC from the second topic
// segment of device/{mac}/status or ESP32CAM/{mac}/data.
func macFromTopic(topic string) (models.MACAddr, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return "", false
	}
	mac, err := models.ParseMAC(parts[1])
	if err != nil {
		return "", false
	}
	return mac, true
}
