package metrology

import (
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// DefaultMQTTClientID is used when neither config nor environment set one.
const DefaultMQTTClientID = "barscan"

// MQTTOptions builds client options from cfg. MQTT_CLIENT_ID, MQTT_USERNAME
// and MQTT_PASSWORD override the file. It returns nil when no broker is set.
func MQTTOptions(cfg MQTTConfig, logger *logrus.Logger) *mqtt.ClientOptions {
	if cfg.Broker == "" {
		return nil
	}
	if logger == nil {
		logger = discardLogger()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		clientID = DefaultMQTTClientID
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = cfg.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = cfg.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.WithField("broker", cfg.Broker).Info("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection interrupted, auto-reconnect will retry")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting")
	})

	return opts
}

// ConnectMQTT connects to the configured broker and waits up to timeout for
// the first connection. It returns a nil client when MQTT is not configured.
func ConnectMQTT(cfg MQTTConfig, timeout time.Duration, logger *logrus.Logger) (mqtt.Client, error) {
	opts := MQTTOptions(cfg, logger)
	if opts == nil {
		if logger != nil {
			logger.Debug("MQTT disabled: no broker configured")
		}
		return nil, nil
	}
	// ConnectRetry would otherwise block the token until the broker answers.
	opts.SetConnectRetry(false)
	return connectClient(mqtt.NewClient(opts), timeout)
}

// connectClient runs the first connection attempt on client.
func connectClient(client mqtt.Client, timeout time.Duration) (mqtt.Client, error) {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connecting to MQTT broker: timed out after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	return client, nil
}
