package metrology

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// DefaultPublishPrefix is the topic root when none is configured.
const DefaultPublishPrefix = "barscan"

// VerdictMessage is the MQTT payload for one verification run.
type VerdictMessage struct {
	RunID           string             `json:"runId"`
	SerialID        string             `json:"serialId"`
	Verdict         string             `json:"verdict"`
	Passed          bool               `json:"passed"`
	RMSErrorPercent float64            `json:"rmsErrorPercent"`
	FailedBars      []string           `json:"failedBars,omitempty"`
	ErrorPercent    map[string]float64 `json:"errorPercent"`
	Timestamp       int64              `json:"timestamp"`
}

// NewVerdictMessage flattens a verdict for publishing.
func NewVerdictMessage(result *VerdictResult) *VerdictMessage {
	msg := &VerdictMessage{
		RunID:           result.RunID,
		SerialID:        result.SerialID,
		Verdict:         result.Verdict(),
		Passed:          result.Passed,
		RMSErrorPercent: result.RMSErrorPercent,
		ErrorPercent:    make(map[string]float64, len(result.Measurements)),
		FailedBars:      result.FailedBars(),
		Timestamp:       result.EvaluatedAt.Unix(),
	}
	for _, m := range result.Measurements {
		msg.ErrorPercent[m.Name] = m.ErrorPercent()
	}
	return msg
}

// Publisher publishes verdicts to MQTT.
type Publisher struct {
	client        mqtt.Client
	logger        *logrus.Logger
	publishPrefix string
	qos           byte
	retain        bool
	latest        map[string]*VerdictMessage
	mu            sync.RWMutex
}

// NewPublisher creates a verdict publisher. A nil client disables publishing;
// an empty prefix uses DefaultPublishPrefix.
func NewPublisher(client mqtt.Client, prefix string, logger *logrus.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	if logger == nil {
		logger = discardLogger()
	}

	return &Publisher{
		client:        client,
		logger:        logger,
		publishPrefix: prefix,
		qos:           1,    // verdicts must not be dropped
		retain:        true, // latest verdict per unit
		latest:        make(map[string]*VerdictMessage),
	}
}

// PublishVerdict publishes result to <prefix>/<serial>/verdict and the
// fleet summary to <prefix>/verdicts.
func (p *Publisher) PublishVerdict(result *VerdictResult) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	msg := NewVerdictMessage(result)
	serial := msg.SerialID
	if serial == "" {
		serial = "unknown"
	}

	p.mu.Lock()
	p.latest[serial] = msg
	p.mu.Unlock()

	if err := p.publish(fmt.Sprintf("%s/%s/verdict", p.publishPrefix, serial), msg); err != nil {
		p.logger.WithError(err).WithField("serial", serial).Error("publishing verdict")
		return err
	}

	if err := p.publishCombined(); err != nil {
		p.logger.WithError(err).Error("publishing combined verdicts")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"serial":  serial,
		"verdict": msg.Verdict,
		"rms":     msg.RMSErrorPercent,
	}).Info("published verdict")
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	verdicts := make([]*VerdictMessage, 0, len(p.latest))
	for _, v := range p.latest {
		verdicts = append(verdicts, v)
	}
	p.mu.RUnlock()

	return p.publish(fmt.Sprintf("%s/verdicts", p.publishPrefix), map[string]interface{}{
		"units":     verdicts,
		"timestamp": time.Now().Unix(),
	})
}

func (p *Publisher) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Latest returns the last verdict published for serial.
func (p *Publisher) Latest(serial string) (*VerdictMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg, ok := p.latest[serial]
	return msg, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
