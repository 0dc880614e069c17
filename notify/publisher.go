package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kwv/roomcanon/room"
	"github.com/kwv/roomcanon/store"
)

// SignalsMessage is the payload published to .../signals
type SignalsMessage struct {
	OwnerID   string              `json:"ownerId"`
	RecordID  string              `json:"recordId"`
	Version   int64               `json:"version"`
	Signals   room.ControlSignals `json:"signals"`
	Timestamp int64               `json:"timestamp"`
}

// AnchorsMessage is the payload published to .../anchors
type AnchorsMessage struct {
	OwnerID   string                 `json:"ownerId"`
	RecordID  string                 `json:"recordId"`
	Version   int64                  `json:"version"`
	Anchors   []room.FurnitureAnchor `json:"anchors"`
	Ignored   []string               `json:"ignored,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Publisher publishes compiled control signals and anchor lists to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	log           *zap.Logger

	mu       sync.Mutex
	lastSent map[string]string // signals topic -> compiled prompt
}

// NewPublisher creates a publisher. If client is nil, every publish fails
// with "MQTT client not connected".
func NewPublisher(client mqtt.Client, prefix string, log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "roomcanon"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,    // signals must arrive
		retain:        true, // late subscribers get the current prompt
		log:           log,
		lastSent:      make(map[string]string),
	}
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

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishSignals publishes the record's cached control signals. A prompt
// identical to the last one sent for the same record is not sent again.
func (p *Publisher) PublishSignals(rec *store.Record) error {
	if rec == nil || rec.Signals == nil {
		return fmt.Errorf("publish signals: record has no control signals")
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := RecordTopic(p.publishPrefix, rec.OwnerID, rec.ID, SuffixSignals)

	p.mu.Lock()
	unchanged := p.lastSent[topic] == rec.Signals.Compiled
	p.mu.Unlock()
	if unchanged {
		p.log.Debug("signals unchanged, not republishing", zap.String("topic", topic))
		return nil
	}

	msg := SignalsMessage{
		OwnerID:   rec.OwnerID,
		RecordID:  rec.ID,
		Version:   rec.Version,
		Signals:   *rec.Signals,
		Timestamp: time.Now().Unix(),
	}
	if err := p.publish(topic, msg); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastSent[topic] = rec.Signals.Compiled
	p.mu.Unlock()
	return nil
}

// PublishAnchors publishes the record's anchor list, including the ids an
// occupancy update ignored
func (p *Publisher) PublishAnchors(rec *store.Record, ignored []string) error {
	if rec == nil {
		return fmt.Errorf("publish anchors: record is nil")
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	msg := AnchorsMessage{
		OwnerID:   rec.OwnerID,
		RecordID:  rec.ID,
		Version:   rec.Version,
		Anchors:   rec.Anchors,
		Ignored:   ignored,
		Timestamp: time.Now().Unix(),
	}
	return p.publish(RecordTopic(p.publishPrefix, rec.OwnerID, rec.ID, SuffixAnchors), msg)
}

func (p *Publisher) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	p.log.Debug("published", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}
