// Package kafka mirrors every published module data envelope into a
// Kafka topic as change records for downstream analytics.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
	"plclink/logging"
)

// ConnectionStatus represents the state of the Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ChangeRecord is one flattened variable change on the wire.
type ChangeRecord struct {
	Module   string      `json:"module"`
	Code     string      `json:"code"`
	Value    interface{} `json:"value"`
	DataType string      `json:"dataType"`
	Time     int64       `json:"time"`
}

// Producer sends module change records to one topic.
type Producer struct {
	cfg    config.KafkaConfig
	writer *kafka.Writer

	mu      sync.RWMutex
	status  ConnectionStatus
	lastErr error
	sent    int64
	failed  int64
}

// NewProducer creates an unconnected producer.
func NewProducer(cfg config.KafkaConfig) *Producer {
	return &Producer{cfg: cfg, status: StatusDisconnected}
}

// Status returns the current connection status.
func (p *Producer) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Stats returns sent and failed record counts.
func (p *Producer) Stats() (sent, failed int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sent, p.failed
}

// Connect verifies broker reachability and builds the topic writer.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	if p.cfg.UseTLS {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if mech := p.saslMechanism(); mech != nil {
		dialer.SASLMechanism = mech
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Brokers[0])
	if err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		return fmt.Errorf("kafka connect: %w", err)
	}
	conn.Close()

	transport := &kafka.Transport{DialTimeout: 10 * time.Second}
	if p.cfg.UseTLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if mech := p.saslMechanism(); mech != nil {
		transport.SASL = mech
	}

	batch := p.cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}

	p.mu.Lock()
	p.writer = &kafka.Writer{
		Addr:      kafka.TCP(p.cfg.Brokers...),
		Topic:     p.cfg.Topic,
		Balancer:  &kafka.LeastBytes{},
		Transport: transport,

		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchSize:    batch,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}
	p.status = StatusConnected
	p.mu.Unlock()

	logging.Info("kafka connected to %v, topic %s", p.cfg.Brokers, p.cfg.Topic)
	return nil
}

// Disconnect closes the writer. Idempotent.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	writer := p.writer
	p.writer = nil
	p.status = StatusDisconnected
	p.mu.Unlock()

	if writer != nil {
		writer.Close()
	}
}

// ProduceChanges mirrors one module's change list into the topic, one
// record per entry, keyed by module so per-module order survives
// partitioning.
func (p *Producer) ProduceChanges(ctx context.Context, m catalog.ModuleKey, entries []codec.Entry) error {
	p.mu.RLock()
	writer := p.writer
	p.mu.RUnlock()
	if writer == nil || len(entries) == 0 {
		return nil
	}

	key := []byte(m.String())
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(ChangeRecord{
			Module: m.String(), Code: e.Code, Value: e.Value,
			DataType: e.DataType, Time: e.Time,
		})
		if err != nil {
			continue
		}
		msgs = append(msgs, kafka.Message{Key: key, Value: data, Time: time.Now()})
	}

	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		p.mu.Lock()
		p.failed += int64(len(msgs))
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugLog("kafka", "produce to %s failed: %v", p.cfg.Topic, err)
		return fmt.Errorf("kafka produce: %w", err)
	}

	p.mu.Lock()
	p.sent += int64(len(msgs))
	p.mu.Unlock()
	return nil
}

func (p *Producer) saslMechanism() sasl.Mechanism {
	if p.cfg.Username == "" {
		return nil
	}
	switch p.cfg.SASLMech {
	case "plain":
		return plain.Mechanism{Username: p.cfg.Username, Password: p.cfg.Password}
	case "scram-sha-256":
		mech, _ := scram.Mechanism(scram.SHA256, p.cfg.Username, p.cfg.Password)
		return mech
	case "scram-sha-512":
		mech, _ := scram.Mechanism(scram.SHA512, p.cfg.Username, p.cfg.Password)
		return mech
	default:
		return nil
	}
}
