package kafkasink

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mbiondo/scLogger/core"
	"github.com/mbiondo/scLogger/pkg/tlsconfig"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

func init() {
	core.RegisterSink("kafka", NewKafkaSinkFromConfig)
}

// Config represents Kafka sink configuration values supplied via YAML.
type Config struct {
	Brokers      []string         `yaml:"brokers"`
	Topic        string           `yaml:"topic"`
	BatchSize    int              `yaml:"batch_size,omitempty"`    // Records buffered before an automatic send
	WriteTimeout time.Duration    `yaml:"write_timeout,omitempty"` // Bound on one send
	RequiredAcks string           `yaml:"required_acks,omitempty"` // "all" (default), "one" or "none"
	Compression  string           `yaml:"compression,omitempty"`   // "", "gzip", "snappy", "lz4" or "zstd"
	ClientID     string           `yaml:"client_id,omitempty"`
	Mechanism    string           `yaml:"sasl_mechanism,omitempty"` // "plain" (default), "scram-sha-256" or "scram-sha-512"
	Username     string           `yaml:"username,omitempty"`
	Password     string           `yaml:"password,omitempty"`
	TLS          tlsconfig.Config `yaml:"tls,omitempty"` // TLS configuration
}

var acks = map[string]kafka.RequiredAcks{
	"all":  kafka.RequireAll,
	"one":  kafka.RequireOne,
	"none": kafka.RequireNone,
}

var codecs = map[string]kafka.Compression{
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

// Validate validates the Kafka sink configuration
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Brokers, validation.Required.Error("at least one broker is required")),
		validation.Field(&c.Topic, validation.Required.Error("cannot be blank")),
		validation.Field(&c.BatchSize, validation.Min(0), validation.Max(10000)),
		validation.Field(&c.RequiredAcks, validation.In("", "all", "one", "none")),
		validation.Field(&c.Compression, validation.In("", "gzip", "snappy", "lz4", "zstd")),
		validation.Field(&c.Mechanism, validation.In("", "plain", "scram-sha-256", "scram-sha-512")),
		validation.Field(&c.Password, validation.When(c.Username != "", validation.Required.Error("is required with username"))),
		validation.Field(&c.TLS),
	)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaSinkFromConfig builds a Kafka sink from generic configuration.
func NewKafkaSinkFromConfig(config map[string]any) (core.Sink, error) {
	var cfg Config
	if err := core.GetSinkConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewKafkaSink(cfg)
}

// NewKafkaSink creates a sink producing one message per record
func NewKafkaSink(cfg Config) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.WrapConfigError("kafka", err)
	}

	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		ClientID:    cfg.ClientID,
	}

	// Configure TLS
	if cfg.TLS.Enabled {
		tlsConfig, err := cfg.TLS.ClientConfig()
		if err != nil {
			return nil, core.WrapConfigError("kafka.tls", err)
		}
		transport.TLS = tlsConfig
	}

	// Configure SASL
	if cfg.Username != "" {
		mechanism, err := saslMechanism(cfg.Mechanism, cfg.Username, cfg.Password)
		if err != nil {
			return nil, core.WrapConfigError("kafka.sasl_mechanism", err)
		}
		transport.SASL = mechanism
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Transport:    transport,
	}
	if cfg.RequiredAcks != "" {
		writer.RequiredAcks = acks[cfg.RequiredAcks]
	}
	if cfg.Compression != "" {
		writer.Compression = codecs[cfg.Compression]
	}

	return newKafkaSink(cfg, writer), nil
}

func newKafkaSink(cfg Config, writer messageWriter) *KafkaSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	log.Printf("[KAFKA] Sink ready (topic=%s, brokers=%v, batch=%d)", cfg.Topic, cfg.Brokers, cfg.BatchSize)
	return &KafkaSink{
		topic:   cfg.Topic,
		timeout: cfg.WriteTimeout,
		batch:   cfg.BatchSize,
		writer:  writer,
		pending: make([]kafka.Message, 0, cfg.BatchSize),
	}
}

func saslMechanism(name, username, password string) (sasl.Mechanism, error) {
	switch name {
	case "", "plain":
		return plain.Mechanism{Username: username, Password: password}, nil
	case "scram-sha-256":
		return scram.Mechanism(scram.SHA256, username, password)
	case "scram-sha-512":
		return scram.Mechanism(scram.SHA512, username, password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", name)
	}
}

// KafkaSink buffers messages and sends them in batches. Records of one session share
// a key and therefore a partition, which keeps them ordered.
type KafkaSink struct {
	topic   string
	timeout time.Duration
	batch   int

	mu      sync.Mutex
	writer  messageWriter
	pending []kafka.Message
	closed  bool
}

// Write queues a message and sends the batch once it is full
func (k *KafkaSink) Write(r *core.Record, line string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return core.ErrClosed
	}

	msg := kafka.Message{
		Value: []byte(line),
		Time:  r.Time,
		Headers: []kafka.Header{
			{Key: "level", Value: []byte(r.Level.String())},
			{Key: "pid", Value: []byte(strconv.Itoa(r.PID))},
		},
	}
	if r.SessionID != "" {
		msg.Key = []byte(r.SessionID)
	}
	if r.Action != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "action", Value: []byte(r.Action)})
	}
	k.pending = append(k.pending, msg)

	if len(k.pending) >= k.batch {
		return k.sendLocked()
	}
	return nil
}

// sendLocked writes the pending batch. A failed batch is discarded and the error covers
// every message in it.
func (k *KafkaSink) sendLocked() error {
	if len(k.pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	batch := k.pending
	k.pending = make([]kafka.Message, 0, k.batch)
	if err := k.writer.WriteMessages(ctx, batch...); err != nil {
		return fmt.Errorf("failed to send %d messages to %s: %w", len(batch), k.topic, err)
	}
	return nil
}

// Flush sends buffered messages
func (k *KafkaSink) Flush() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	return k.sendLocked()
}

// Close sends what is buffered and closes the writer
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	sendErr := k.sendLocked()
	closeErr := k.writer.Close()
	log.Printf("[KAFKA] Sink closed (topic=%s)", k.topic)
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}
