package eventhub

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"mdsagent/internal/store"
)

// Publisher sends one serialized event to a hub. Reset tears the
// underlying client down so the next publish reconnects; the uploader
// calls it after throttling.
type Publisher interface {
	Publish(data []byte) error
	Reset()
	Close()
}

// PublisherFactory builds a publisher from an event-hub connection
// string. Installed once at wiring time; tests substitute fakes.
type PublisherFactory func(moniker, connectionString string) (Publisher, error)

// NewKafkaPublisherFactory adapts the Kafka publisher to the factory
// the manager wants.
func NewKafkaPublisherFactory(logger *logrus.Logger) PublisherFactory {
	return func(moniker, connectionString string) (Publisher, error) {
		return NewKafkaPublisher(moniker, connectionString, logger)
	}
}

// hubConnection is a parsed Event Hub connection string.
type hubConnection struct {
	namespace  string // fully qualified, e.g. ns.servicebus.windows.net
	entityPath string
	raw        string
}

func parseHubConnection(connstr string) (hubConnection, error) {
	conn := hubConnection{raw: connstr}
	for _, part := range strings.Split(connstr, ";") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch k {
		case "Endpoint":
			u, err := url.Parse(v)
			if err != nil {
				return conn, fmt.Errorf("bad Endpoint in connection string: %w", err)
			}
			conn.namespace = u.Host
		case "EntityPath":
			conn.entityPath = v
		}
	}
	if conn.namespace == "" {
		return conn, fmt.Errorf("connection string lacks Endpoint")
	}
	if conn.entityPath == "" {
		return conn, fmt.Errorf("connection string lacks EntityPath")
	}
	return conn, nil
}

// KafkaPublisher publishes through the hub's Kafka-compatible endpoint
// using SASL PLAIN with the $ConnectionString convention.
type KafkaPublisher struct {
	conn   hubConnection
	logger *logrus.Logger

	mu       sync.Mutex
	producer sarama.SyncProducer
}

// NewKafkaPublisher parses the connection string and prepares a lazy
// producer; the first Publish connects.
func NewKafkaPublisher(moniker, connectionString string, logger *logrus.Logger) (Publisher, error) {
	conn, err := parseHubConnection(connectionString)
	if err != nil {
		return nil, fmt.Errorf("moniker %s: %w", moniker, err)
	}
	return &KafkaPublisher{conn: conn, logger: logger}, nil
}

func (p *KafkaPublisher) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Net.SASL.Enable = true
	config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	config.Net.SASL.User = "$ConnectionString"
	config.Net.SASL.Password = p.conn.raw
	config.Net.TLS.Enable = true
	config.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	config.Version = sarama.V2_1_0_0
	return config
}

func (p *KafkaPublisher) getProducer() (sarama.SyncProducer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		return p.producer, nil
	}
	producer, err := sarama.NewSyncProducer([]string{p.conn.namespace + ":9093"}, p.saramaConfig())
	if err != nil {
		return nil, err
	}
	p.producer = producer
	return producer, nil
}

// Publish sends one event as a Kafka message on the hub topic.
func (p *KafkaPublisher) Publish(data []byte) error {
	producer, err := p.getProducer()
	if err != nil {
		// Connection failures behave like service unavailability.
		return &store.StatusError{Status: 503, Op: "eventhub connect"}
	}

	_, _, err = producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.conn.entityPath,
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return p.classify(err)
	}
	return nil
}

// classify maps producer errors onto the transport outcome statuses the
// uploader keys its backpressure on.
func (p *KafkaPublisher) classify(err error) error {
	if err == sarama.ErrOutOfBrokers {
		return &store.StatusError{Status: 503, Op: "eventhub publish"}
	}
	if kerr, ok := err.(sarama.KError); ok {
		switch kerr {
		case sarama.ErrMessageSizeTooLarge, sarama.ErrInvalidMessage:
			return &store.StatusError{Status: 400, Op: "eventhub publish"}
		case sarama.ErrRequestTimedOut, sarama.ErrNotEnoughReplicas, sarama.ErrLeaderNotAvailable:
			return &store.StatusError{Status: 503, Op: "eventhub publish"}
		}
	}
	return err
}

// Reset drops the producer so the next publish rebuilds it.
func (p *KafkaPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			p.logger.WithError(err).Debug("Producer close during reset")
		}
		p.producer = nil
	}
}

// Close releases the producer.
func (p *KafkaPublisher) Close() {
	p.Reset()
}
