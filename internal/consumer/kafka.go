package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures one Kafka-backed consumer.
type KafkaConfig struct {
	IndexName         string   `yaml:"index_name" json:"index_name"`
	BootstrapServers  []string `yaml:"bootstrap_servers" json:"bootstrap_servers"`
	GroupID           string   `yaml:"group_id" json:"group_id"`
	Topics            []string `yaml:"topics" json:"topics"`
	CreateTopics      bool     `yaml:"create_topics" json:"create_topics"`
	DeleteTopics      bool     `yaml:"delete_topics" json:"delete_topics"`
	SessionTimeoutMs  uint32   `yaml:"session_timeout_ms" json:"session_timeout_ms"`
	MaxPollIntervalMs uint32   `yaml:"max_poll_interval_ms" json:"max_poll_interval_ms"`
}

// Validate rejects configurations the reader would fail on later.
func (c *KafkaConfig) Validate() error {
	if c.IndexName == "" {
		return fmt.Errorf("kafka consumer: empty index_name")
	}
	if len(c.BootstrapServers) == 0 {
		return fmt.Errorf("kafka consumer: empty bootstrap_servers")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka consumer: empty group_id")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("kafka consumer: empty topics")
	}
	return nil
}

// KafkaSource consumes the configured topics inside a consumer group. One
// reader per topic; Poll draws from the readers itself so callers see a
// single stream while per-partition order is preserved.
type KafkaSource struct {
	name    string
	config  KafkaConfig
	logger  *zap.Logger
	readers []*kafka.Reader

	mu     sync.Mutex
	latest []fetched
}

func NewKafkaSource(name string, config KafkaConfig, logger *zap.Logger) (*KafkaSource, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionTimeout := time.Duration(config.SessionTimeoutMs) * time.Millisecond
	if sessionTimeout == 0 {
		sessionTimeout = 30 * time.Second
	}
	maxWait := time.Duration(config.MaxPollIntervalMs) * time.Millisecond
	if maxWait == 0 || maxWait > 10*time.Second {
		maxWait = 10 * time.Second
	}

	source := &KafkaSource{name: name, config: config, logger: logger}
	for _, topic := range config.Topics {
		source.readers = append(source.readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        config.BootstrapServers,
			GroupID:        config.GroupID,
			Topic:          topic,
			SessionTimeout: sessionTimeout,
			MaxWait:        maxWait,
			// Offsets are committed explicitly during the commit protocol.
			CommitInterval: 0,
		}))
	}
	return source, nil
}

func (s *KafkaSource) Name() string { return s.name }

// Poll fetches the next message from any topic reader. With one reader the
// call is a direct fetch; with several it tries them in order, starting
// from the first reader on every call.
func (s *KafkaSource) Poll(ctx context.Context) ([]byte, error) {
	if len(s.readers) == 1 {
		message, err := s.readers[0].FetchMessage(ctx)
		if err != nil {
			return nil, err
		}
		s.pending(s.readers[0], message)
		return message.Value, nil
	}
	// Scan the readers in order with a short per-reader deadline so one
	// quiet topic does not block the rest. The scan restarts at the first
	// reader on every call, so earlier topics are served first.
	for {
		for _, reader := range s.readers {
			fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
			message, err := reader.FetchMessage(fetchCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			s.pending(reader, message)
			return message.Value, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// pending records a fetched message for the next offset commit.
func (s *KafkaSource) pending(reader *kafka.Reader, message kafka.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Only the newest message per reader matters: committing it commits
	// everything before it on the same partition.
	for i := range s.latest {
		if s.latest[i].reader == reader && s.latest[i].message.Partition == message.Partition {
			s.latest[i].message = message
			return
		}
	}
	s.latest = append(s.latest, fetched{reader: reader, message: message})
}

type fetched struct {
	reader  *kafka.Reader
	message kafka.Message
}

func (s *KafkaSource) CommitOffsets(ctx context.Context) error {
	s.mu.Lock()
	pending := s.latest
	s.latest = nil
	s.mu.Unlock()
	for _, entry := range pending {
		if err := entry.reader.CommitMessages(ctx, entry.message); err != nil {
			return err
		}
	}
	return nil
}

// AssignmentLost detects rebalance-related commit failures.
func (s *KafkaSource) AssignmentLost(err error) bool {
	return errors.Is(err, kafka.RebalanceInProgress) ||
		errors.Is(err, kafka.UnknownMemberId) ||
		errors.Is(err, kafka.IllegalGeneration)
}

// OnCreate creates the configured topics when create_topics is set.
func (s *KafkaSource) OnCreate(ctx context.Context) error {
	if !s.config.CreateTopics {
		return nil
	}
	conn, err := s.dialController(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	configs := make([]kafka.TopicConfig, 0, len(s.config.Topics))
	for _, topic := range s.config.Topics {
		configs = append(configs, kafka.TopicConfig{Topic: topic, NumPartitions: -1, ReplicationFactor: -1})
	}
	return conn.CreateTopics(configs...)
}

// OnDelete deletes the configured topics when delete_topics is set.
func (s *KafkaSource) OnDelete(ctx context.Context) error {
	if !s.config.DeleteTopics {
		return nil
	}
	conn, err := s.dialController(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.DeleteTopics(s.config.Topics...)
}

func (s *KafkaSource) dialController(ctx context.Context) (*kafka.Conn, error) {
	conn, err := kafka.DialContext(ctx, "tcp", s.config.BootstrapServers[0])
	if err != nil {
		return nil, fmt.Errorf("dial kafka %s: %w", s.config.BootstrapServers[0], err)
	}
	controller, err := conn.Controller()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolve kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("dial kafka controller: %w", err)
	}
	return controllerConn, nil
}

func (s *KafkaSource) Close() error {
	var firstErr error
	for _, reader := range s.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
