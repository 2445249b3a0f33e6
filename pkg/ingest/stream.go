package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/model"
)

// Envelope is the message format on the Kafka topic.
type Envelope struct {
	Kind  model.Kind      `json:"kind"`
	Event json.RawMessage `json:"event"`
}

// DecodeEnvelope parses a kind-tagged message.
func DecodeEnvelope(raw []byte) (model.Fact, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, model.Invalid("", "decode envelope: %v", err)
	}
	if len(env.Event) == 0 {
		return nil, model.Invalid("event", "missing")
	}
	f, err := model.DecodeFact(env.Kind, env.Event)
	if err != nil {
		return nil, model.Invalid("kind", "%v", err)
	}
	return f, nil
}

// kafkaFetcher is the part of *kafka.Reader the consumer needs.
type kafkaFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer appends events read from a Kafka topic. Messages are
// committed once handled; rejected events are logged and skipped. A store
// failure is retried on the same message, since committing a later offset
// would skip it for good. Redeliveries after a crash are absorbed by the
// store's duplicate check on event ids.
type KafkaConsumer struct {
	cfg     config.Kafka
	reader  kafkaFetcher
	store   Appender
	log     *slog.Logger
	poll    time.Duration
	backoff time.Duration
}

// NewKafkaConsumer builds a group reader for the configured topic.
func NewKafkaConsumer(cfg config.Kafka, store Appender, log *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &KafkaConsumer{
		cfg:     cfg,
		reader:  reader,
		store:   store,
		log:     log,
		poll:    5 * time.Second,
		backoff: config.StreamRetryBackoff,
	}, nil
}

// Close shuts down the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// Run consumes until ctx is cancelled or the reader is closed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.log.Info("kafka consumer started",
		slog.String("topic", c.cfg.Topic),
		slog.String("group", c.cfg.GroupID),
		slog.String("brokers", strings.Join(c.cfg.Brokers, ",")))
	defer c.log.Info("kafka consumer stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			c.log.Error("kafka fetch failed", slog.String("err", err.Error()))
			continue
		}

		if err := c.deliver(ctx, msg); err != nil {
			return err
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, c.poll)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("kafka commit failed", slog.String("err", err.Error()))
		}
		commitCancel()
	}
}

// deliver hands a message to the store until it is stored or rejected, with
// exponential backoff between attempts. It only fails when ctx ends.
func (c *KafkaConsumer) deliver(ctx context.Context, msg kafka.Message) error {
	delay := c.backoff
	for {
		err := c.handle(ctx, msg)
		if err == nil {
			return nil
		}
		c.log.Error("kafka event not stored, retrying",
			slog.Int64("offset", msg.Offset),
			slog.Duration("delay", delay),
			slog.String("err", err.Error()))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(2*delay, config.StreamMaxRetryBackoff)
	}
}

// handle returns an error only for failures worth a retry.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	f, err := DecodeEnvelope(msg.Value)
	if err == nil {
		_, err = c.store.Append(ctx, f)
	}
	if err != nil && IsRejection(err) {
		c.log.Warn("kafka event rejected",
			slog.Int64("offset", msg.Offset),
			slog.String("err", err.Error()))
		return nil
	}
	return err
}

// MQTTSubscriber appends events published by shop-floor gateways. Topics
// end in the event kind, e.g. oee/press-1/events/state; the payload is the
// event itself.
type MQTTSubscriber struct {
	cfg    config.MQTT
	client mqtt.Client
	store  Appender
	log    *slog.Logger
}

// NewMQTTSubscriber prepares a client for the configured broker.
func NewMQTTSubscriber(cfg config.MQTT, store Appender, log *slog.Logger) *MQTTSubscriber {
	s := &MQTTSubscriber{cfg: cfg, store: store, log: log}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOnConnectHandler(func(c mqtt.Client) {
			// Subscriptions are lost on reconnect with a fresh session.
			if err := s.subscribe(c); err != nil {
				log.Error("mqtt subscribe failed", slog.String("err", err.Error()))
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", slog.String("err", err.Error()))
		})
	s.client = mqtt.NewClient(opts)
	return s
}

// Run connects and blocks until ctx is cancelled.
func (s *MQTTSubscriber) Run(ctx context.Context) error {
	token := s.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("mqtt connect to %s timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.log.Info("mqtt subscriber started", slog.String("broker", s.cfg.Broker), slog.String("topic", s.cfg.Topic))

	<-ctx.Done()
	s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(5 * time.Second)
	s.client.Disconnect(250)
	s.log.Info("mqtt subscriber stopped")
	return ctx.Err()
}

func (s *MQTTSubscriber) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (s *MQTTSubscriber) handle(topic string, payload []byte) {
	f, err := DecodeTopicMessage(topic, payload)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.IngestTimeout)
		_, err = s.store.Append(ctx, f)
		cancel()
	}
	if err != nil {
		level := slog.LevelError
		if IsRejection(err) {
			level = slog.LevelWarn
		}
		s.log.Log(context.Background(), level, "mqtt event not stored",
			slog.String("topic", topic),
			slog.String("err", err.Error()))
	}
}

// DecodeTopicMessage decodes an MQTT payload using the kind in the last
// topic segment.
func DecodeTopicMessage(topic string, payload []byte) (model.Fact, error) {
	kind := model.Kind(topic[strings.LastIndexByte(topic, '/')+1:])
	f, err := model.DecodeFact(kind, payload)
	if err != nil {
		return nil, model.Invalid("kind", "%v", err)
	}
	return f, nil
}
