package bus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using a Kafka topic. Every consumer group member
// sees every message, including the producer's own.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu        sync.Mutex
	subs      []chan Message
	pc        sarama.PartitionConsumer
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. The
// topic must exist or the broker must allow auto-creation.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{producer: producer, consumer: consumer, topic: topic}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{Topic: b.topic, Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(pm); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Message, 16)
	b.mu.Lock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.pc = pc
		go func() {
			for km := range pc.Messages() {
				m, err := Decode(km.Value)
				if err != nil {
					continue
				}
				b.mu.Lock()
				chans := append([]chan Message(nil), b.subs...)
				b.mu.Unlock()
				for _, c := range chans {
					select {
					case c <- m:
						b.delivered.Add(1)
					default:
					}
				}
			}
		}()
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = b.Unsubscribe(context.Background(), ch)
		}()
	}
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	var pc sarama.PartitionConsumer
	if len(b.subs) == 0 && b.pc != nil {
		pc = b.pc
		b.pc = nil
	}
	b.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
	return nil
}

// Close implements Bus.Close.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	for _, c := range b.subs {
		close(c)
	}
	b.subs = nil
	pc := b.pc
	b.pc = nil
	b.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
	_ = b.producer.Close()
	return b.consumer.Close()
}

// Metrics returns publish/delivery counters.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
