package relay

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/multpex/linkd/pkg/logger"
)

// Kafka 基于 Kafka topic 的转发通道
//
// 每个节点从最新位点消费 topic 的全部分区，不使用消费组，
// 因此每条消息都会到达所有节点。
type Kafka struct {
	topic    string
	producer sarama.SyncProducer
	consumer sarama.Consumer
	log      logger.Logger

	mu         sync.Mutex
	partitions []sarama.PartitionConsumer
	subscribed bool
	closed     bool
	quit       chan struct{}
	wg         sync.WaitGroup
}

// NewKafka 创建 Kafka 转发通道
func NewKafka(cfg *KafkaConfig, topic string, log logger.Logger) (*Kafka, error) {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	consumer, err := sarama.NewConsumer(cfg.Brokers, sc)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}

	return &Kafka{
		topic:    topic,
		producer: producer,
		consumer: consumer,
		log:      log,
		quit:     make(chan struct{}),
	}, nil
}

// Publish 以房间或连接 ID 为 key 发布，同一目标的帧落在同一分区
func (k *Kafka) Publish(_ context.Context, msg *Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(data),
	}
	if key := msg.Room + msg.ConnID; key != "" {
		pm.Key = sarama.StringEncoder(key)
	}
	_, _, err = k.producer.SendMessage(pm)
	return err
}

// Subscribe 为每个分区启动消费协程
func (k *Kafka) Subscribe(ctx context.Context, handler Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	if k.subscribed {
		return ErrAlreadySubscribed
	}

	ids, err := k.consumer.Partitions(k.topic)
	if err != nil {
		return err
	}
	for _, id := range ids {
		pc, err := k.consumer.ConsumePartition(k.topic, id, sarama.OffsetNewest)
		if err != nil {
			for _, started := range k.partitions {
				started.AsyncClose()
			}
			k.partitions = nil
			return err
		}
		k.partitions = append(k.partitions, pc)

		k.wg.Add(1)
		go k.consume(ctx, pc, handler)
	}
	k.subscribed = true
	return nil
}

func (k *Kafka) consume(ctx context.Context, pc sarama.PartitionConsumer, handler Handler) {
	defer k.wg.Done()
	for {
		select {
		case m, ok := <-pc.Messages():
			if !ok {
				return
			}
			msg, err := decode(m.Value)
			if err != nil {
				k.log.Warn("drop undecodable relay message",
					zap.Int32("partition", m.Partition),
					zap.Int64("offset", m.Offset),
					zap.Error(err))
				continue
			}
			handler(ctx, msg)
		case <-ctx.Done():
			return
		case <-k.quit:
			return
		}
	}
}

// Close 关闭消费者与生产者
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	partitions := k.partitions
	k.mu.Unlock()

	close(k.quit)
	for _, pc := range partitions {
		pc.AsyncClose()
	}
	k.wg.Wait()

	cerr := k.consumer.Close()
	if err := k.producer.Close(); err != nil {
		return err
	}
	return cerr
}
