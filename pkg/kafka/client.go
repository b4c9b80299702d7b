// Package kafka 提供了删除重试队列的生产者与消费者。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docsage-go/internal/config"
	"docsage-go/pkg/log"
	"docsage-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 30 * time.Second
	attemptsTTL         = 24 * time.Hour
)

// TaskProcessor 处理一个删除重试任务。返回 nil 表示任务已完成，可以提交 offset。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.DeletionTask) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 把删除重试任务写入 Kafka。
type Producer struct {
	writer messageWriter
}

// NewProducer 创建一个 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Infof("Kafka 生产者初始化成功, Topic: %s", cfg.Topic)
	return &Producer{writer: w}
}

// Enqueue 发送一个删除重试任务，以文档 ID 作为消息 key。
func (p *Producer) Enqueue(ctx context.Context, task tasks.DeletionTask) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	value, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: value,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// TaskQueue 接收需要再次投递的删除任务，通常就是 Producer。
type TaskQueue interface {
	Enqueue(ctx context.Context, task tasks.DeletionTask) error
}

// Consumer 消费删除重试任务，失败次数记录在 Redis 中。
// 失败的任务会带着递增的 Attempt 重新投递，然后提交原消息的 offset。
type Consumer struct {
	reader      messageReader
	rdb         *redis.Client
	processor   TaskProcessor
	requeue     TaskQueue
	maxAttempts int64
	backoff     time.Duration
	now         func() time.Time
}

// NewConsumer 创建一个 Kafka 消费者。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client, processor TaskProcessor, requeue TaskQueue) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(r, rdb, processor, requeue, cfg.MaxAttempts, cfg.RetryBackoff)
}

func newConsumer(r messageReader, rdb *redis.Client, processor TaskProcessor, requeue TaskQueue, maxAttempts int, backoff time.Duration) *Consumer {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Consumer{
		reader:      r,
		rdb:         rdb,
		processor:   processor,
		requeue:     requeue,
		maxAttempts: int64(maxAttempts),
		backoff:     backoff,
		now:         time.Now,
	}
}

// Run 持续拉取并处理消息，直到 ctx 取消或读取失败。
func (c *Consumer) Run(ctx context.Context) error {
	log.Info("[Kafka] 删除重试消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("[Kafka] 关闭消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("[Kafka] 从 Kafka 读取消息失败: %v", err)
			return err
		}
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	log.Infof("[Kafka] 收到消息: offset %d", m.Offset)

	var task tasks.DeletionTask
	if err := json.Unmarshal(m.Value, &task); err != nil || task.DocumentID == "" {
		log.Errorf("[Kafka] 无法解析消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	// 未到重试时间则等待；停机时不提交，重启后从该 offset 继续
	if !c.waitUntil(ctx, task.NotBefore) {
		return
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.DocumentID)
	if err := c.processor.Process(ctx, task); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Errorf("[Kafka] 删除重试失败: DocumentID=%s, Attempt=%d, Error: %v", task.DocumentID, task.Attempt+1, err)
		attempts, incErr := c.rdb.Incr(ctx, attemptsKey).Result()
		if incErr != nil {
			log.Warnf("[Kafka] 记录失败次数失败，改用消息中的计数: %v", incErr)
			attempts = int64(task.Attempt + 1)
		} else {
			_ = c.rdb.Expire(ctx, attemptsKey, attemptsTTL).Err()
		}
		if attempts >= c.maxAttempts {
			log.Errorf("[Kafka] 删除任务多次失败(>=%d)，终止重试，残留交给清理任务: DocumentID=%s", c.maxAttempts, task.DocumentID)
			c.commit(ctx, m)
			return
		}

		// Kafka 不会重新投递未提交的消息，失败的任务需要重新写入队列
		next := task
		next.Attempt = int(attempts)
		next.NotBefore = c.now().Add(c.retryDelay(attempts)).UTC()
		if err := c.requeue.Enqueue(ctx, next); err != nil {
			log.Errorf("[Kafka] 重新投递删除任务失败，残留交给清理任务: DocumentID=%s, Error: %v", task.DocumentID, err)
		} else {
			log.Infof("[Kafka] 删除任务已重新投递: DocumentID=%s, Attempt=%d, NotBefore=%s", task.DocumentID, next.Attempt, next.NotBefore.Format(time.RFC3339))
		}
		c.commit(ctx, m)
		return
	}

	log.Infof("[Kafka] 删除重试成功: DocumentID=%s", task.DocumentID)
	_ = c.rdb.Del(ctx, attemptsKey).Err()
	c.commit(ctx, m)
}

// retryDelay 按失败次数指数退避。
func (c *Consumer) retryDelay(attempts int64) time.Duration {
	return c.backoff << (attempts - 1)
}

// waitUntil 等待到 t；ctx 取消时返回 false。
func (c *Consumer) waitUntil(ctx context.Context, t time.Time) bool {
	wait := t.Sub(c.now())
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("[Kafka] 提交 offset 失败: %v", err)
	}
}
