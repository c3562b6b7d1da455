package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞协调操作（Enqueue 只负责入队）
// - Kafka 短暂不可用时靠队列吸收，后台补发
// - 队列满时等到 ctx 超时后丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan SnapshotEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      logrus.FieldLogger

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	sent    int
	dropped int
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      logrus.FieldLogger
}

type DispatcherStats struct {
	Queued  int `json:"queued"`
	Sent    int `json:"sent"`
	Dropped int `json:"dropped"`
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 2 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan SnapshotEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      opt.Logger.WithField("component", "kafka_dispatcher"),
	}

	d.start()
	return d
}

// Enqueue 把事件放入本地队列，队列满时等到 ctx 结束。
// 下游不要求强一致，不是每个事件都必须送达。
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt SnapshotEvent) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		d.countDropped()
		return errors.Wrap(ctx.Err(), "kafka queue full")
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等待队列中剩余事件发送完毕
func (d *KafkaDispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt SnapshotEvent) {
	if d.producer == nil || d.topic == "" {
		// 未配置 producer/topic 时事件没有去处，按丢弃计数
		d.countDropped()
		d.logger.WithField("action", "kafka_send").
			WithField("docId", evt.DocID).
			WithField("version", evt.Version).
			Warn("kafka producer or topic not configured, drop event")
		return
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.baseBackoff
	eb.MaxInterval = d.maxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(eb, uint64(d.maxRetry))

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if d.sem != nil {
			// worker 允许一直等待，不影响主链路
			_ = d.sem.Acquire(context.Background())
			defer func() { _ = d.sem.Release() }()
		}
		return d.sendOnce(evt)
	}, policy)

	log := d.logger.WithField("action", "kafka_send").
		WithField("docId", evt.DocID).
		WithField("version", evt.Version).
		WithField("worker", workerID).
		WithField("attempts", attempt)
	if err != nil {
		d.countDropped()
		log.WithError(err).Error("kafka send failed, drop event")
		return
	}
	d.mu.Lock()
	d.sent++
	d.mu.Unlock()
	log.Debug("snapshot event sent")
}

func (d *KafkaDispatcher) sendOnce(evt SnapshotEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

func (d *KafkaDispatcher) countDropped() {
	d.mu.Lock()
	d.dropped++
	d.mu.Unlock()
}

func (d *KafkaDispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherStats{Queued: len(d.queue), Sent: d.sent, Dropped: d.dropped}
}
