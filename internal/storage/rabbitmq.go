package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobmatch-go/internal/config"
	"jobmatch-go/internal/types"
)

var rabbitTracer = otel.Tracer("jobmatch-go/storage/rabbitmq")

// RabbitMQ 提供匹配完成事件的发布能力
type RabbitMQ struct {
	conn          *amqp.Connection
	channelPool   sync.Pool
	exchangeMap   map[string]bool
	publishMutex  sync.Mutex
	cfg           *config.RabbitMQConfig
	retryInterval time.Duration
	maxRetries    int
}

// NewRabbitMQ 创建RabbitMQ客户端
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器: %w", err)
	}

	mq := &RabbitMQ{
		conn:          conn,
		exchangeMap:   make(map[string]bool),
		cfg:           cfg,
		retryInterval: config.GetDuration(cfg.RetryInterval, 5*time.Second),
		maxRetries:    cfg.MaxRetries,
	}

	mq.channelPool = sync.Pool{
		New: func() interface{} {
			ch, chErr := conn.Channel()
			if chErr != nil {
				log.Printf("创建RabbitMQ通道失败: %v", chErr)
				return nil
			}
			return ch
		},
	}

	testCh := mq.getChannel()
	if testCh == nil {
		conn.Close()
		return nil, fmt.Errorf("无法创建RabbitMQ通道")
	}
	mq.putChannel(testCh)

	if cfg.MatchEventsExchange != "" {
		if err := mq.EnsureExchange(cfg.MatchEventsExchange, "topic", true); err != nil {
			conn.Close()
			return nil, err
		}
	}

	log.Printf("成功连接到RabbitMQ服务器")
	return mq, nil
}

func (r *RabbitMQ) getChannel() *amqp.Channel {
	ch := r.channelPool.Get()
	if ch == nil {
		newCh, err := r.conn.Channel()
		if err != nil {
			log.Printf("创建新RabbitMQ通道失败: %v", err)
			return nil
		}
		return newCh
	}
	return ch.(*amqp.Channel)
}

func (r *RabbitMQ) putChannel(ch *amqp.Channel) {
	if ch != nil {
		r.channelPool.Put(ch)
	}
}

// Close 关闭连接
func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}

// EnsureExchange 确保exchange存在
func (r *RabbitMQ) EnsureExchange(exchangeName, exchangeType string, durable bool) error {
	if exchangeName == "" {
		return fmt.Errorf("exchange名称不能为空")
	}
	if _, exists := r.exchangeMap[exchangeName]; exists {
		return nil
	}

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	err := ch.ExchangeDeclare(
		exchangeName, // exchange名称
		exchangeType, // exchange类型
		durable,      // 持久化
		false,        // 自动删除
		false,        // 内部专用
		false,        // 非阻塞
		nil,          // 参数
	)
	if err != nil {
		return fmt.Errorf("声明exchange失败: %w", err)
	}

	r.exchangeMap[exchangeName] = true
	return nil
}

// PublishMessage 发布消息到exchange，失败时按配置的间隔重试
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	var deliveryMode uint8 = 1
	if persistent {
		deliveryMode = 2
	}

	return retryPublish(ctx, r.maxRetries, r.retryInterval, func() error {
		ch := r.getChannel()
		if ch == nil {
			return fmt.Errorf("无法获取RabbitMQ通道")
		}
		defer r.putChannel(ch)

		return ch.PublishWithContext(
			ctx,
			exchangeName, // exchange名
			routingKey,   // 路由键
			false,        // 强制
			false,        // 立即
			amqp.Publishing{
				DeliveryMode: deliveryMode,
				ContentType:  "application/json",
				Body:         message,
				Timestamp:    time.Now(),
			},
		)
	})
}

// retryPublish 按固定间隔重试发布，总尝试次数为 1+maxRetries
func retryPublish(ctx context.Context, maxRetries int, interval time.Duration, publish func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		if err = publish(); err == nil {
			return nil
		}
	}
	return err
}

// PublishJSON 发布JSON格式的消息
func (r *RabbitMQ) PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("JSON序列化失败: %w", err)
	}
	return r.PublishMessage(ctx, exchangeName, routingKey, jsonData, persistent)
}

// PublishMatchCompleted 发布匹配完成事件，供下游通知方消费
func (r *RabbitMQ) PublishMatchCompleted(ctx context.Context, event types.MatchCompletedEvent) error {
	ctx, span := rabbitTracer.Start(ctx, "RabbitMQ.PublishMatchCompleted",
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", r.cfg.MatchEventsExchange),
		attribute.String("messaging.rabbitmq.routing_key", r.cfg.MatchDoneRoutingKey),
		attribute.String("event.id", event.EventID),
	)

	if r.cfg.MatchEventsExchange == "" {
		span.SetStatus(codes.Ok, "exchange not configured")
		return nil
	}

	if err := r.PublishJSON(ctx, r.cfg.MatchEventsExchange, r.cfg.MatchDoneRoutingKey, event, true); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("发布匹配完成事件失败: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
