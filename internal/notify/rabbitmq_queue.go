package notify

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "SparkLLM-Demo/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认 exchange 直接投递到具名队列。
// 消费端收到即确认，通知按至多一次语义处理。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQQueue 建立连接并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rabbitmq url is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = "sparkdemo.completions"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "dial rabbitmq")
	}
	q := &RabbitMQQueue{conn: conn, queue: cfg.Queue}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "open rabbitmq channel")
	}
	q.ch = ch
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "set rabbitmq qos")
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "declare rabbitmq queue",
			xerrors.WithMetadata("queue", cfg.Queue))
	}
	return nil
}

func (q *RabbitMQQueue) Publish(ctx context.Context, c Completion) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   c.RequestID,
		Body:        data,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish completion",
			xerrors.WithMetadata("request_id", c.RequestID))
	}
	return nil
}

// Consume 在 ctx 结束或 broker 关闭投递通道时返回。
func (q *RabbitMQQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "consume rabbitmq queue")
	}
	return pump(ctx, workers, func(ctx context.Context) (Completion, bool, error) {
		for {
			select {
			case <-ctx.Done():
				return Completion{}, false, ctx.Err()
			case d, ok := <-deliveries:
				if !ok {
					return Completion{}, false, nil
				}
				_ = d.Ack(false)
				c, err := decode(d.Body)
				if err != nil {
					dropMalformed("rabbitmq", err)
					continue
				}
				return c, true, nil
			}
		}
	}, handler)
}

func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
