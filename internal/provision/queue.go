package provision

import (
	"context"
)

// Handler 处理来自重试队列的账户地址。
type Handler func(ctx context.Context, address string) error

// Producer 负责向重试队列投递待部署的账户地址。
type Producer interface {
	Publish(ctx context.Context, address string) error
	Close() error
}

// Consumer 负责从重试队列中消费账户地址。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
