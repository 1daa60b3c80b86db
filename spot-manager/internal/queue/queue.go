package queue

import "context"

// ReportQueueKey receives a summary of every planning cycle
const ReportQueueKey = "queue:spot:reports"

type QueueClient interface {
	PublishJob(ctx context.Context, queueName string, payload interface{}) error
}

// DepthReader reports how many jobs wait in a queue
type DepthReader interface {
	Depth(ctx context.Context, queueName string) (int64, error)
}
