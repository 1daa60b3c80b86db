package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedisQueue(client)
	ctx := context.Background()

	depth, err := q.Depth(ctx, "queue:agent:jobs")
	if err != nil || depth != 0 {
		t.Fatalf("Depth() on empty queue = %d, %v", depth, err)
	}

	for i := 0; i < 3; i++ {
		if err := q.PublishJob(ctx, ReportQueueKey, map[string]int{"n": i}); err != nil {
			t.Fatalf("PublishJob() error = %v", err)
		}
	}
	if depth, _ := q.Depth(ctx, ReportQueueKey); depth != 3 {
		t.Errorf("Depth() = %d, want 3", depth)
	}

	// LPush puts the newest job at the head
	head, err := mr.Lpop(ReportQueueKey)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal([]byte(head), &got); err != nil {
		t.Fatal(err)
	}
	if got["n"] != 2 {
		t.Errorf("head of queue = %v, want newest job", got)
	}

	if err := q.PublishJob(ctx, ReportQueueKey, func() {}); err == nil {
		t.Error("expected marshal error")
	}
}
