package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"plotLines/backend/internal/collab"
)

// StepsRelay 通过 Redis Pub/Sub 把已提交的步骤转发到所有实例，
// 每个实例收到后交给本地 hub 推送给自己的连接
type StepsRelay struct {
	rdb     redis.UniversalClient
	local   collab.Broadcaster
	timeout time.Duration
}

func NewStepsRelay(rdb redis.UniversalClient, local collab.Broadcaster) *StepsRelay {
	return &StepsRelay{rdb: rdb, local: local, timeout: time.Second}
}

// BroadcastSteps 发布失败时退化为只推送本实例
func (r *StepsRelay) BroadcastSteps(batch collab.StepsBatch) {
	b, err := json.Marshal(batch)
	if err != nil {
		log.Printf("relay marshal failed doc=%s version=%d err=%v", batch.DocID, batch.Version, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, stepsChannel(batch.DocID), b).Err(); err != nil {
		log.Printf("relay publish failed doc=%s version=%d err=%v", batch.DocID, batch.Version, err)
		r.local.BroadcastSteps(batch)
	}
}

// Run 订阅所有文档频道直到 ctx 结束
func (r *StepsRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	// 等待订阅确认
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var batch collab.StepsBatch
			if err := json.Unmarshal([]byte(msg.Payload), &batch); err != nil {
				log.Printf("relay bad payload channel=%s err=%v", msg.Channel, err)
				continue
			}
			r.local.BroadcastSteps(batch)
		}
	}
}
