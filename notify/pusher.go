package notify

import (
	"errors"

	"github.com/google/uuid"

	redisAdapter "bidmart/adapters/redis"
	"bidmart/adapters/sse"
)

// LivePusher 將事件寫入 Redis Stream，由每個節點的 SSE ConnectionManager 讀取後推送給連線
type LivePusher struct {
	producer redisAdapter.IProducer[sse.PublishRequest[LiveEvent]]
}

func NewLivePusher(producer redisAdapter.IProducer[sse.PublishRequest[LiveEvent]]) (*LivePusher, error) {
	if producer == nil {
		return nil, errors.New("producer cannot be nil")
	}
	return &LivePusher{producer: producer}, nil
}

func (p *LivePusher) PushToUser(accountID uuid.UUID, event LiveEvent) error {
	return p.producer.Publish(sse.PublishRequest[LiveEvent]{
		Channel: UserChannel(accountID),
		Message: event,
	})
}

func (p *LivePusher) PushToAuction(auctionID uuid.UUID, event LiveEvent) error {
	return p.producer.Publish(sse.PublishRequest[LiveEvent]{
		Channel: AuctionChannel(auctionID),
		Message: event,
	})
}

// Discard 是不推送任何事件的 Pusher
var Discard Pusher = discard{}

type discard struct{}

func (discard) PushToUser(uuid.UUID, LiveEvent) error    { return nil }
func (discard) PushToAuction(uuid.UUID, LiveEvent) error { return nil }
