package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	redisAdapter "bidmart/adapters/redis"
	"bidmart/adapters/sse"
	"bidmart/bizerr"
	"bidmart/models"
	"bidmart/notify"
	"bidmart/store/storetest"
)

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestDispatcher_Notify(t *testing.T) {
	s, db := storetest.NewStore(t)
	ctrl := gomock.NewController(t)
	pusher := notify.NewMockPusher(ctrl)

	seller, winner := uuid.New(), uuid.New()
	auctionID := uuid.New()

	var pushed []uuid.UUID
	pusher.EXPECT().PushToUser(gomock.Any(), gomock.Any()).DoAndReturn(func(id uuid.UUID, event notify.LiveEvent) error {
		assert.Equal(t, notify.EventNotification, event.Type)
		assert.Equal(t, auctionID.String(), event.AuctionID)
		assert.NotEmpty(t, event.NotificationID)
		pushed = append(pushed, id)
		if id == winner {
			return errors.New("stream unavailable")
		}
		return nil
	}).Times(2)

	dispatcher, err := notify.NewDispatcher(s,
		notify.WithPusher(pusher),
		notify.WithClock(func() time.Time { return now }),
		notify.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	ids, err := dispatcher.Notify(context.Background(), notify.Notice{
		Type:             models.NotificationAuctionEnded,
		Title:            "Auction ended",
		Message:          "Your auction has ended",
		RecipientIDs:     []uuid.UUID{seller, winner, seller, uuid.Nil},
		RelatedAuctionID: &auctionID,
	})

	// 推送失敗不影響結果
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.ElementsMatch(t, []uuid.UUID{seller, winner}, pushed)

	var rows []models.Notification
	require.NoError(t, db.Order("created_at").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, models.NotificationAuctionEnded, row.Type)
		require.NotNil(t, row.RelatedAuctionID)
		assert.Equal(t, auctionID, *row.RelatedAuctionID)
		assert.Nil(t, row.ReadAt)
	}
}

func TestDispatcher_NotifyInvalid(t *testing.T) {
	s, _ := storetest.NewStore(t)
	dispatcher, err := notify.NewDispatcher(s)
	require.NoError(t, err)

	_, err = dispatcher.Notify(context.Background(), notify.Notice{Title: "no recipients"})
	assert.ErrorIs(t, err, bizerr.ErrInvalidInput)

	_, err = dispatcher.Notify(context.Background(), notify.Notice{RecipientIDs: []uuid.UUID{uuid.New()}})
	assert.ErrorIs(t, err, bizerr.ErrInvalidInput)
}

func TestDeliver_LogsFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := notify.NewMockNotifier(ctrl)
	first := notify.Notice{Type: models.NotificationAuctionEnded, Title: "a"}
	second := notify.Notice{Type: models.NotificationAuctionWon, Title: "b"}

	gomock.InOrder(
		notifier.EXPECT().Notify(gomock.Any(), first).Return(nil, errors.New("db down")),
		notifier.EXPECT().Notify(gomock.Any(), second).Return([]uuid.UUID{uuid.New()}, nil),
	)

	notify.Deliver(context.Background(), notifier, slog.New(slog.NewTextHandler(io.Discard, nil)), first, second)
}

func TestLivePusher(t *testing.T) {
	ctrl := gomock.NewController(t)
	producer := redisAdapter.NewMockIProducer[sse.PublishRequest[notify.LiveEvent]](ctrl)
	pusher, err := notify.NewLivePusher(producer)
	require.NoError(t, err)

	accountID, auctionID := uuid.New(), uuid.New()
	event := notify.LiveEvent{Type: notify.EventBidPlaced, Price: "150", At: now}

	producer.EXPECT().Publish(sse.PublishRequest[notify.LiveEvent]{Channel: "user:" + accountID.String(), Message: event}).Return(nil)
	producer.EXPECT().Publish(sse.PublishRequest[notify.LiveEvent]{Channel: "auction:" + auctionID.String(), Message: event}).Return(redisAdapter.ErrProducerClosed)

	assert.NoError(t, pusher.PushToUser(accountID, event))
	assert.ErrorIs(t, pusher.PushToAuction(auctionID, event), redisAdapter.ErrProducerClosed)

	_, err = notify.NewLivePusher(nil)
	assert.Error(t, err)
}
