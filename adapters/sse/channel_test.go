package sse_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bidmart/adapters/sse"
)

func TestChannel(t *testing.T) {
	ch := sse.NewChannel[Message](2)

	// 測試訂閱
	sub := ch.Subscribe()
	assert.NotNil(t, sub)
	assert.False(t, ch.IsIdle())

	// 測試廣播訊息
	msg := Message{Data: "bid.placed"}
	assert.Equal(t, 0, ch.Broadcast(msg))
	assert.Equal(t, msg, <-sub)

	// 測試取消訂閱
	ch.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok, "channel should be closed")
	assert.True(t, ch.IsIdle(), "channel should be idle")

	// 重複取消訂閱不會 panic
	ch.Unsubscribe(sub)
}

func TestChannel_SlowSubscriberDoesNotBlock(t *testing.T) {
	ch := sse.NewChannel[Message](1)
	slow := ch.Subscribe()
	fast := ch.Subscribe()

	assert.Equal(t, 0, ch.Broadcast(Message{Data: "1"}))
	assert.Equal(t, Message{Data: "1"}, <-fast)

	// slow 的緩衝已滿，訊息被丟棄，fast 仍然收到
	assert.Equal(t, 1, ch.Broadcast(Message{Data: "2"}))
	assert.Equal(t, Message{Data: "2"}, <-fast)
	assert.Equal(t, Message{Data: "1"}, <-slow)

	ch.UnsubscribeAll()
	_, ok := <-slow
	assert.False(t, ok)
	_, ok = <-fast
	assert.False(t, ok)
	assert.True(t, ch.IsIdle())
}
