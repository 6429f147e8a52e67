// Package closing 負責找出已經到期的拍賣並逐一結標
//
// Scanner 定期掃描到期拍賣並為每一場派發一個 Task，
// Worker 從 consumer group 取得 Task 後交給 Closer 在分散式鎖的保護下結標
package closing

import (
	"time"

	"github.com/google/uuid"
)

// Task 代表一場拍賣的結標工作，可以重複執行
type Task struct {
	AuctionID    uuid.UUID `msgpack:"auctionId"`
	DispatchID   string    `msgpack:"dispatchId"`
	DispatchedAt time.Time `msgpack:"dispatchedAt"`
}

// MarkerName 回傳派發標記的名稱
func MarkerName(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String() + ":closing"
}

// LockName 回傳結標互斥鎖的名稱
func LockName(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String() + ":close-lock"
}
