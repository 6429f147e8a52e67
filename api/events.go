package api

import (
	"context"
	"crypto"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bidmart/adapters/sse"
	"bidmart/bizerr"
	"bidmart/identity"
	"bidmart/models"
	"bidmart/notify"
)

// AuctionReader 讀取拍賣，用於檢查能否訂閱拍賣頻道
type AuctionReader interface {
	Get(ctx context.Context, auctionID uuid.UUID) (*models.Auction, error)
}

// EventsHandler 提供即時事件的 SSE 端點
type EventsHandler struct {
	manager   sse.IConnectionManager[notify.LiveEvent]
	auctions  AuctionReader
	publicKey crypto.PublicKey
	heartbeat time.Duration
	logger    *slog.Logger
}

func NewEventsHandler(
	manager sse.IConnectionManager[notify.LiveEvent],
	auctions AuctionReader,
	publicKey crypto.PublicKey,
	logger *slog.Logger,
) (*EventsHandler, error) {
	if manager == nil || auctions == nil || publicKey == nil {
		return nil, errors.New("manager, auction reader and public key cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		manager:   manager,
		auctions:  auctions,
		publicKey: publicKey,
		heartbeat: 30 * time.Second,
		logger:    logger.With(slog.String("caller", "EventsHandler")),
	}, nil
}

func (h *EventsHandler) Register(router gin.IRouter) {
	router.GET("/events", h.UserEvents)
	router.GET("/auctions/:id/events", h.AuctionEvents)
}

// UserEvents 推送登入者自己的通知
// (GET /events)
func (h *EventsHandler) UserEvents(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing bearer token"})
		return
	}
	caller, err := identity.Parse(token, h.publicKey)
	if err != nil {
		h.logger.Debug("Reject event subscription", slog.Any("error", err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}
	h.stream(c, notify.UserChannel(caller.AccountID))
}

// AuctionEvents 推送拍賣的出價與結標事件，只有競標中的拍賣可以訂閱
// (GET /auctions/:id/events)
func (h *EventsHandler) AuctionEvents(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, bizerr.ErrInvalidInput.WithMessage("invalid auction id"))
		return
	}
	a, err := h.auctions.Get(c.Request.Context(), auctionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if a.Status != models.AuctionStatusApproved {
		c.AbortWithStatusJSON(http.StatusGone, gin.H{
			"code":    bizerr.ErrAuctionNotBiddable.Code,
			"message": "auction is " + string(a.Status),
		})
		return
	}
	h.stream(c, notify.AuctionChannel(auctionID))
}

func (h *EventsHandler) stream(c *gin.Context, channel string) {
	ch, err := h.manager.Subscribe(channel)
	if err != nil {
		h.logger.Error("Fail to subscribe channel", slog.String("channel", channel), slog.Any("error", err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"message": "event stream unavailable"})
		return
	}
	defer h.manager.Unsubscribe(channel, ch)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	c.SSEvent("ready", gin.H{"channel": channel})
	w.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
			w.Flush()
		// 一段時間沒有事件就送出註解行，避免代理伺服器斷開連線
		case <-heartbeat.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}

// statusOf 將錯誤分類對應到 HTTP 狀態碼
func statusOf(err error) int {
	switch bizerr.KindOf(err) {
	case bizerr.KindValidation:
		return http.StatusBadRequest
	case bizerr.KindNotFound:
		return http.StatusNotFound
	case bizerr.KindForbidden:
		return http.StatusForbidden
	case bizerr.KindConflict:
		return http.StatusConflict
	case bizerr.KindResource:
		return http.StatusUnprocessableEntity
	case bizerr.KindConcurrency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("Unhandled error", slog.String("path", c.FullPath()), slog.Any("error", err))
		c.AbortWithStatusJSON(status, gin.H{"code": bizerr.CodeInternal, "message": "internal error"})
		return
	}
	message := err.Error()
	var bizErr *bizerr.Error
	if errors.As(err, &bizErr) {
		message = bizErr.Message
	}
	c.AbortWithStatusJSON(status, gin.H{"code": bizerr.CodeOf(err), "message": message})
}
