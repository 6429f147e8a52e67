package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	redisAdapter "bidmart/adapters/redis"
	"bidmart/store"
)

type scannerOptions struct {
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	markerTTL time.Duration
	clock     func() time.Time
}

type ScannerOption func(*scannerOptions)

// WithScannerLogger 設置日誌記錄器
func WithScannerLogger(logger *slog.Logger) ScannerOption {
	return func(o *scannerOptions) {
		o.logger = logger
	}
}

// WithScannerInterval 設置掃描間隔
func WithScannerInterval(d time.Duration) ScannerOption {
	return func(o *scannerOptions) {
		o.interval = d
	}
}

// WithScannerBatchSize 設置每次掃描最多派發的拍賣數量
func WithScannerBatchSize(size int) ScannerOption {
	return func(o *scannerOptions) {
		o.batchSize = size
	}
}

// WithScannerMarkerTTL 設置派發標記的存活時間，超過後視為工作已被放棄，可以重新派發
func WithScannerMarkerTTL(d time.Duration) ScannerOption {
	return func(o *scannerOptions) {
		o.markerTTL = d
	}
}

// WithScannerClock 設置時間來源
func WithScannerClock(clock func() time.Time) ScannerOption {
	return func(o *scannerOptions) {
		o.clock = clock
	}
}

// Scanner 找出已經過了結束時間的拍賣並派發結標工作，本身不修改任何拍賣
type Scanner struct {
	store    *store.Store
	marker   redisAdapter.IDispatchMarker
	producer redisAdapter.IProducer[Task]
	logger   *slog.Logger
	options  scannerOptions
}

func NewScanner(
	s *store.Store,
	marker redisAdapter.IDispatchMarker,
	producer redisAdapter.IProducer[Task],
	opts ...ScannerOption,
) (*Scanner, error) {
	if s == nil || marker == nil || producer == nil {
		return nil, errors.New("store, marker and producer cannot be nil")
	}
	options := scannerOptions{
		logger:    slog.Default(),
		interval:  time.Minute,
		batchSize: 100,
		markerTTL: 5 * time.Minute,
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.interval <= 0 || options.batchSize <= 0 || options.markerTTL <= 0 {
		return nil, errors.New("interval, batch size and marker ttl must be positive")
	}
	return &Scanner{
		store:    s,
		marker:   marker,
		producer: producer,
		logger:   options.logger.With(slog.String("caller", "ClosingScanner")),
		options:  options,
	}, nil
}

// maxPagesPerScan 限制單次掃描翻頁的次數
const maxPagesPerScan = 10

// Scan 執行一次掃描，回傳本次派發的工作數量
// 已有標記或派發失敗的拍賣不佔用批次名額，掃描會往後翻頁直到派發滿 batchSize 筆
// 單一拍賣派發失敗不會中斷其他拍賣，所有錯誤會合併回傳
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	const op = "Scan"
	now := s.options.clock()

	var (
		after      *store.ExpiredAuction
		expired    int
		dispatched int
		errs       []error
	)
	for page := 0; page < maxPagesPerScan && dispatched < s.options.batchSize; page++ {
		auctions, err := store.FindExpiredAuctions(s.store.DB(ctx), now, after, s.options.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("[%s] Fail to scan expired auctions, err=%w", op, err))
			break
		}
		expired += len(auctions)
		for _, a := range auctions {
			if dispatched == s.options.batchSize {
				break
			}
			ok, err := s.dispatch(ctx, a.ID, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				dispatched++
			}
		}
		if len(auctions) < s.options.batchSize {
			break
		}
		after = &auctions[len(auctions)-1]
	}
	if dispatched > 0 {
		s.logger.Info("Closing tasks dispatched", slog.Int("expired", expired), slog.Int("dispatched", dispatched))
	}
	return dispatched, errors.Join(errs...)
}

// dispatch 先設置派發標記，只有設置成功的掃描者會送出工作
func (s *Scanner) dispatch(ctx context.Context, auctionID uuid.UUID, now time.Time) (bool, error) {
	const op = "dispatch"
	token := uuid.NewString()
	marked, err := s.marker.Mark(ctx, MarkerName(auctionID), token, s.options.markerTTL)
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to mark auction, auctionID=%s, err=%w", op, auctionID, err)
	}
	if !marked {
		return false, nil
	}
	_, err = s.producer.PublishSync(ctx, Task{
		AuctionID:    auctionID,
		DispatchID:   token,
		DispatchedAt: now,
	})
	if err != nil {
		if _, clearErr := s.marker.Clear(ctx, MarkerName(auctionID), token); clearErr != nil {
			s.logger.Error("Fail to clear marker after publish failure",
				slog.String("auction", auctionID.String()),
				slog.Any("error", clearErr))
		}
		return false, fmt.Errorf("[%s] Fail to publish closing task, auctionID=%s, err=%w", op, auctionID, err)
	}
	return true, nil
}

// Run 立即掃描一次，之後每隔固定間隔掃描，直到 ctx 結束
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("Start closing scanner", slog.Duration("interval", s.options.interval))
	defer s.logger.Info("Closing scanner stopped")
	ticker := time.NewTicker(s.options.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Fail to scan expired auctions", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
