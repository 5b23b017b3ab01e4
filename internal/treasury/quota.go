package treasury

import (
	"math/big"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// quotaDateLayout 是配额窗口的日期粒度，按 UTC 日历日滚动。
const quotaDateLayout = "2006-01-02"

// DailyQuota 是所有并发注资调用共享的每日配额计数器。
// 窗口滚动发生在任意一次检查时刻，而不是由定时任务驱动；
// 计数器的读改写均在互斥锁内完成，锁从不跨越网络调用持有。
type DailyQuota struct {
	mu        sync.Mutex
	maxCount  int
	maxAmount *big.Int
	count     int
	amount    *big.Int
	resetDate string
	now       func() time.Time
}

// NewDailyQuota 创建每日配额。maxCount 或 maxAmount 为零值时表示不设该项上限。
func NewDailyQuota(maxCount int, maxAmount *big.Int) *DailyQuota {
	q := &DailyQuota{
		maxCount: maxCount,
		amount:   new(big.Int),
		now:      time.Now,
	}
	if maxAmount != nil && maxAmount.Sign() > 0 {
		q.maxAmount = new(big.Int).Set(maxAmount)
	}
	q.resetDate = q.today()
	return q
}

func (q *DailyQuota) today() string {
	return q.now().UTC().Format(quotaDateLayout)
}

// rollWindow 在日期变化时清零计数器。调用方必须持有锁。
func (q *DailyQuota) rollWindow() {
	today := q.today()
	if today != q.resetDate {
		q.count = 0
		q.amount = new(big.Int)
		q.resetDate = today
	}
}

// Within 报告再注资一笔 amount 是否仍在配额内。
func (q *DailyQuota) Within(amount *big.Int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollWindow()
	return q.fits(amount)
}

// fits 检查预留是否超限。调用方必须持有锁。
func (q *DailyQuota) fits(amount *big.Int) bool {
	if q.maxCount > 0 && q.count+1 > q.maxCount {
		return false
	}
	if q.maxAmount != nil {
		next := new(big.Int).Add(q.amount, amount)
		if next.Cmp(q.maxAmount) > 0 {
			return false
		}
	}
	return true
}

// Reserve 原子地占用一笔配额。超限时返回 ErrQuotaExceeded 且不产生任何占用。
func (q *DailyQuota) Reserve(amount *big.Int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollWindow()
	if !q.fits(amount) {
		return ErrQuotaExceeded
	}
	q.count++
	q.amount = new(big.Int).Add(q.amount, amount)
	return nil
}

// Release 回滚一笔已占用的配额，用于转账失败后的补偿。
func (q *DailyQuota) Release(amount *big.Int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count > 0 {
		q.count--
	}
	next := new(big.Int).Sub(q.amount, amount)
	if next.Sign() < 0 {
		next = new(big.Int)
	}
	q.amount = next
}

// Usage 返回当前窗口的占用情况，用于可用性查询与指标上报。
func (q *DailyQuota) Usage() (count int, amount *big.Int, resetDate string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollWindow()
	return q.count, new(big.Int).Set(q.amount), q.resetDate
}

// ErrQuotaExceeded 表示当日配额已用尽，注资被推迟而非失败。
var ErrQuotaExceeded = xerrors.New(CodeQuotaExceeded, "daily funding quota exceeded")

const CodeQuotaExceeded xerrors.Code = "QUOTA_EXCEEDED"

func init() {
	xerrors.Register(CodeQuotaExceeded, xerrors.Attributes{
		Message:   "daily funding quota exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}
