package treasury

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/chain"
	xerrors "ChainPilot/internal/errors"
)

type stubChainClient struct {
	mu          sync.Mutex
	balance     *big.Int
	transferErr error
	transfers   int32
}

func (s *stubChainClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(s.balance), nil
}

func (s *stubChainClient) IsDeployed(ctx context.Context, address common.Address) (bool, error) {
	return false, nil
}

func (s *stubChainClient) Deploy(ctx context.Context, req chain.DeployRequest) (string, error) {
	return "0xdeploy", nil
}

func (s *stubChainClient) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (string, error) {
	atomic.AddInt32(&s.transfers, 1)
	s.mu.Lock()
	err := s.transferErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "0xtransfer", nil
}

func (s *stubChainClient) WaitForConfirmation(ctx context.Context, txRef string) error {
	return nil
}

func (s *stubChainClient) Close() {}

var _ chain.Client = (*stubChainClient)(nil)

var (
	testTreasury = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testAccount  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func newTestService(balance int64, maxCount int) (*Service, *stubChainClient) {
	client := &stubChainClient{balance: big.NewInt(balance)}
	quota := NewDailyQuota(maxCount, nil)
	svc := NewService(client, quota, testTreasury, big.NewInt(100))
	return svc, client
}

func TestFundSuccess(t *testing.T) {
	svc, client := newTestService(1_000, 10)

	result := svc.Fund(context.Background(), testAccount)
	if result.Err != nil {
		t.Fatalf("Fund 返回错误: %v", result.Err)
	}
	if !result.Success || result.TxRef == "" {
		t.Fatalf("期望注资成功并返回交易引用，实际 %+v", result)
	}
	if got := atomic.LoadInt32(&client.transfers); got != 1 {
		t.Fatalf("期望一次转账，实际 %d", got)
	}
}

func TestFundNotConfigured(t *testing.T) {
	client := &stubChainClient{balance: big.NewInt(1_000)}
	svc := NewService(client, NewDailyQuota(10, nil), common.Address{}, big.NewInt(100))

	result := svc.Fund(context.Background(), testAccount)
	if !stdErrors.Is(result.Err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", result.Err)
	}
	if atomic.LoadInt32(&client.transfers) != 0 {
		t.Fatal("未配置时不应发起转账")
	}
}

func TestFundInsufficientBalance(t *testing.T) {
	svc, client := newTestService(99, 10)

	result := svc.Fund(context.Background(), testAccount)
	if !stdErrors.Is(result.Err, ErrInsufficientBalance) {
		t.Fatalf("期望 ErrInsufficientBalance，实际 %v", result.Err)
	}
	if atomic.LoadInt32(&client.transfers) != 0 {
		t.Fatal("余额不足时不应发起转账")
	}
}

func TestFundQuotaExceeded(t *testing.T) {
	svc, _ := newTestService(10_000, 2)

	for i := 0; i < 2; i++ {
		if result := svc.Fund(context.Background(), testAccount); result.Err != nil {
			t.Fatalf("第 %d 次注资失败: %v", i+1, result.Err)
		}
	}

	result := svc.Fund(context.Background(), testAccount)
	if !stdErrors.Is(result.Err, ErrQuotaExceeded) {
		t.Fatalf("期望 ErrQuotaExceeded，实际 %v", result.Err)
	}
}

func TestFundAmountQuota(t *testing.T) {
	client := &stubChainClient{balance: big.NewInt(10_000)}
	quota := NewDailyQuota(0, big.NewInt(250))
	svc := NewService(client, quota, testTreasury, big.NewInt(100))

	for i := 0; i < 2; i++ {
		if result := svc.Fund(context.Background(), testAccount); result.Err != nil {
			t.Fatalf("第 %d 次注资失败: %v", i+1, result.Err)
		}
	}

	result := svc.Fund(context.Background(), testAccount)
	if !stdErrors.Is(result.Err, ErrQuotaExceeded) {
		t.Fatalf("期望累计金额超限，实际 %v", result.Err)
	}
}

func TestFundTransferFailureReleasesQuota(t *testing.T) {
	svc, client := newTestService(10_000, 1)
	client.transferErr = stdErrors.New("nonce too low")

	result := svc.Fund(context.Background(), testAccount)
	if result.Err == nil {
		t.Fatal("期望转账失败")
	}
	if xerrors.CodeOf(result.Err) != CodeTransferFailed {
		t.Fatalf("期望 TREASURY_TRANSFER_FAILED，实际 %v", xerrors.CodeOf(result.Err))
	}

	client.mu.Lock()
	client.transferErr = nil
	client.mu.Unlock()

	if result := svc.Fund(context.Background(), testAccount); result.Err != nil {
		t.Fatalf("回滚后配额应可再次使用: %v", result.Err)
	}
}

func TestQuotaRollsOnDateChange(t *testing.T) {
	quota := NewDailyQuota(1, nil)
	amount := big.NewInt(100)

	if err := quota.Reserve(amount); err != nil {
		t.Fatalf("首次预留失败: %v", err)
	}
	if err := quota.Reserve(amount); !stdErrors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("期望超限，实际 %v", err)
	}

	quota.mu.Lock()
	quota.now = func() time.Time { return time.Now().UTC().Add(24 * time.Hour) }
	quota.mu.Unlock()

	if err := quota.Reserve(amount); err != nil {
		t.Fatalf("跨日后预留应重新可用: %v", err)
	}
	count, used, _ := quota.Usage()
	if count != 1 || used.Cmp(amount) != 0 {
		t.Fatalf("跨日后计数应重置，实际 count=%d used=%s", count, used)
	}
}

func TestFundConcurrentSingleWinner(t *testing.T) {
	svc, client := newTestService(10_000, 1)

	const workers = 8
	var wg sync.WaitGroup
	var success int32
	var quotaRejected int32

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := svc.Fund(context.Background(), testAccount)
			if result.Success {
				atomic.AddInt32(&success, 1)
				return
			}
			if stdErrors.Is(result.Err, ErrQuotaExceeded) {
				atomic.AddInt32(&quotaRejected, 1)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("期望恰好一次注资成功，实际 %d", success)
	}
	if quotaRejected != workers-1 {
		t.Fatalf("期望 %d 次配额拒绝，实际 %d", workers-1, quotaRejected)
	}
	if got := atomic.LoadInt32(&client.transfers); got != 1 {
		t.Fatalf("期望恰好一次转账，实际 %d", got)
	}
}

func TestCheckAvailability(t *testing.T) {
	svc, client := newTestService(1_000, 1)

	avail, err := svc.CheckAvailability(context.Background())
	if err != nil {
		t.Fatalf("CheckAvailability 返回错误: %v", err)
	}
	if !avail.Configured || !avail.WithinQuota || !avail.TreasuryFunded {
		t.Fatalf("期望全部可用，实际 %+v", avail)
	}

	if result := svc.Fund(context.Background(), testAccount); result.Err != nil {
		t.Fatalf("注资失败: %v", result.Err)
	}

	client.mu.Lock()
	client.balance = big.NewInt(10)
	client.mu.Unlock()

	avail, err = svc.CheckAvailability(context.Background())
	if err != nil {
		t.Fatalf("CheckAvailability 返回错误: %v", err)
	}
	if avail.WithinQuota {
		t.Fatal("配额用尽后 WithinQuota 应为 false")
	}
	if avail.TreasuryFunded {
		t.Fatal("余额不足后 TreasuryFunded 应为 false")
	}
}

func TestParseAmount(t *testing.T) {
	value, err := ParseAmount("1000000000000000000")
	if err != nil {
		t.Fatalf("ParseAmount 返回错误: %v", err)
	}
	if value.String() != "1000000000000000000" {
		t.Fatalf("解析结果不符: %s", value)
	}

	if _, err := ParseAmount("-5"); err == nil {
		t.Fatal("负数金额应被拒绝")
	}
	if _, err := ParseAmount("1.5"); err == nil {
		t.Fatal("小数金额应被拒绝")
	}
}
