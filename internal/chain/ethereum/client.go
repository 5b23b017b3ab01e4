package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"ChainPilot/internal/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// factoryABI is the minimal surface of the account factory contract: a
// single createAccount entry point taking the derivation inputs.
const factoryABI = `[{"inputs":[{"name":"publicKey","type":"bytes"},{"name":"salt","type":"bytes32"},{"name":"constructorArgs","type":"bytes"}],"name":"createAccount","outputs":[{"name":"account","type":"address"}],"stateMutability":"nonpayable","type":"function"}]`

const (
	transferGasLimit   = 21_000
	deployGasLimit     = 600_000
	defaultPollEvery   = 2 * time.Second
	defaultConfirmWait = 90 * time.Second
)

// Config describes how to construct an EVM compatible chain client.
type Config struct {
	Name           string
	RPCURL         string
	FactoryAddress string
	Notes          string
}

// Client implements the chain.Client interface for EVM compatible chains.
// Transfers and deployments are signed with the key supplied at
// construction time (the treasury key in production).
type Client struct {
	name       string
	notes      string
	rpcClient  *gethrpc.Client
	eth        *ethclient.Client
	factory    common.Address
	factoryABI abi.ABI
	signer     *ecdsa.PrivateKey
	signerAddr common.Address
	chainID    *big.Int
	pollEvery  time.Duration
	mu         sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config, signer *ecdsa.PrivateKey) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(factoryABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析账户工厂 ABI 失败: %w", err)
	}

	client := &Client{
		name:       cfg.Name,
		notes:      cfg.Notes,
		rpcClient:  rpcClient,
		eth:        eth,
		factoryABI: parsedABI,
		chainID:    chainID,
		pollEvery:  defaultPollEvery,
	}
	if addr := strings.TrimSpace(cfg.FactoryAddress); addr != "" {
		client.factory = common.HexToAddress(addr)
	}
	if signer != nil {
		client.signer = signer
		client.signerAddr = crypto.PubkeyToAddress(signer.PublicKey)
	}
	return client, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// GetBalance queries the native balance of an address in wei.
func (c *Client) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	balance, err := c.eth.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// IsDeployed probes the code at an address; a deployed account has bytecode.
func (c *Client) IsDeployed(ctx context.Context, address common.Address) (bool, error) {
	if c == nil || c.eth == nil {
		return false, errors.New("未初始化的以太坊客户端")
	}
	code, err := c.eth.CodeAt(ctx, address, nil)
	if err != nil {
		return false, fmt.Errorf("查询账户代码失败: %w", err)
	}
	return len(code) > 0, nil
}

// Transfer sends amount from the signer account to the recipient and
// returns the transaction hash.
func (c *Client) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (string, error) {
	if c == nil || c.eth == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	if c.signer == nil {
		return "", errors.New("未配置交易签名密钥")
	}
	if from != c.signerAddr {
		return "", fmt.Errorf("转账来源 %s 与签名账户 %s 不一致", from.Hex(), c.signerAddr.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", errors.New("转账金额必须为正数")
	}

	tx, err := c.buildAndSign(ctx, &to, amount, transferGasLimit, nil)
	if err != nil {
		return "", err
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("发送转账交易失败: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// Deploy calls the account factory with the derivation inputs and returns
// the transaction hash. The factory recomputes the commitment on-chain.
func (c *Client) Deploy(ctx context.Context, req chain.DeployRequest) (string, error) {
	if c == nil || c.eth == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	if c.signer == nil {
		return "", errors.New("未配置交易签名密钥")
	}
	if (c.factory == common.Address{}) {
		return "", errors.New("未配置账户工厂合约地址")
	}

	data, err := c.factoryABI.Pack("createAccount", req.PublicKey, req.Salt, req.ConstructorArgs)
	if err != nil {
		return "", fmt.Errorf("编码部署调用失败: %w", err)
	}

	tx, err := c.buildAndSign(ctx, &c.factory, big.NewInt(0), deployGasLimit, data)
	if err != nil {
		return "", err
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("发送部署交易失败: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitForConfirmation polls for the transaction receipt until the context
// deadline. A receipt with a failed status is returned as an error.
func (c *Client) WaitForConfirmation(ctx context.Context, txRef string) error {
	if c == nil || c.eth == nil {
		return errors.New("未初始化的以太坊客户端")
	}
	hash := common.HexToHash(txRef)

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, defaultConfirmWait)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return fmt.Errorf("交易 %s 已回滚", txRef)
			}
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("等待交易 %s 确认超时: %w", txRef, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) buildAndSign(ctx context.Context, to *common.Address, value *big.Int, gasLimit uint64, data []byte) (*coretypes.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.signerAddr)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 Gas 价格失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.signer)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

var _ chain.Client = (*Client)(nil)
