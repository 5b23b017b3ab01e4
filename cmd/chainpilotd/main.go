package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"ChainPilot/internal/account"
	"ChainPilot/internal/agent"
	"ChainPilot/internal/api"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/chain"
	"ChainPilot/internal/chain/ethereum"
	"ChainPilot/internal/config"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/llm/openai"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/provision"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/treasury"
	"ChainPilot/internal/wallet"
	"ChainPilot/pkg/logger"
)

// main 是 ChainPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chainpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CHAINPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chainpilot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 主密钥缺失是致命的启动错误，托管服务不可在无密钥状态下运行。
	custody, err := createCustody(cfg.Encryption)
	if err != nil {
		return err
	}

	chainClient, err := createChainClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	store, err := createAccountStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	retryQueue, err := createRetryQueue(cfg.RetryQueue)
	if err != nil {
		return err
	}
	defer func() { _ = retryQueue.Close() }()

	funder, err := createFunder(cfg, chainClient)
	if err != nil {
		return err
	}

	orchOpts := []provision.Option{
		provision.WithSettleDelay(cfg.SettleDelay()),
	}
	if dispatcher := createAlertDispatcher(cfg.Alerting); dispatcher != nil {
		orchOpts = append(orchOpts, provision.WithAlertDispatcher(dispatcher))
	}
	orch := provision.NewOrchestrator(store, chainClient, funder, orchOpts...)
	registrar := provision.NewRegistrar(store, custody, orch, cfg.ProvisionTimeout())

	worker := provision.NewWorker(orch, store, retryQueue, retryQueue,
		provision.WithWorkerCount(cfg.Provisioning.Workers),
	)
	sweeper := provision.NewSweeper(store, retryQueue,
		time.Duration(cfg.Provisioning.SweepIntervalSec)*time.Second, 0)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("重试工作器异常退出", slog.Any("error", err))
		}
	}()
	go func() {
		if err := sweeper.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("待部署扫描器异常退出", slog.Any("error", err))
		}
	}()

	ag, err := createAgent(cfg, chainClient, store)
	if err != nil {
		return err
	}

	authSvc, err := createAuthService(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(workerCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, registrar, orch, store, ag, authSvc)
	logger.L().Info("chainpilotd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("retry_queue", cfg.RetryQueue.Driver),
	)
	return server.Start(ctx)
}

// createCustody 根据配置构建私钥托管器。
func createCustody(cfg config.EncryptionConfig) (*wallet.Custody, error) {
	switch {
	case cfg.MasterKeyHex != "":
		return wallet.NewCustodyFromHex(cfg.MasterKeyHex)
	case cfg.Passphrase != "":
		salt, err := hex.DecodeString(strings.TrimSpace(cfg.SaltHex))
		if err != nil {
			return nil, fmt.Errorf("解析口令盐失败: %w", err)
		}
		return wallet.NewCustodyFromPassphrase(cfg.Passphrase, salt)
	default:
		return nil, errors.New("托管主密钥未配置: 需要 master_key_hex 或 passphrase")
	}
}

// createChainClient 构建链客户端。国库私钥缺失时客户端只读，注资被禁用。
func createChainClient(ctx context.Context, cfg *config.Config) (chain.Client, error) {
	var signer *ecdsa.PrivateKey
	if key := strings.TrimSpace(cfg.Treasury.PrivateKey); key != "" {
		parsed, err := gethcrypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return nil, fmt.Errorf("解析国库私钥失败: %w", err)
		}
		signer = parsed
	}

	ethCfg := ethereum.Config{
		Name:           cfg.Web3.DefaultChain,
		RPCURL:         cfg.Web3.RPCURL,
		FactoryAddress: cfg.Web3.FactoryAddress,
	}
	if cfg.Web3.ChainConfig != "" {
		defs, err := chain.LoadDefinitions(cfg.Web3.ChainConfig)
		if err != nil {
			return nil, err
		}
		if def, ok := defs.Chains[cfg.Web3.DefaultChain]; ok {
			ethCfg.RPCURL = def.RPCURL
			ethCfg.FactoryAddress = def.FactoryAddress
			ethCfg.Notes = def.Description
		}
	}

	return ethereum.NewClient(ctx, ethCfg, signer)
}

// createAccountStore 构建账户存储。
func createAccountStore(cfg config.StorageConfig) (account.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return account.NewMemoryStore(), nil
	case "mysql":
		return account.NewMySQLStore(account.MySQLConfig{
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

// createRetryQueue 构建部署重试队列。
func createRetryQueue(cfg config.QueueConfig) (provision.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return provision.NewMemoryQueue(1024), nil
	case "redis":
		return provision.NewRedisQueue(provision.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return provision.NewRabbitMQQueue(provision.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// createFunder 构建国库注资服务。
func createFunder(cfg *config.Config, client chain.Client) (*treasury.Service, error) {
	amount, err := treasury.ParseAmount(cfg.Funding.Amount)
	if err != nil {
		return nil, fmt.Errorf("解析注资金额失败: %w", err)
	}
	maxAmount, err := treasury.ParseAmount(cfg.Funding.MaxAmountPerDay)
	if err != nil {
		return nil, fmt.Errorf("解析每日注资上限失败: %w", err)
	}

	quota := treasury.NewDailyQuota(cfg.Funding.MaxAccountsPerDay, maxAmount)
	return treasury.NewService(client, quota, common.HexToAddress(cfg.Treasury.Address), amount), nil
}

// createAgent 构建指令智能体及其工具注册表。
func createAgent(cfg *config.Config, client chain.Client, store account.Store) (*agent.Agent, error) {
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return nil, err
	}

	toolList := []tools.Tool{tools.NewBalanceTool(client)}
	if cfg.Venue.BaseURL != "" {
		venue, err := tools.NewHTTPVenue(tools.VenueConfig{
			BaseURL: cfg.Venue.BaseURL,
			APIKey:  cfg.Venue.APIKey,
			Timeout: cfg.Venue.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		toolList = append(toolList,
			tools.NewSwapTool(venue),
			tools.NewLendTool(venue),
			tools.NewVaultTool(venue),
		)
	}
	registry, err := tools.NewRegistry(toolList...)
	if err != nil {
		return nil, err
	}

	var history agent.CommandRepository
	switch cfg.Storage.Driver {
	case "", "memory":
		history = agent.NewMemoryCommandRepository()
	case "mysql":
		repo, err := agent.NewMySQLCommandRepository(agent.MySQLConfig{
			DSN:          cfg.Storage.DSN,
			MaxOpenConns: cfg.Storage.MaxOpenConns,
			MaxIdleConns: cfg.Storage.MaxIdleConns,
		})
		if err != nil {
			return nil, err
		}
		history = repo
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		knowledgeProvider = provider
	}

	opts := []agent.Option{
		agent.WithKnowledgeProvider(knowledgeProvider),
	}
	if cfg.LLM.Provider == "openai" {
		opts = append(opts, agent.WithLLMTimeout(cfg.LLM.OpenAI.Timeout()))
	}

	return agent.New(llmClient, registry, store, history, opts...), nil
}

// createLLMClient 构建大模型客户端。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// createAuthService 构建认证服务。
func createAuthService(ctx context.Context, cfg config.AuthConfig) (*auth.Service, error) {
	seeds := make([]auth.Seed, 0, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		seeds = append(seeds, auth.Seed{
			Username: seed.Username,
			Password: seed.Password,
			Roles:    seed.Roles,
		})
	}
	return auth.NewService(ctx, auth.Config{
		Mode:      auth.Mode(cfg.Mode),
		Secret:    cfg.Secret,
		Issuer:    cfg.Issuer,
		AccessTTL: int64(cfg.TTLMin) * 60,
		Seeds:     seeds,
	}, auth.NewMemoryStore())
}

// createAlertDispatcher 根据配置构建告警派发器，所有渠道都未配置时返回 nil。
func createAlertDispatcher(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	var notifiers []alerting.Notifier
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewDingTalkWebhook(cfg.DingTalkWebhook),
		})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhook(cfg.SlackWebhook),
			ChannelID: cfg.SlackChannel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
