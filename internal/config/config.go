package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 ChainPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Treasury     TreasuryConfig     `json:"treasury"`
	Funding      FundingConfig      `json:"funding"`
	Encryption   EncryptionConfig   `json:"encryption"`
	Provisioning ProvisioningConfig `json:"provisioning"`
	RetryQueue   QueueConfig        `json:"retry_queue"`
	LLM          LLMConfig          `json:"llm"`
	Web3         Web3Config         `json:"web3"`
	Auth         AuthConfig         `json:"auth"`
	Venue        VenueConfig        `json:"venue"`
	Knowledge    KnowledgeConfig    `json:"knowledge"`
	Alerting     AlertingConfig     `json:"alerting"`
	Logging      LoggingConfig      `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述账户与用户存储后端的连接信息。
type StorageConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// TreasuryConfig 保存国库账户的凭证。私钥缺失时托管账户注资功能被整体禁用。
type TreasuryConfig struct {
	Address       string `json:"address"`
	PrivateKey    string `json:"private_key"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// FundingConfig 描述单账户注资金额与每日配额上限。金额均为代币最小单位的十进制整数。
type FundingConfig struct {
	Amount            string `json:"amount"`
	MaxAccountsPerDay int    `json:"max_accounts_per_day"`
	MaxAmountPerDay   string `json:"max_amount_per_day"`
}

// EncryptionConfig 描述私钥托管所用的主密钥。主密钥缺失或长度不符是致命的启动错误。
type EncryptionConfig struct {
	MasterKeyHex string `json:"master_key_hex"`
	MasterKeyEnv string `json:"master_key_env"`
	Passphrase   string `json:"passphrase"`
	SaltHex      string `json:"salt_hex"`
}

// ProvisioningConfig 控制开户流水线的时间预算与重试行为。
type ProvisioningConfig struct {
	TimeoutMs        int `json:"timeout_ms"`
	SettleDelayMs    int `json:"settle_delay_ms"`
	SweepIntervalSec int `json:"sweep_interval_sec"`
	Workers          int `json:"workers"`
}

// QueueConfig 描述部署重试队列的驱动。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_sec"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	APIKey     string `json:"api_key"`
	APIKeyEnv  string `json:"api_key_env"`
	BaseURL    string `json:"base_url"`
	Model      string `json:"model"`
	TimeoutSec int    `json:"timeout_sec"`
}

// Timeout 返回调用大模型的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// Web3Config 包含访问区块链节点所需的 RPC 地址与账户工厂合约。
type Web3Config struct {
	RPCURL         string `json:"rpc_url"`
	ChainConfig    string `json:"chain_config"`
	DefaultChain   string `json:"default_chain"`
	FactoryAddress string `json:"factory_address"`
}

// AuthConfig 描述认证模式与 JWT 签发参数。
type AuthConfig struct {
	Mode      string     `json:"mode"`
	Secret    string     `json:"secret"`
	SecretEnv string     `json:"secret_env"`
	Issuer    string     `json:"issuer"`
	TTLMin    int        `json:"ttl_min"`
	Seeds     []AuthSeed `json:"seeds"`
}

// AuthSeed 描述启动时预置的用户。
type AuthSeed struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

// VenueConfig 描述 DeFi 聚合服务的接入参数。
type VenueConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	APIKeyEnv  string `json:"api_key_env"`
	TimeoutSec int    `json:"timeout_sec"`
}

// Timeout 返回调用聚合服务的超时时间。
func (c VenueConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// KnowledgeConfig 指定协议知识库的来源文件。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// AlertingConfig 描述告警 Webhook 渠道。留空的渠道不启用。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// LoggingConfig 描述日志输出方式。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.resolveSecrets()

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Funding.Amount == "" {
		c.Funding.Amount = "0"
	}
	if c.Funding.MaxAccountsPerDay <= 0 {
		c.Funding.MaxAccountsPerDay = 100
	}
	if c.Funding.MaxAmountPerDay == "" {
		c.Funding.MaxAmountPerDay = "0"
	}

	if c.Provisioning.TimeoutMs <= 0 {
		c.Provisioning.TimeoutMs = 120_000
	}
	if c.Provisioning.SettleDelayMs <= 0 {
		c.Provisioning.SettleDelayMs = 2_000
	}
	if c.Provisioning.SweepIntervalSec <= 0 {
		c.Provisioning.SweepIntervalSec = 300
	}
	if c.Provisioning.Workers <= 0 {
		c.Provisioning.Workers = 2
	}

	if c.RetryQueue.Driver == "" {
		c.RetryQueue.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "chainpilot"
	}
	if c.Auth.TTLMin <= 0 {
		c.Auth.TTLMin = 60
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
}

// resolveSecrets 允许通过环境变量注入敏感配置，避免写入配置文件。
func (c *Config) resolveSecrets() {
	if c.Treasury.PrivateKey == "" && c.Treasury.PrivateKeyEnv != "" {
		c.Treasury.PrivateKey = strings.TrimSpace(os.Getenv(c.Treasury.PrivateKeyEnv))
	}
	if c.Encryption.MasterKeyHex == "" && c.Encryption.MasterKeyEnv != "" {
		c.Encryption.MasterKeyHex = strings.TrimSpace(os.Getenv(c.Encryption.MasterKeyEnv))
	}
	if c.Auth.Secret == "" && c.Auth.SecretEnv != "" {
		c.Auth.Secret = strings.TrimSpace(os.Getenv(c.Auth.SecretEnv))
	}
	if c.LLM.OpenAI.APIKey == "" && c.LLM.OpenAI.APIKeyEnv != "" {
		c.LLM.OpenAI.APIKey = strings.TrimSpace(os.Getenv(c.LLM.OpenAI.APIKeyEnv))
	}
	if c.Venue.APIKey == "" && c.Venue.APIKeyEnv != "" {
		c.Venue.APIKey = strings.TrimSpace(os.Getenv(c.Venue.APIKeyEnv))
	}
}

// ProvisionTimeout 返回开户流水线的墙钟超时。
func (c *Config) ProvisionTimeout() time.Duration {
	return time.Duration(c.Provisioning.TimeoutMs) * time.Millisecond
}

// SettleDelay 返回注资交易落账后的固定等待时间。
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Provisioning.SettleDelayMs) * time.Millisecond
}
