package api

import (
	"crypto/ed25519"
	"time"
)

type ServerConfig struct {
	// ID 是這個實例的識別碼，用於consumer group的consumer name
	ID string

	Auth   AuthConfig
	S3     S3Config
	DB     DBConfig
	Redis  RedisConfig
	LNbits LNbitsConfig
	Engine EngineConfig
}

type AuthConfig struct {
	// OperatorPublicKey 用於驗證管理操作的JWT簽章
	OperatorPublicKey ed25519.PublicKey
	Issuer            string
	Audience          string
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	PublicBaseURL   string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix     string
	ConsumerGroup string
	StreamKeys    RedisStreamKeys
	// StreamMaxLen 是stream的保留長度上限(approximate trimming)
	StreamMaxLen int64
}

type RedisStreamKeys struct {
	Bids        string
	Settlements string
}

type LNbitsConfig struct {
	BaseURL       string
	APIKey        string
	InvoiceExpiry time.Duration
	PollInterval  time.Duration
}

type EngineConfig struct {
	SoftCloseWindow          time.Duration
	SoftCloseExtension       time.Duration
	SecondChanceTimeout      time.Duration
	SecondChancePollInterval time.Duration
}
