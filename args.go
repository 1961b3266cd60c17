package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gavel/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("instance-id", "gavel-0", "")

	// auth config
	pflag.String("auth-operator-public-key", "", "base64-encoded Ed25519 public key")
	pflag.String("auth-issuer", "gavel", "")
	pflag.String("auth-audience", "gavel-operator", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "gavel:", "")
	pflag.String("redis-consumer-group", "gavel-sync", "")
	pflag.String("redis-stream-key-for-bids", "gavel-shared-bid-stream", "")
	pflag.String("redis-stream-key-for-settlements", "gavel-shared-settlement-stream", "")
	pflag.Int64("redis-stream-max-len", 4096, "")

	// lnbits config
	pflag.String("lnbits-base-url", "", "")
	pflag.String("lnbits-api-key", "", "")
	pflag.Duration("lnbits-invoice-expiry", time.Hour, "")
	pflag.Duration("lnbits-poll-interval", 10*time.Second, "")

	// engine config
	pflag.Duration("engine-soft-close-window", 300*time.Second, "")
	pflag.Duration("engine-soft-close-extension", 600*time.Second, "")
	pflag.Duration("engine-second-chance-timeout", 48*time.Hour, "")
	pflag.Duration("engine-second-chance-poll-interval", time.Minute, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GAVEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("instance-id"),
			Auth: api.AuthConfig{
				OperatorPublicKey: decodeOperatorKey(viper.GetString("auth-operator-public-key")),
				Issuer:            viper.GetString("auth-issuer"),
				Audience:          viper.GetString("auth-audience"),
			},
			S3: api.S3Config{
				Endpoint:        viper.GetString("s3-endpoint"),
				Bucket:          viper.GetString("s3-bucket"),
				PublicBaseURL:   viper.GetString("s3-public-base-url"),
				AccessKeyID:     viper.GetString("s3-access-key-id"),
				SecretAccessKey: viper.GetString("s3-secret-access-key"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				StreamKeys: api.RedisStreamKeys{
					Bids:        viper.GetString("redis-stream-key-for-bids"),
					Settlements: viper.GetString("redis-stream-key-for-settlements"),
				},
				StreamMaxLen: viper.GetInt64("redis-stream-max-len"),
			},
			LNbits: api.LNbitsConfig{
				BaseURL:       viper.GetString("lnbits-base-url"),
				APIKey:        viper.GetString("lnbits-api-key"),
				InvoiceExpiry: viper.GetDuration("lnbits-invoice-expiry"),
				PollInterval:  viper.GetDuration("lnbits-poll-interval"),
			},
			Engine: api.EngineConfig{
				SoftCloseWindow:          viper.GetDuration("engine-soft-close-window"),
				SoftCloseExtension:       viper.GetDuration("engine-soft-close-extension"),
				SecondChanceTimeout:      viper.GetDuration("engine-second-chance-timeout"),
				SecondChancePollInterval: viper.GetDuration("engine-second-chance-poll-interval"),
			},
		},
	}
}

func decodeOperatorKey(encoded string) ed25519.PublicKey {
	if encoded == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil
	}
	return ed25519.PublicKey(raw)
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.Auth.OperatorPublicKey != nil &&
		args.ServerConfig.LNbits.BaseURL != "" &&
		args.ServerConfig.LNbits.APIKey != ""
}
