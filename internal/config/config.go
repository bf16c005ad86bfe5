package config

import (
	"crop-ledger/internal/models"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type LedgerServiceConfig struct {
	Port        string
	LogDir      string
	DevFaucet   bool
	Owner       common.Address
	Keeper      common.Address
	PostgresCfg PostgresConfig
	RabbitMQCfg RabbitMQConfig
	RedisCfg    RedisConfig
	MinioCfg    MinioConfig
	LedgerCfg   LedgerConfig
	ScheduleCfg ScheduleConfig
}

type MinioConfig struct {
	MinioURL       string
	MinioAccessKey string
	MinioSecretKey string
	MinioLocation  string
	MinioSecure    string
	SnapshotBucket string
}

type PostgresConfig struct {
	DBname   string
	Username string
	Password string
	Host     string
	Port     string
}

type RabbitMQConfig struct {
	Host     string
	Username string
	Password string
	Port     string
	VHost    string
}

// URL is the AMQP URI of the broker. An empty VHost selects the default "/".
func (c RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + strings.TrimPrefix(c.VHost, "/"),
	}
	return u.String()
}

type RedisConfig struct {
	Host          string
	Port          string
	Password      string
	DB            int
	IdempotentTTL time.Duration
}

// LedgerConfig holds the fee constants, in wei. They are fixed for the life
// of the process.
type LedgerConfig struct {
	PremiumPerArea     *big.Int
	InsuranceKeeperFee *big.Int
	OracleFee          *big.Int
	OracleKeeperFee    *big.Int
	// GenesisFunds is minted to the owner when the ledger starts empty.
	GenesisFunds *big.Int
}

type ScheduleConfig struct {
	File             string
	SnapshotInterval time.Duration
	Workers          int
}

func New() (*LedgerServiceConfig, error) {
	cfg := &LedgerServiceConfig{
		Port:   getEnvOrDefault("PORT", "8090"),
		LogDir: getEnvOrDefault("LOG_DIR", "logs"),
		PostgresCfg: PostgresConfig{
			DBname:   getEnvOrDefault("POSTGRES_DB", "crop_ledger"),
			Username: getEnvOrDefault("POSTGRES_USER", "postgres"),
			Password: getEnvOrDefault("POSTGRES_PASSWORD", "postgres"),
			Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			Port:     getEnvOrDefault("POSTGRES_PORT", "5432"),
		},
		RabbitMQCfg: RabbitMQConfig{
			Host:     getEnvOrDefault("RABBITMQ_HOST", "localhost"),
			Username: getEnvOrDefault("RABBITMQ_USER", "admin"),
			Password: getEnvOrDefault("RABBITMQ_PWD", "admin"),
			Port:     getEnvOrDefault("RABBITMQ_PORT", "5672"),
			VHost:    getEnvOrDefault("RABBITMQ_VHOST", ""),
		},
		RedisCfg: RedisConfig{
			Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:     getEnvOrDefault("REDIS_PORT", "6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       0,
		},
		MinioCfg: MinioConfig{
			MinioURL:       getEnvOrDefault("MINIO_ENDPOINT", "localhost:9407"),
			MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minio"),
			MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minio123"),
			MinioLocation:  getEnvOrDefault("MINIO_LOCATION", "us-east-1"),
			MinioSecure:    getEnvOrDefault("MINIO_SECURE", "false"),
			SnapshotBucket: getEnvOrDefault("MINIO_SNAPSHOT_BUCKET", "ledger-snapshots"),
		},
		ScheduleCfg: ScheduleConfig{
			File: getEnvOrDefault("SEASON_SCHEDULE_FILE", "season_schedule.json"),
		},
	}

	var err error
	if cfg.DevFaucet, err = strconv.ParseBool(getEnvOrDefault("DEV_FAUCET", "false")); err != nil {
		return nil, fmt.Errorf("failed to parse DEV_FAUCET: %w", err)
	}
	if cfg.Owner, err = parseAddress("LEDGER_OWNER", "0x00000000000000000000000000000000000000a1"); err != nil {
		return nil, err
	}
	if cfg.Keeper, err = parseAddress("LEDGER_KEEPER", "0x00000000000000000000000000000000000000a2"); err != nil {
		return nil, err
	}
	if cfg.RedisCfg.IdempotentTTL, err = time.ParseDuration(getEnvOrDefault("IDEMPOTENCY_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("failed to parse IDEMPOTENCY_TTL: %w", err)
	}
	if cfg.ScheduleCfg.SnapshotInterval, err = time.ParseDuration(getEnvOrDefault("SNAPSHOT_INTERVAL", "1h")); err != nil {
		return nil, fmt.Errorf("failed to parse SNAPSHOT_INTERVAL: %w", err)
	}
	if cfg.ScheduleCfg.Workers, err = strconv.Atoi(getEnvOrDefault("WORKER_COUNT", "2")); err != nil {
		return nil, fmt.Errorf("failed to parse WORKER_COUNT: %w", err)
	}

	amounts := []struct {
		key, def string
		dst      **big.Int
	}{
		{"PREMIUM_PER_AREA_WEI", "150000000000000000", &cfg.LedgerCfg.PremiumPerArea},
		{"INSURANCE_KEEPER_FEE_WEI", "10000000000000000", &cfg.LedgerCfg.InsuranceKeeperFee},
		{"ORACLE_FEE_WEI", "10000000000000000", &cfg.LedgerCfg.OracleFee},
		{"ORACLE_KEEPER_FEE_WEI", "1000000000000000", &cfg.LedgerCfg.OracleKeeperFee},
		{"GENESIS_FUNDS_WEI", "1000000000000000000000000", &cfg.LedgerCfg.GenesisFunds},
	}
	for _, a := range amounts {
		v, err := ParseWei(getEnvOrDefault(a.key, a.def))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", a.key, err)
		}
		*a.dst = v
	}

	return cfg, nil
}

// ParseWei parses a non-negative decimal wei amount.
func ParseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid wei amount %q", models.ErrInvalidArgument, s)
	}
	return v, nil
}

func parseAddress(key, defaultValue string) (common.Address, error) {
	v := getEnvOrDefault(key, defaultValue)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("failed to parse %s: %w: %q is not an address", key, models.ErrInvalidArgument, v)
	}
	return common.HexToAddress(v), nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
