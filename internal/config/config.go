// Package config は通知エンジンの設定をviperで読み込む。
//
// 既定値、設定ファイル（NOTIFIER_CONFIG_FILE で指定した場合のみ）、環境変数の順に上書きする。
// 環境変数はキーの "." を "_" に置き換えて NOTIFIER_ を付けた名前になる（例: NOTIFIER_HTTP_PORT）。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nao1215/docnotify/internal/store"
	"github.com/nao1215/docnotify/pkg/logger"
)

// envPrefix は環境変数の接頭辞。
const envPrefix = "NOTIFIER"

// configFileEnv は設定ファイルのパスを指定する環境変数。
const configFileEnv = "NOTIFIER_CONFIG_FILE"

// ロックの実装の種類。
const (
	LockBackendMemory = "memory"
	LockBackendSQL    = "sql"
	LockBackendRedis  = "redis"
)

// Config は通知エンジン全体の設定。
type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Lock         LockConfig         `mapstructure:"lock"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Notification NotificationConfig `mapstructure:"notification"`
	Log          logger.Config      `mapstructure:"log"`
}

// HTTPConfig は通知APIサーバーの設定。
type HTTPConfig struct {
	// Port はリッスンポート。
	Port string `mapstructure:"port"`
}

// DatabaseConfig はイベントログと通知を保存するDBの設定。
type DatabaseConfig struct {
	// Driver はドライバ名（sqlite または pgx）。
	Driver string `mapstructure:"driver"`
	// DSN は接続文字列。
	DSN string `mapstructure:"dsn"`
}

// AuthConfig はAPIの認証とCORSの設定。
type AuthConfig struct {
	// JWTSecret はJWTの署名検証に使うシークレット。
	JWTSecret string `mapstructure:"jwt_secret"`
	// AllowedOrigins はCORSで許可するオリジン。環境変数ではカンマ区切りで指定する。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LockConfig はイベント単位のロックの設定。
type LockConfig struct {
	// Backend はロックの実装（memory, sql, redis）。
	Backend string `mapstructure:"backend"`
	// TTL はロックの有効期限。保持者がクラッシュした場合はこの時間が経つと再取得できる。
	TTL time.Duration `mapstructure:"ttl"`
}

// RedisConfig はRedisロックの接続設定。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig はスケジューラの設定。
type WorkerConfig struct {
	// Count はワーカー数。
	Count int `mapstructure:"count"`
	// PollInterval は処理するイベントがなかった後の待機時間。
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SweepInterval は期限切れ通知を削除する間隔。0なら削除しない。
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// NotificationConfig は通知の設定。
type NotificationConfig struct {
	// RetentionMonths は通知の保持期間（月数）。
	RetentionMonths int `mapstructure:"retention_months"`
}

// setDefaults は全てのキーに既定値を設定する。
// 環境変数による上書きはviperが知っているキーにしか効かないため、既定値のないキーも登録する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8086")

	v.SetDefault("database.driver", store.DriverSQLite)
	v.SetDefault("database.dsn", "file:docnotify.db?_pragma=busy_timeout(5000)")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("lock.backend", LockBackendSQL)
	v.SetDefault("lock.ttl", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.sweep_interval", time.Hour)

	v.SetDefault("notification.retention_months", 6)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "logs/notifier.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load は既定値、設定ファイル、環境変数から設定を読み込んで検証する。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(configFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の変換に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値の組み合わせを検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Port == "" {
		errs = append(errs, errors.New("http.portは必須です"))
	}

	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driverが不正です: %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsnは必須です"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secretは必須です"))
	}

	switch c.Lock.Backend {
	case LockBackendMemory:
	case LockBackendSQL, LockBackendRedis:
		if c.Lock.TTL <= 0 {
			errs = append(errs, errors.New("lock.ttlは正の値で指定してください"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backendが不正です: %q", c.Lock.Backend))
	}
	if c.Lock.Backend == LockBackendRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("lock.backendがredisの場合はredis.addrが必須です"))
	}

	if c.Worker.Count < 1 {
		errs = append(errs, errors.New("worker.countは1以上で指定してください"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_intervalは正の値で指定してください"))
	}
	if c.Worker.SweepInterval < 0 {
		errs = append(errs, errors.New("worker.sweep_intervalは0以上で指定してください"))
	}

	if c.Notification.RetentionMonths < 1 {
		errs = append(errs, errors.New("notification.retention_monthsは1以上で指定してください"))
	}

	if (c.Log.Output == "file" || c.Log.Output == "both") && c.Log.FilePath == "" {
		errs = append(errs, errors.New("ファイル出力にはlog.file_pathが必要です"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}
