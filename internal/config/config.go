package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"lv-escrow/internal/types"
)

type Config struct {
	HTTPAddr        string
	DBDSN           string
	JWTIssuer       string
	JWTSecret       string
	JWTTTL          time.Duration
	WebSocketOrigin string
	Env             string

	Log    LogConfig
	Escrow EscrowConfig
	Tx     TxConfig
	Limits LimitsConfig
	Expiry ExpiryConfig
	Outbox OutboxConfig

	RedisAddr string

	// AdminPasswordHash is a bcrypt hash; admin login is off while either
	// field is empty.
	AdminUsername     string
	AdminPasswordHash string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
	File   string
}

type EscrowConfig struct {
	AllocationTTL    time.Duration
	ExpiringSoon     time.Duration
	ConfirmationMode types.ConfirmationMode
	MaxProofAttempts int
}

// TxConfig bounds the retry budget of a single unit of work.
type TxConfig struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
	MaxWait        time.Duration
	LockTimeout    time.Duration
}

type LimitsConfig struct {
	Location *time.Location
}

type ExpiryConfig struct {
	Interval  time.Duration
	BatchSize int
}

type OutboxConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	PollInterval time.Duration
	MaxAttempts  int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("jwt_issuer", "lv-escrow")
	v.SetDefault("jwt_ttl", "12h")
	v.SetDefault("ws_origin", "*")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_output", "stdout")
	v.SetDefault("log_file", "logs/escrow.log")
	v.SetDefault("p2p_allocation_ttl_minutes", 1440)
	v.SetDefault("p2p_expiring_soon_minutes", 60)
	v.SetDefault("p2p_confirmation_mode", string(types.ConfirmationModeReceiver))
	v.SetDefault("p2p_max_proof_attempts", 2)
	v.SetDefault("ledger_tx_max_attempts", 5)
	v.SetDefault("ledger_tx_base_backoff_ms", 25)
	v.SetDefault("ledger_tx_attempt_timeout_ms", 5000)
	v.SetDefault("ledger_tx_max_wait_ms", 15000)
	v.SetDefault("ledger_tx_lock_timeout_ms", 3000)
	v.SetDefault("limits_timezone", "UTC")
	v.SetDefault("expiry_sweep_interval", "1m")
	v.SetDefault("expiry_sweep_batch", 100)
	v.SetDefault("kafka_topic", "escrow.accounting")
	v.SetDefault("outbox_poll_interval", "5s")
	v.SetDefault("outbox_max_attempts", 10)
}

// Load reads configuration from the environment. Every missing required key
// is reported in a single error.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	var c Config
	var missing []string

	c.HTTPAddr = strings.TrimSpace(v.GetString("http_addr"))
	c.DBDSN = strings.TrimSpace(v.GetString("db_dsn"))
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = strings.TrimSpace(v.GetString("jwt_issuer"))
	c.JWTSecret = v.GetString("jwt_secret")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	ttl, err := time.ParseDuration(v.GetString("jwt_ttl"))
	if err != nil || ttl <= 0 {
		return c, errors.New("invalid JWT_TTL")
	}
	c.JWTTTL = ttl
	c.WebSocketOrigin = v.GetString("ws_origin")
	c.Env = strings.ToLower(strings.TrimSpace(v.GetString("app_env")))
	if c.Env != "development" && c.Env != "production" {
		return c, errors.New("invalid APP_ENV: use development or production")
	}

	c.Log = LogConfig{
		Level:  v.GetString("log_level"),
		Format: strings.ToLower(v.GetString("log_format")),
		Output: strings.ToLower(v.GetString("log_output")),
		File:   v.GetString("log_file"),
	}

	allocTTL := v.GetInt("p2p_allocation_ttl_minutes")
	if allocTTL <= 0 {
		return c, errors.New("invalid P2P_ALLOCATION_TTL_MINUTES")
	}
	soon := v.GetInt("p2p_expiring_soon_minutes")
	if soon < 0 {
		return c, errors.New("invalid P2P_EXPIRING_SOON_MINUTES")
	}
	mode, ok := types.ParseConfirmationMode(v.GetString("p2p_confirmation_mode"))
	if !ok {
		return c, fmt.Errorf("invalid P2P_CONFIRMATION_MODE %q", v.GetString("p2p_confirmation_mode"))
	}
	c.Escrow = EscrowConfig{
		AllocationTTL:    time.Duration(allocTTL) * time.Minute,
		ExpiringSoon:     time.Duration(soon) * time.Minute,
		ConfirmationMode: mode,
		MaxProofAttempts: v.GetInt("p2p_max_proof_attempts"),
	}

	c.Tx = TxConfig{
		MaxAttempts:    v.GetInt("ledger_tx_max_attempts"),
		BaseBackoff:    millis(v.GetInt("ledger_tx_base_backoff_ms")),
		AttemptTimeout: millis(v.GetInt("ledger_tx_attempt_timeout_ms")),
		MaxWait:        millis(v.GetInt("ledger_tx_max_wait_ms")),
		LockTimeout:    millis(v.GetInt("ledger_tx_lock_timeout_ms")),
	}
	if c.Tx.MaxAttempts < 1 {
		return c, errors.New("invalid LEDGER_TX_MAX_ATTEMPTS: must be at least 1")
	}

	loc, err := time.LoadLocation(v.GetString("limits_timezone"))
	if err != nil {
		return c, fmt.Errorf("invalid LIMITS_TIMEZONE: %w", err)
	}
	c.Limits = LimitsConfig{Location: loc}

	interval, err := time.ParseDuration(v.GetString("expiry_sweep_interval"))
	if err != nil || interval <= 0 {
		return c, errors.New("invalid EXPIRY_SWEEP_INTERVAL")
	}
	c.Expiry = ExpiryConfig{Interval: interval, BatchSize: v.GetInt("expiry_sweep_batch")}

	poll, err := time.ParseDuration(v.GetString("outbox_poll_interval"))
	if err != nil || poll <= 0 {
		return c, errors.New("invalid OUTBOX_POLL_INTERVAL")
	}
	c.Outbox = OutboxConfig{
		KafkaBrokers: splitList(v.GetString("kafka_brokers")),
		KafkaTopic:   v.GetString("kafka_topic"),
		PollInterval: poll,
		MaxAttempts:  v.GetInt("outbox_max_attempts"),
	}

	c.RedisAddr = strings.TrimSpace(v.GetString("redis_addr"))
	c.AdminUsername = strings.TrimSpace(v.GetString("admin_username"))
	c.AdminPasswordHash = strings.TrimSpace(v.GetString("admin_password_hash"))

	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
