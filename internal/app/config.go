package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	intrnl "roomrelay/internal"
	"roomrelay/internal/auth"
	"roomrelay/internal/logger"
	"roomrelay/internal/relay"
)

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SocketConfig enables the raw TCP JSON-lines listener when Addr is set.
type SocketConfig struct {
	Addr string `yaml:"addr"`
}

type RelayConfig struct {
	HistoryLimit      int  `yaml:"history_limit"`
	MailboxSize       int  `yaml:"mailbox_size"`
	MembershipNotices bool `yaml:"membership_notices"`
}

type ReaperConfig struct {
	Interval time.Duration `yaml:"interval"`
	Grace    time.Duration `yaml:"grace"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	ClockSkew time.Duration `yaml:"clock_skew"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type LimitsConfig struct {
	CreatePerMinute   int           `yaml:"create_per_minute"`
	MessagesPerWindow int           `yaml:"messages_per_window"`
	MessageWindow     time.Duration `yaml:"message_window"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	ChunkSize         int           `yaml:"chunk_size"`
	UploadStall       time.Duration `yaml:"upload_stall"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Env       string `yaml:"env"`     // dev|stage|prod
	Service   string `yaml:"service"` // roomrelay
	Backend   string `yaml:"backend"` // std|zap
	Level     string `yaml:"level"`   // debug|info|warn|error
	AddSource bool   `yaml:"add_source"`
	Debug     bool   `yaml:"debug"`
}

// ServerConfig defines how the relay process runs.
type ServerConfig struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Socket  SocketConfig  `yaml:"socket"`
	DBPath  string        `yaml:"db_path"`
	Relay   RelayConfig   `yaml:"relay"`
	Reaper  ReaperConfig  `yaml:"reaper"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	CORS    CORSConfig    `yaml:"cors"`
	Logging LoggingConfig `yaml:"logging"`

	// LogOutput overrides where logs go; local mode points it away from the TUI.
	LogOutput io.Writer `yaml:"-"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL   string
	Username    string
	RoomKey     string
	DownloadDir string
}

func DefaultServerConfig() ServerConfig {
	limits := intrnl.DefaultLimits()
	reaper := relay.DefaultReaperConfig()
	return ServerConfig{
		HTTP: HTTPConfig{Addr: ":8080"},
		Relay: RelayConfig{
			HistoryLimit:      relay.DefaultHistoryLimit,
			MailboxSize:       relay.DefaultMailboxSize,
			MembershipNotices: true,
		},
		Reaper: ReaperConfig{Interval: reaper.Interval, Grace: reaper.Grace},
		Auth: AuthConfig{
			Issuer:    "roomrelay",
			Audience:  "relay",
			ClockSkew: 30 * time.Second,
			TokenTTL:  time.Hour,
		},
		Limits: LimitsConfig{
			CreatePerMinute:   limits.CreatePerMinute,
			MessagesPerWindow: limits.MessagesPerWindow,
			MessageWindow:     limits.MessageWindow,
			MaxMessageBytes:   limits.MaxMessageBytes,
			MaxUploadBytes:    limits.MaxUploadBytes,
			ChunkSize:         limits.ChunkSize,
			UploadStall:       limits.UploadStallTimeout,
		},
		Logging: LoggingConfig{Service: "roomrelay", Level: "info"},
	}
}

// LoadServerConfig layers defaults, the YAML file at path (or RELAY_CONFIG),
// .env and RELAY_* environment variables, in that order.
func LoadServerConfig(path string) (ServerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultServerConfig()
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return ServerConfig{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return ServerConfig{}, err
	}
	cfg.sanitize()
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c *ServerConfig) applyEnv() error {
	setString(&c.HTTP.Addr, "RELAY_ADDR")
	setString(&c.Socket.Addr, "RELAY_SOCKET_ADDR")
	setString(&c.DBPath, "RELAY_DB_PATH")
	setString(&c.Auth.JWTSecret, "RELAY_JWT_SECRET")
	setString(&c.Auth.Issuer, "RELAY_JWT_ISSUER")
	setString(&c.Auth.Audience, "RELAY_JWT_AUDIENCE")
	setString(&c.Logging.Level, "RELAY_LOG_LEVEL")
	setString(&c.Logging.Backend, "RELAY_LOG_BACKEND")
	setString(&c.Logging.Env, "RELAY_ENV")
	if v := os.Getenv("RELAY_ALLOWED_ORIGINS"); v != "" {
		c.CORS.AllowedOrigins = splitList(v)
	}

	var errs []error
	errs = append(errs,
		setInt(&c.Relay.HistoryLimit, "RELAY_HISTORY_LIMIT"),
		setInt(&c.Relay.MailboxSize, "RELAY_MAILBOX_SIZE"),
		setBool(&c.Relay.MembershipNotices, "RELAY_MEMBERSHIP_NOTICES"),
		setDuration(&c.Reaper.Interval, "RELAY_REAP_INTERVAL"),
		setDuration(&c.Reaper.Grace, "RELAY_REAP_GRACE"),
		setDuration(&c.Auth.ClockSkew, "RELAY_JWT_CLOCK_SKEW"),
	)
	return errors.Join(errs...)
}

func (c *ServerConfig) sanitize() {
	def := DefaultServerConfig()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
	}
	if c.Relay.HistoryLimit <= 0 {
		c.Relay.HistoryLimit = def.Relay.HistoryLimit
	}
	if c.Relay.MailboxSize <= 0 {
		c.Relay.MailboxSize = def.Relay.MailboxSize
	}
	if c.Reaper.Interval <= 0 {
		c.Reaper.Interval = def.Reaper.Interval
	}
	if c.Reaper.Grace < 0 {
		c.Reaper.Grace = 0
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = def.Auth.TokenTTL
	}
	if c.Auth.ClockSkew < 0 {
		c.Auth.ClockSkew = 0
	}
	if c.Logging.Service == "" {
		c.Logging.Service = def.Logging.Service
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

func (c *ServerConfig) validate() error {
	if c.Socket.Addr != "" && c.Socket.Addr == c.HTTP.Addr {
		return errors.New("socket.addr must differ from http.addr")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch logger.Backend(strings.ToLower(c.Logging.Backend)) {
	case "", logger.BackendStd, logger.BackendZap:
	default:
		return fmt.Errorf("logging.backend %q is not std or zap", c.Logging.Backend)
	}
	return nil
}

// LoggerConfig maps the logging section onto logger.Config.
func (c ServerConfig) LoggerConfig() logger.Config {
	level, _ := parseLevel(c.Logging.Level)
	env := logger.Env("")
	if c.Logging.Env != "" {
		env = logger.ParseEnv(c.Logging.Env)
	}
	return logger.Config{
		Service:   c.Logging.Service,
		Version:   intrnl.Version,
		Level:     level,
		Env:       env,
		Backend:   logger.Backend(strings.ToLower(c.Logging.Backend)),
		Debug:     c.Logging.Debug,
		AddSource: c.Logging.AddSource,
		Output:    c.LogOutput,
	}
}

func (c ServerConfig) RegistryOptions(log *slog.Logger) []relay.Option {
	return []relay.Option{
		relay.WithHistoryLimit(c.Relay.HistoryLimit),
		relay.WithMailboxSize(c.Relay.MailboxSize),
		relay.WithMembershipNotices(c.Relay.MembershipNotices),
		relay.WithLogger(log),
	}
}

func (c ServerConfig) ReaperConfig() relay.ReaperConfig {
	return relay.ReaperConfig{Interval: c.Reaper.Interval, Grace: c.Reaper.Grace}
}

func (c ServerConfig) ServerLimits() intrnl.Limits {
	return intrnl.Limits{
		CreatePerMinute:   c.Limits.CreatePerMinute,
		MessagesPerWindow: c.Limits.MessagesPerWindow,
		MessageWindow:     c.Limits.MessageWindow,
		MaxMessageBytes:   c.Limits.MaxMessageBytes,
		MaxUploadBytes:    c.Limits.MaxUploadBytes,
		ChunkSize:         c.Limits.ChunkSize,

		UploadStallTimeout: c.Limits.UploadStall,
	}
}

func (c ServerConfig) JWTConfig() auth.JWTConfig {
	return auth.JWTConfig{
		Secret:    []byte(c.Auth.JWTSecret),
		Issuer:    c.Auth.Issuer,
		Audience:  c.Auth.Audience,
		TTL:       c.Auth.TokenTTL,
		ClockSkew: c.Auth.ClockSkew,
	}
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("RELAY_DATA_DIR"); env != "" {
		return filepath.Join(env, "roomrelay.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomrelay", "roomrelay.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Roomrelay", "roomrelay.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Roomrelay", "roomrelay.db")
		}
		return filepath.Join(home, ".local", "share", "roomrelay", "roomrelay.db")
	}
	return filepath.Join(".", ".roomrelay", "roomrelay.db")
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
