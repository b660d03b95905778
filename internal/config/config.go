package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the config file name inside the agentrelay directory.
const ConfigFileName = "config.toml"

// Config is the user-editable TOML configuration.
type Config struct {
	// AssistantCommand is the command launched in a fresh session
	// (default: "claude").
	AssistantCommand string `toml:"assistant_command"`

	// DefaultWorkDir is the working directory for new sessions.
	// Empty means $HOME.
	DefaultWorkDir string `toml:"default_workdir"`

	Monitor  MonitorSettings  `toml:"monitor"`
	Cleanup  CleanupSettings  `toml:"cleanup"`
	Web      WebSettings      `toml:"web"`
	Logs     LogSettings      `toml:"logs"`
	Channels ChannelsSettings `toml:"channels"`
}

// MonitorSettings tunes the polling state machine.
type MonitorSettings struct {
	// PollIntervalSecs between pane captures (default: 1)
	PollIntervalSecs int `toml:"poll_interval_secs"`

	// StabilizeTimeoutSecs for buffer stabilization (default: 10)
	StabilizeTimeoutSecs int `toml:"stabilize_timeout_secs"`

	// ReadyTimeoutSecs to wait for the assistant prompt on startup (default: 45)
	ReadyTimeoutSecs int `toml:"ready_timeout_secs"`

	// StartupGraceSecs before idle signals are trusted after a command is
	// sent. Startup banner text can resemble an idle prompt (default: 5).
	StartupGraceSecs int `toml:"startup_grace_secs"`

	// IdlePattern is the literal separator the assistant's terminal UI
	// renders around its input box. Its reappearance after output is the
	// idle signal. This is a rendering heuristic, not a protocol; override
	// it here if the assistant UI changes.
	IdlePattern string `toml:"idle_pattern"`
}

// CleanupSettings tunes the mapping store janitor.
type CleanupSettings struct {
	// IdleMaxAgeHours before a mapping is evicted (default: 24)
	IdleMaxAgeHours int `toml:"idle_max_age_hours"`

	// IntervalHours between janitor runs (default: 6)
	IntervalHours int `toml:"interval_hours"`

	// QueueMaxAgeHours before terminal-status queue entries are pruned
	// (default: 48).
	QueueMaxAgeHours int `toml:"queue_max_age_hours"`
}

// WebSettings configures the inbound webhook server.
type WebSettings struct {
	ListenAddr string `toml:"listen_addr"`
	Token      string `toml:"token"`

	// RateLimitPerMin caps inbound reply requests (default: 30).
	RateLimitPerMin int `toml:"rate_limit_per_min"`

	PushVAPIDPublicKey  string `toml:"push_vapid_public_key"`
	PushVAPIDPrivateKey string `toml:"push_vapid_private_key"`
	PushVAPIDSubject    string `toml:"push_vapid_subject"`
}

// LogSettings configures the debug log.
type LogSettings struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	MaxSizeMB int    `toml:"max_size_mb"`
	Backups   int    `toml:"backups"`
	AgeDays   int    `toml:"age_days"`
	Compress  bool   `toml:"compress"`
}

// ChannelsSettings holds per-channel credentials and toggles.
type ChannelsSettings struct {
	Telegram TelegramSettings `toml:"telegram"`
	Slack    SlackSettings    `toml:"slack"`
	Email    EmailSettings    `toml:"email"`
	Push     PushSettings     `toml:"push"`

	// NotifySubagents enables "waiting" notifications for sub-task
	// activity. Off by default: sub-agent churn is folded into the next
	// completed notification instead.
	NotifySubagents bool `toml:"notify_subagents"`
}

type TelegramSettings struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type SlackSettings struct {
	Enabled    bool   `toml:"enabled"`
	WebhookURL string `toml:"webhook_url"`
	Channel    string `toml:"channel"`
}

type EmailSettings struct {
	Enabled  bool   `toml:"enabled"`
	SMTPHost string `toml:"smtp_host"`
	SMTPPort int    `toml:"smtp_port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	To       string `toml:"to"`
}

type PushSettings struct {
	Enabled bool `toml:"enabled"`
}

var defaultConfig = Config{
	AssistantCommand: "claude",
	Monitor: MonitorSettings{
		PollIntervalSecs:     1,
		StabilizeTimeoutSecs: 10,
		ReadyTimeoutSecs:     45,
		StartupGraceSecs:     5,
	},
	Cleanup: CleanupSettings{
		IdleMaxAgeHours:  24,
		IntervalHours:    6,
		QueueMaxAgeHours: 48,
	},
	Web: WebSettings{
		ListenAddr:      "127.0.0.1:8720",
		RateLimitPerMin: 30,
	},
	Logs: LogSettings{
		Level:     "info",
		MaxSizeMB: 10,
		Backups:   5,
		AgeDays:   10,
		Compress:  true,
	},
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Dir returns the agentrelay data directory (~/.agentrelay), creating it if
// needed. AGENTRELAY_DIR overrides the location for tests.
func Dir() (string, error) {
	if dir := os.Getenv("AGENTRELAY_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".agentrelay")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Load reads the config file, applying defaults for missing values.
// A missing file is not an error; a malformed file is, but a usable
// default config is still returned so the process can come up.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	cfg := defaultConfig

	path, err := Path()
	if err != nil {
		cache = &cfg
		return cache, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cache = &cfg
		return cache, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		def := defaultWithZeroesFilled()
		cache = &def
		return cache, fmt.Errorf("config.toml parse error: %w", err)
	}
	fillZeroes(&cfg)

	cache = &cfg
	return cache, nil
}

// ResetCache clears the cached config. Used by tests.
func ResetCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

func defaultWithZeroesFilled() Config {
	cfg := defaultConfig
	fillZeroes(&cfg)
	return cfg
}

// fillZeroes backfills defaults for values the user left unset.
func fillZeroes(cfg *Config) {
	if cfg.AssistantCommand == "" {
		cfg.AssistantCommand = defaultConfig.AssistantCommand
	}
	if cfg.Monitor.PollIntervalSecs <= 0 {
		cfg.Monitor.PollIntervalSecs = defaultConfig.Monitor.PollIntervalSecs
	}
	if cfg.Monitor.StabilizeTimeoutSecs <= 0 {
		cfg.Monitor.StabilizeTimeoutSecs = defaultConfig.Monitor.StabilizeTimeoutSecs
	}
	if cfg.Monitor.ReadyTimeoutSecs <= 0 {
		cfg.Monitor.ReadyTimeoutSecs = defaultConfig.Monitor.ReadyTimeoutSecs
	}
	if cfg.Monitor.StartupGraceSecs <= 0 {
		cfg.Monitor.StartupGraceSecs = defaultConfig.Monitor.StartupGraceSecs
	}
	if cfg.Cleanup.IdleMaxAgeHours <= 0 {
		cfg.Cleanup.IdleMaxAgeHours = defaultConfig.Cleanup.IdleMaxAgeHours
	}
	if cfg.Cleanup.IntervalHours <= 0 {
		cfg.Cleanup.IntervalHours = defaultConfig.Cleanup.IntervalHours
	}
	if cfg.Cleanup.QueueMaxAgeHours <= 0 {
		cfg.Cleanup.QueueMaxAgeHours = defaultConfig.Cleanup.QueueMaxAgeHours
	}
	if cfg.Web.ListenAddr == "" {
		cfg.Web.ListenAddr = defaultConfig.Web.ListenAddr
	}
	if cfg.Web.RateLimitPerMin <= 0 {
		cfg.Web.RateLimitPerMin = defaultConfig.Web.RateLimitPerMin
	}
	if cfg.Logs.Level == "" {
		cfg.Logs.Level = defaultConfig.Logs.Level
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = defaultConfig.Logs.MaxSizeMB
	}
	if cfg.Logs.Backups <= 0 {
		cfg.Logs.Backups = defaultConfig.Logs.Backups
	}
	if cfg.Logs.AgeDays <= 0 {
		cfg.Logs.AgeDays = defaultConfig.Logs.AgeDays
	}
}
