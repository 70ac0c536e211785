package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("30s", "15m"). The file may be JSON or YAML; unknown keys are rejected.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Feed         FeedConfig         `json:"feed"`
	Notifier     NotifierConfig     `json:"notifier"`
	Storage      StorageConfig      `json:"storage"`
	Conversation ConversationConfig `json:"conversation"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives log alerts, as a string so
	// negative supergroup ids survive YAML round trips.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatchConfig controls the daily dispatch loop.
//
// Defaults:
//   - timezone: Europe/Berlin
//   - poll_interval: 30s
//   - fetch_timeout: 20s
//   - send_timeout: 15s
//   - concurrency: 4
//   - catch_up: 15m
//   - default_time: 00:00
type DispatchConfig struct {
	Timezone     string `json:"timezone"`
	PollInterval string `json:"poll_interval"`
	FetchTimeout string `json:"fetch_timeout"`
	SendTimeout  string `json:"send_timeout"`
	Concurrency  int    `json:"concurrency"`
	CatchUp      string `json:"catch_up"`
	DefaultTime  string `json:"default_time"`
}

type FeedConfig struct {
	Timeout   string `json:"timeout"`
	MaxBytes  int64  `json:"max_bytes"`
	UserAgent string `json:"user_agent"`
}

// NotifierConfig tunes delivery. retry_max 0 means the default of 3.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "postgres", "dsn": "postgres://calbot@localhost/calbot?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default), postgres, file, memory
	Path        string `json:"path"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ConversationConfig struct {
	SessionTTL string `json:"session_ttl"`
}
