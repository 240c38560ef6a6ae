package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	// Discord
	DiscordToken string
	// Lavalink node
	LavalinkHost     string
	LavalinkPort     string
	LavalinkPassword string
	LavalinkSecure   bool
	LavalinkClient   string
	// MySQL (disconnect audit)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	// MinIO (snapshot archive)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	MinioEnabled   bool
	// HTTP API
	HTTPAddr  string
	APISecret string
	// Logging
	LogLevel      string
	LogPath       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool

	Player   PlayerConfig
	Recovery RecoveryConfig
	Voice    VoiceConfig
}

// PlayerConfig holds playback tuning shared by the player and the event coordinator.
type PlayerConfig struct {
	DefaultVolume          int
	FailureThreshold       time.Duration // ends before this position count as failures
	MaxConsecutiveFailures int
	FailureBackoff         time.Duration
	RetryDelay             time.Duration
	GuardClearDelay        time.Duration
	StartGraceDelay        time.Duration
	AdvanceDelay           time.Duration
	SaveInterval           time.Duration
	StateMaxAge            time.Duration
	LeaveOnEnd             bool
	LeaveOnEndDelay        time.Duration
	LeaveOnEmpty           bool
	LeaveOnEmptyDelay      time.Duration
	AutoplayCandidates     int
}

// RecoveryConfig controls crash recovery at startup.
type RecoveryConfig struct {
	Enabled          bool
	StartupDelay     time.Duration
	MaxAttempts      int
	RetryDelay       time.Duration
	EmptyChannelWait time.Duration
	GuildGap         time.Duration
	SeekSettle       time.Duration
}

// VoiceConfig controls voice reconnect backoff.
type VoiceConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

// DefaultPlayerConfig mirrors the values used when no environment override is present.
var DefaultPlayerConfig = PlayerConfig{
	DefaultVolume:          80,
	FailureThreshold:       1000 * time.Millisecond,
	MaxConsecutiveFailures: 3,
	FailureBackoff:         1000 * time.Millisecond,
	RetryDelay:             500 * time.Millisecond,
	GuardClearDelay:        2 * time.Second,
	StartGraceDelay:        500 * time.Millisecond,
	AdvanceDelay:           150 * time.Millisecond,
	SaveInterval:           10 * time.Second,
	StateMaxAge:            24 * time.Hour,
	LeaveOnEnd:             true,
	LeaveOnEndDelay:        3000 * time.Millisecond,
	LeaveOnEmpty:           true,
	LeaveOnEmptyDelay:      60 * time.Second,
	AutoplayCandidates:     5,
}

var DefaultRecoveryConfig = RecoveryConfig{
	Enabled:          true,
	StartupDelay:     5 * time.Second,
	MaxAttempts:      3,
	RetryDelay:       2 * time.Second,
	EmptyChannelWait: 30 * time.Second,
	GuildGap:         1 * time.Second,
	SeekSettle:       500 * time.Millisecond,
}

var DefaultVoiceConfig = VoiceConfig{
	MaxRetries: 5,
	BaseDelay:  1 * time.Second,
	MaxDelay:   30 * time.Second,
	MaxJitter:  1 * time.Second,
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("3s") or bare milliseconds ("3000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
// With no arguments it reads .env from the working directory.
func Load(files ...string) *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(files...); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return fromEnv()
}

func fromEnv() *Config {
	p := DefaultPlayerConfig
	r := DefaultRecoveryConfig
	v := DefaultVoiceConfig

	return &Config{
		DiscordToken:     os.Getenv("DISCORD_TOKEN"),
		LavalinkHost:     getEnv("LAVALINK_HOST", "127.0.0.1"),
		LavalinkPort:     getEnv("LAVALINK_PORT", "2333"),
		LavalinkPassword: getEnv("LAVALINK_PASSWORD", "youshallnotpass"),
		LavalinkSecure:   getEnvBool("LAVALINK_SECURE", false),
		LavalinkClient:   getEnv("LAVALINK_CLIENT_NAME", "QFMBot/1.0"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "qfmbot"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "qfmbot"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioEnabled:   getEnvBool("MINIO_ENABLED", false),

		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		APISecret: os.Getenv("API_SECRET"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPath:       getEnv("LOG_PATH", "logs/qfmbot.log"),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 30),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),

		Player: PlayerConfig{
			DefaultVolume:          getEnvInt("DEFAULT_VOLUME", p.DefaultVolume),
			FailureThreshold:       getEnvDuration("FAILURE_THRESHOLD_MS", p.FailureThreshold),
			MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", p.MaxConsecutiveFailures),
			FailureBackoff:         getEnvDuration("FAILURE_BACKOFF_MS", p.FailureBackoff),
			RetryDelay:             getEnvDuration("PLAY_RETRY_DELAY_MS", p.RetryDelay),
			GuardClearDelay:        getEnvDuration("GUARD_CLEAR_DELAY_MS", p.GuardClearDelay),
			StartGraceDelay:        getEnvDuration("START_GRACE_DELAY_MS", p.StartGraceDelay),
			AdvanceDelay:           getEnvDuration("ADVANCE_DELAY_MS", p.AdvanceDelay),
			SaveInterval:           getEnvDuration("STATE_SAVE_INTERVAL", p.SaveInterval),
			StateMaxAge:            getEnvDuration("STATE_MAX_AGE", p.StateMaxAge),
			LeaveOnEnd:             getEnvBool("LEAVE_ON_END", p.LeaveOnEnd),
			LeaveOnEndDelay:        getEnvDuration("LEAVE_ON_END_DELAY", p.LeaveOnEndDelay),
			LeaveOnEmpty:           getEnvBool("LEAVE_ON_EMPTY", p.LeaveOnEmpty),
			LeaveOnEmptyDelay:      getEnvDuration("LEAVE_ON_EMPTY_DELAY", p.LeaveOnEmptyDelay),
			AutoplayCandidates:     getEnvInt("AUTOPLAY_CANDIDATES", p.AutoplayCandidates),
		},
		Recovery: RecoveryConfig{
			Enabled:          getEnvBool("RECOVERY_ENABLED", r.Enabled),
			StartupDelay:     getEnvDuration("RECOVERY_STARTUP_DELAY", r.StartupDelay),
			MaxAttempts:      getEnvInt("RECOVERY_MAX_ATTEMPTS", r.MaxAttempts),
			RetryDelay:       getEnvDuration("RECOVERY_RETRY_DELAY", r.RetryDelay),
			EmptyChannelWait: getEnvDuration("RECOVERY_EMPTY_WAIT", r.EmptyChannelWait),
			GuildGap:         getEnvDuration("RECOVERY_GUILD_GAP", r.GuildGap),
			SeekSettle:       getEnvDuration("RECOVERY_SEEK_SETTLE", r.SeekSettle),
		},
		Voice: VoiceConfig{
			MaxRetries: getEnvInt("VOICE_MAX_RETRIES", v.MaxRetries),
			BaseDelay:  getEnvDuration("VOICE_BASE_DELAY", v.BaseDelay),
			MaxDelay:   getEnvDuration("VOICE_MAX_DELAY", v.MaxDelay),
			MaxJitter:  getEnvDuration("VOICE_MAX_JITTER", v.MaxJitter),
		},
	}
}
