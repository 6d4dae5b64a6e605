package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nikhilbhutani/supertts/internal/enginepool"
)

const EnvPrefix = "SUPERTTS"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Redis      RedisConfig      `mapstructure:"redis"`
	AudioCache AudioCacheConfig `mapstructure:"audio_cache"`
	Queue      QueueConfig      `mapstructure:"queue"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
}

type TTSConfig struct {
	Backend           string  `mapstructure:"backend"` // "piper" or "mock"
	PiperBin          string  `mapstructure:"piper_bin"`
	OnnxDir           string  `mapstructure:"onnx_dir"`
	UseGPU            bool    `mapstructure:"use_gpu"`
	TotalStep         int     `mapstructure:"total_step"`
	Speed             float64 `mapstructure:"speed"`
	SilenceDuration   float64 `mapstructure:"silence_duration"` // seconds
	DefaultVoiceStyle string  `mapstructure:"default_voice_style"`
	VoiceStylesDir    string  `mapstructure:"voice_styles_dir"`
	WatchVoiceStyles  bool    `mapstructure:"watch_voice_styles"`

	EnginePoolSize          int  `mapstructure:"engine_pool_size"`
	WarmupOnStartup         bool `mapstructure:"warmup_on_startup"`
	WarmupConcurrency       int  `mapstructure:"warmup_concurrency"`
	EngineCheckoutTimeoutMS int  `mapstructure:"engine_checkout_timeout_ms"`
	VoiceStyleCacheSize     int  `mapstructure:"voice_style_cache_size"`
	RequestTimeoutMS        int  `mapstructure:"request_timeout_ms"`
}

type AuthConfig struct {
	RequireAPIKey bool   `mapstructure:"require_api_key"`
	APIKey        string `mapstructure:"api_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AudioCacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type QueueConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Concurrency int    `mapstructure:"concurrency"`
	OutputDir   string `mapstructure:"output_dir"`
}

var defaults = map[string]any{
	"server.host":             "0.0.0.0",
	"server.port":             8080,
	"server.read_timeout":     "15s",
	"server.write_timeout":    "120s",
	"server.rate_limit_rps":   20.0,
	"server.rate_limit_burst": 40,
	"server.cors_origins":     []string{"*"},

	"tts.backend":                    "piper",
	"tts.piper_bin":                  "piper",
	"tts.onnx_dir":                   "assets/onnx",
	"tts.use_gpu":                    false,
	"tts.total_step":                 5,
	"tts.speed":                      1.05,
	"tts.silence_duration":           0.3,
	"tts.default_voice_style":        "assets/voice_styles/M1.json",
	"tts.voice_styles_dir":           "assets/voice_styles",
	"tts.watch_voice_styles":         true,
	"tts.engine_pool_size":           1,
	"tts.warmup_on_startup":          false,
	"tts.warmup_concurrency":         1,
	"tts.engine_checkout_timeout_ms": 5000,
	"tts.voice_style_cache_size":     10,
	"tts.request_timeout_ms":         60000,

	"auth.require_api_key": false,
	"auth.api_key":         "",

	"logging.level":  "info",
	"logging.format": "json",

	"redis.addr":     "",
	"redis.password": "",
	"redis.db":       0,

	"audio_cache.enabled": false,
	"audio_cache.ttl":     "1h",

	"queue.enabled":     false,
	"queue.concurrency": 1,
	"queue.output_dir":  "results",
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"host":       "server.host",
	"port":       "server.port",
	"onnx-dir":   "tts.onnx_dir",
	"use-gpu":    "tts.use_gpu",
	"total-step": "tts.total_step",
	"speed":      "tts.speed",
	"backend":    "tts.backend",
	"pool-size":  "tts.engine_pool_size",
	"warmup":     "tts.warmup_on_startup",
	"log-level":  "logging.level",
}

// Load builds the configuration from defaults, the optional config file at
// path, SUPERTTS_* environment variables and any flags set in flags, in
// increasing order of precedence. A missing config file falls back to the
// defaults with a warning.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			slog.Warn("config file not found, using defaults", "path", path, "error", err)
		} else {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// RegisterFlags adds the override flags understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "server host")
	fs.Int("port", 0, "server port")
	fs.String("onnx-dir", "", "model directory")
	fs.Bool("use-gpu", false, "run engines on the GPU")
	fs.Int("total-step", 0, "denoising steps per synthesis")
	fs.Float64("speed", 0, "default speech speed")
	fs.String("backend", "", "engine backend (piper or mock)")
	fs.Int("pool-size", 0, "number of engines in the pool")
	fs.Bool("warmup", false, "load every engine at startup")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PoolConfig returns the engine pool settings.
func (c *Config) PoolConfig() enginepool.Config {
	return enginepool.Config{
		PoolSize:            c.TTS.EnginePoolSize,
		WarmupOnStartup:     c.TTS.WarmupOnStartup,
		WarmupConcurrency:   c.TTS.WarmupConcurrency,
		CheckoutTimeout:     time.Duration(c.TTS.EngineCheckoutTimeoutMS) * time.Millisecond,
		VoiceStyleCacheSize: c.TTS.VoiceStyleCacheSize,
		ModelDir:            c.TTS.OnnxDir,
		UseGPU:              c.TTS.UseGPU,
	}
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.TTS.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) Silence() time.Duration {
	return time.Duration(c.TTS.SilenceDuration * float64(time.Second))
}

func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.TTS.Backend != "piper" && c.TTS.Backend != "mock" {
		problems = append(problems, fmt.Sprintf("tts.backend %q must be piper or mock", c.TTS.Backend))
	}
	if c.TTS.TotalStep < 1 {
		problems = append(problems, "tts.total_step must be at least 1")
	}
	if c.TTS.Speed < 0.25 || c.TTS.Speed > 4 {
		problems = append(problems, fmt.Sprintf("tts.speed %.2f not in [0.25, 4.0]", c.TTS.Speed))
	}
	if c.TTS.RequestTimeoutMS <= 0 {
		problems = append(problems, "tts.request_timeout_ms must be positive")
	}
	if c.Auth.RequireAPIKey && c.Auth.APIKey == "" {
		problems = append(problems, "auth.api_key is required when auth.require_api_key is set")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if c.AudioCache.Enabled && c.Redis.Addr == "" {
		problems = append(problems, "audio_cache.enabled needs redis.addr")
	}
	if c.Queue.Enabled && c.Redis.Addr == "" {
		problems = append(problems, "queue.enabled needs redis.addr")
	}
	if c.Queue.Concurrency < 1 {
		problems = append(problems, "queue.concurrency must be at least 1")
	}

	err := c.PoolConfig().Validate()
	if len(problems) > 0 {
		err = errors.Join(err, fmt.Errorf("invalid config: %s", strings.Join(problems, "; ")))
	}
	return err
}

// NewLogger builds the process logger described by the logging section.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", s, err)
	}
	return l, nil
}
