package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是客户端配置结构，对应YAML文件
type Config struct {
	Server struct {
		URL                string        `mapstructure:"url"`
		Model              string        `mapstructure:"model"`
		Transport          string        `mapstructure:"transport"`
		ProtocolVersion    string        `mapstructure:"protocol_version"`
		AccessToken        string        `mapstructure:"access_token"`
		InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
		DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"server"`

	Session SessionConfig `mapstructure:"session"`

	Audio struct {
		SampleRate         int `mapstructure:"sample_rate"`
		Channels           int `mapstructure:"channels"`
		FrameSize          int `mapstructure:"frame_size"`
		PlaybackQueueLimit int `mapstructure:"playback_queue_limit"`
	} `mapstructure:"audio"`

	Logging struct {
		Level   string   `mapstructure:"level"`
		Format  string   `mapstructure:"format"`
		Outputs []string `mapstructure:"outputs"`
	} `mapstructure:"logging"`

	Metrics struct {
		ListenAddress string `mapstructure:"listen_address"`
	} `mapstructure:"metrics"`
}

// SessionConfig 对应 session.update 中的会话参数
type SessionConfig struct {
	Modalities         []string `mapstructure:"modalities"`
	Instructions       string   `mapstructure:"instructions"`
	Voice              string   `mapstructure:"voice"`
	TranscriptionModel string   `mapstructure:"transcription_model"`
	Temperature        float64  `mapstructure:"temperature"`

	TurnDetection struct {
		Type              string  `mapstructure:"type"`
		Threshold         float64 `mapstructure:"threshold"`
		PrefixPaddingMs   int     `mapstructure:"prefix_padding_ms"`
		SilenceDurationMs int     `mapstructure:"silence_duration_ms"`
	} `mapstructure:"turn_detection"`
}

// EnvAccessToken 读取凭证的环境变量
const EnvAccessToken = "OPENAI_API_KEY"

const envPrefix = "REALTIME"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("server.model", "gpt-4o-realtime-preview-2024-10-01")
	v.SetDefault("server.transport", "websocket")
	v.SetDefault("server.protocol_version", "realtime=v1")
	v.SetDefault("server.insecure_skip_verify", false)
	v.SetDefault("server.dial_timeout", 10*time.Second)

	v.SetDefault("session.modalities", []string{"text", "audio"})
	v.SetDefault("session.instructions", "你是一位语音助手，帮助用户完成各种任务。请你主要用中文回答用户的问题。")
	v.SetDefault("session.voice", "alloy")
	v.SetDefault("session.transcription_model", "whisper-1")
	v.SetDefault("session.temperature", 0.8)
	v.SetDefault("session.turn_detection.type", "server_vad")
	v.SetDefault("session.turn_detection.threshold", 0.5)
	v.SetDefault("session.turn_detection.prefix_padding_ms", 300)
	v.SetDefault("session.turn_detection.silence_duration_ms", 200)

	v.SetDefault("audio.sample_rate", 24000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frame_size", 1024)
	v.SetDefault("audio.playback_queue_limit", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputs", []string{"stdout"})

	v.SetDefault("metrics.listen_address", "")
}

// LoadConfig 加载配置
//
// configPath 为空时按默认路径搜索 config.yaml，找不到文件时只使用默认值。
// 凭证从 OPENAI_API_KEY 读取，其余键可用 REALTIME_ 前缀的环境变量覆盖。
func LoadConfig(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.access_token", EnvAccessToken); err != nil {
		return Config{}, fmt.Errorf("failed to bind env: %w", err)
	}

	if configPath != "" {
		// 使用命令行指定的路径
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/realtime")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate 检查连接前必需的配置
func (c Config) Validate() error {
	if c.Server.AccessToken == "" {
		return fmt.Errorf("%w: set %s", ErrMissingToken, EnvAccessToken)
	}
	if c.Server.URL == "" {
		return errors.New("server url is empty")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Audio.Channels)
	}
	if c.Audio.FrameSize <= 0 {
		return fmt.Errorf("frame_size must be positive, got %d", c.Audio.FrameSize)
	}
	if c.Audio.PlaybackQueueLimit < 0 {
		return fmt.Errorf("playback_queue_limit must not be negative, got %d", c.Audio.PlaybackQueueLimit)
	}
	return nil
}
