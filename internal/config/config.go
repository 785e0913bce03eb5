// Package config provides configuration management for Manzai Stage
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Playback PlaybackConfig `mapstructure:"playback"`
	Stage    StageConfig    `mapstructure:"stage"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Voice    VoiceConfig    `mapstructure:"voice"`
	Script   ScriptConfig   `mapstructure:"script"`
	Window   WindowConfig   `mapstructure:"window"`
}

// PlaybackConfig configures the playback sequencer
type PlaybackConfig struct {
	LineGap   time.Duration `mapstructure:"line_gap"`   // pause between lines
	FrameRate int           `mapstructure:"frame_rate"` // animation ticks per second
}

// StageConfig configures the on-screen characters
type StageConfig struct {
	TsukkomiModel string  `mapstructure:"tsukkomi_model"` // path to glTF model
	BokeModel     string  `mapstructure:"boke_model"`
	ModelScale    float64 `mapstructure:"model_scale"`
	IdleMotion    bool    `mapstructure:"idle_motion"`
	WatchModels   bool    `mapstructure:"watch_models"` // reload models on file change
}

// MirrorConfig configures the secondary display surface
type MirrorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"` // websocket endpoint for the display surface
}

// VoiceConfig configures the speech-synthesis collaborator
type VoiceConfig struct {
	EngineURL       string        `mapstructure:"engine_url"` // VOICEVOX-compatible engine
	TsukkomiSpeaker int           `mapstructure:"tsukkomi_speaker"`
	BokeSpeaker     int           `mapstructure:"boke_speaker"`
	SpeedScale      float64       `mapstructure:"speed_scale"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheDir        string        `mapstructure:"cache_dir"` // synthesized audio files
}

// ScriptConfig configures the script-generation collaborator
type ScriptConfig struct {
	BaseURL   string `mapstructure:"base_url"` // OpenAI-compatible endpoint
	Model     string `mapstructure:"model"`
	APIKeyEnv string `mapstructure:"api_key_env"` // env var holding the key
}

// WindowConfig configures the primary window
type WindowConfig struct {
	Title       string `mapstructure:"title"`
	Width       int    `mapstructure:"width"`
	Height      int    `mapstructure:"height"`
	Transparent bool   `mapstructure:"transparent"` // chroma-key friendly background
	VSync       bool   `mapstructure:"vsync"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Playback: PlaybackConfig{
			LineGap:   500 * time.Millisecond,
			FrameRate: 60,
		},
		Stage: StageConfig{
			TsukkomiModel: "assets/models/tsukkomi.glb",
			BokeModel:     "assets/models/boke.glb",
			ModelScale:    1.0,
			IdleMotion:    true,
			WatchModels:   true,
		},
		Mirror: MirrorConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:39390",
		},
		Voice: VoiceConfig{
			EngineURL:       "http://127.0.0.1:50021",
			TsukkomiSpeaker: 2,
			BokeSpeaker:     3,
			SpeedScale:      1.0,
			Timeout:         30 * time.Second,
			CacheDir:        filepath.Join(home, ".manzaistage", "audio"),
		},
		Script: ScriptConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "MANZAISTAGE_API_KEY",
		},
		Window: WindowConfig{
			Title:       "Manzai Stage",
			Width:       1280,
			Height:      720,
			Transparent: false,
			VSync:       true,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return cfg, err
	}

	configDir := filepath.Join(homeDir, ".manzaistage")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("MANZAISTAGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(homeDir, ".manzaistage")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("playback", cfg.Playback)
	viper.Set("stage", cfg.Stage)
	viper.Set("mirror", cfg.Mirror)
	viper.Set("voice", cfg.Voice)
	viper.Set("script", cfg.Script)
	viper.Set("window", cfg.Window)

	configPath := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configPath)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".manzaistage"), nil
}
