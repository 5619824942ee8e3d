package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Workflow  WorkflowConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Detection DetectionConfig
	Narrative NarrativeConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

type WorkflowConfig struct {
	Path string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// DetectionConfig carries the engine tunables. The defaults are the values
// the rules and escalator were calibrated with; they are exposed here rather
// than hardwired so a workflow change does not require a rebuild.
type DetectionConfig struct {
	PollIntervalMS        int
	DurationTolerance     float64
	CycleDriftSeconds     float64
	BlockTolerance        float64
	NoveltyCutoff         float64
	EWMAAlpha             float64
	EWMARatioCutoff       float64
	RateRatioCutoff       float64
	HistoryMinDays        int
	HistoryStepDays       int
	HistoryMaxDays        int
	HistoryMinSamples     int
	ConfidenceLowSamples  int
	ConfidenceMedSamples  int
	ConfidenceHighSamples int
	EscalationTimeoutSec  int
	ScrapCodes            []string
}

type NarrativeConfig struct {
	Enabled     bool
	Provider    string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/plc-sentinel")

	viper.SetEnvPrefix("PLC_SENTINEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8090)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)

	viper.SetDefault("workflow.path", "./config/workflow.json")

	viper.SetDefault("sqlite.path", "./data/plc.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("detection.pollIntervalMS", 500)
	viper.SetDefault("detection.durationTolerance", 0.20)
	viper.SetDefault("detection.cycleDriftSeconds", 10.0)
	viper.SetDefault("detection.blockTolerance", 0.10)
	viper.SetDefault("detection.noveltyCutoff", 0.7)
	viper.SetDefault("detection.ewmaAlpha", 0.3)
	viper.SetDefault("detection.ewmaRatioCutoff", 1.3)
	viper.SetDefault("detection.rateRatioCutoff", 1.5)
	viper.SetDefault("detection.historyMinDays", 3)
	viper.SetDefault("detection.historyStepDays", 2)
	viper.SetDefault("detection.historyMaxDays", 30)
	viper.SetDefault("detection.historyMinSamples", 10)
	viper.SetDefault("detection.confidenceLowSamples", 10)
	viper.SetDefault("detection.confidenceMedSamples", 20)
	viper.SetDefault("detection.confidenceHighSamples", 30)
	viper.SetDefault("detection.escalationTimeoutSec", 10)
	viper.SetDefault("detection.scrapCodes", []string{"E-M2-013", "E-M3-021", "E-M4-031"})

	viper.SetDefault("narrative.enabled", false)
	viper.SetDefault("narrative.provider", "openai")
	viper.SetDefault("narrative.model", "gpt-4")
	viper.SetDefault("narrative.temperature", 0.2)
	viper.SetDefault("narrative.maxTokens", 1024)
	viper.SetDefault("narrative.timeoutSec", 60)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}

func (d DetectionConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

func (d DetectionConfig) EscalationTimeout() time.Duration {
	return time.Duration(d.EscalationTimeoutSec) * time.Second
}
