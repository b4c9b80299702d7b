// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Conf 是进程级配置，由 Init 填充；业务组件通过构造函数拿到各自的子配置。
var Conf Config

// Config 与 configs/config.yaml 的结构一一对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Transcript    TranscriptConfig    `mapstructure:"transcript"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper"`
}

// ServerConfig 存储 HTTP 服务相关的配置。
type ServerConfig struct {
	Port          string `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"`
}

// DatabaseConfig 存储元数据库与 Redis 的配置。
type DatabaseConfig struct {
	// Driver 取值 mysql 或 sqlite。
	Driver string       `mapstructure:"driver"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储删除重试队列的配置。
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      string        `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	GroupID      string        `mapstructure:"group_id"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type TikaConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ElasticsearchConfig 存储向量索引的配置。
type ElasticsearchConfig struct {
	Addresses  string `mapstructure:"addresses"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	IndexName  string `mapstructure:"index_name"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
	// Similarity 对应 dense_vector 的 similarity，默认 cosine。
	Similarity string `mapstructure:"similarity"`
}

// MinIOConfig 存储对象存储的配置。
type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	// Provider 取值 openai（任意 OpenAI 兼容接口）或 gemini。
	Provider   string          `mapstructure:"provider"`
	APIKey     string          `mapstructure:"api_key"`
	BaseURL    string          `mapstructure:"base_url"`
	Model      string          `mapstructure:"model"`
	Dimensions int             `mapstructure:"dimensions"`
	Timeout    time.Duration   `mapstructure:"timeout"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Provider   string              `mapstructure:"provider"`
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	RateLimit  RateLimitConfig     `mapstructure:"rate_limit"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// RateLimitConfig 控制对外部模型服务的请求速率。RPS <= 0 表示不限速。
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
	EnrichRules  string `mapstructure:"enrich_rules"`
}

// IngestConfig 控制入库流水线。SeedDir 中的文件在启动时导入，已存在同名文档的跳过。
type IngestConfig struct {
	ChunkSize    int    `mapstructure:"chunk_size"`
	EmbedWorkers int    `mapstructure:"embed_workers"`
	Enrich       bool   `mapstructure:"enrich"`
	SeedDir      string `mapstructure:"seed_dir"`
}

type RetrievalConfig struct {
	TopK int `mapstructure:"top_k"`
}

// TranscriptConfig 控制问答记录的保留策略。
type TranscriptConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	MaxRecent int64         `mapstructure:"max_recent"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_size", 50<<20)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "data/docsage.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "docsage-deletions")
	v.SetDefault("kafka.group_id", "docsage-deletion-consumer")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("kafka.retry_backoff", 30*time.Second)
	v.SetDefault("tika.timeout", 60*time.Second)
	v.SetDefault("elasticsearch.index_name", "docsage_chunks")
	v.SetDefault("elasticsearch.dimensions", 1536)
	v.SetDefault("elasticsearch.batch_size", 100)
	v.SetDefault("elasticsearch.similarity", "cosine")
	v.SetDefault("minio.bucket_name", "docsage")
	v.SetDefault("minio.presign_ttl", time.Hour)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("ingest.chunk_size", 500)
	v.SetDefault("ingest.embed_workers", 4)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("transcript.retention", 30*24*time.Hour)
	v.SetDefault("transcript.max_recent", 1000)
	v.SetDefault("sweeper.interval", 30*time.Minute)
	v.SetDefault("sweeper.grace", time.Hour)
}

// Load 读取 YAML 配置文件，并允许 DOCSAGE_ 前缀的环境变量覆盖。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("docsage")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}

// Init 加载配置到 Conf，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
