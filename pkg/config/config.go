package config

import (
	"fmt"
	"os"
	"time"

	"BookPulse/pkg/util"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"oneof=development staging production"`
	Server      struct {
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Logger struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"console" validate:"oneof=json console"`
		Output string `yaml:"output" default:"stdout"`
		// Error digests are shipped to this Kafka topic when set.
		CollectorTopic    string        `yaml:"collector_topic"`
		CollectorInterval time.Duration `yaml:"collector_interval" default:"30s"`
	} `yaml:"logger"`
	Feed struct {
		// Source is "websocket" for the live exchange feed. "kafka" and "dir"
		// replay frames archived to archive.topic or archive.dir.
		Source         string        `yaml:"source" default:"websocket" validate:"oneof=websocket kafka dir"`
		ProductID      string        `yaml:"product_id" default:"BTC-USD" validate:"required"`
		WebSocketURL   string        `yaml:"websocket_url" default:"wss://ws-feed.exchange.coinbase.com" validate:"required,url"`
		Channel        string        `yaml:"channel" default:"level2_batch"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"1s"`
		BackoffMax     time.Duration `yaml:"backoff_max" default:"30s"`
		PingInterval   time.Duration `yaml:"ping_interval" default:"30s"`
		BufferSize     int           `yaml:"buffer_size" default:"1024" validate:"gte=1"`
	} `yaml:"feed"`
	Stats struct {
		ReportInterval           time.Duration   `yaml:"report_interval" default:"5s"`
		SampleInterval           time.Duration   `yaml:"sample_interval" default:"1s"`
		Windows                  []time.Duration `yaml:"windows" validate:"min=1,dive,gt=0"`
		Retention                time.Duration   `yaml:"retention" default:"15m"`
		DepthLevels              int             `yaml:"depth_levels" default:"10" validate:"gte=1,lte=50"`
		ResetHistoryOnResnapshot bool            `yaml:"reset_history_on_resnapshot"`
		ReporterQueue            int             `yaml:"reporter_queue" default:"64" validate:"gte=1"`
		Timezone                 string          `yaml:"timezone" default:"Local"`
	} `yaml:"stats"`
	Forecast struct {
		Kind            string        `yaml:"kind" default:"ar" validate:"oneof=ar http"`
		Horizon         time.Duration `yaml:"horizon" default:"60s"`
		MinHistory      time.Duration `yaml:"min_history" default:"2m"`
		UpdateInterval  time.Duration `yaml:"update_interval" default:"6s"`
		RetrainInterval time.Duration `yaml:"retrain_interval" default:"2m"`
		EscalationStep  time.Duration `yaml:"escalation_step" default:"1m"`
		FitThreshold    float64       `yaml:"fit_threshold" default:"0.5" validate:"gte=0,lte=1"`
		AROrder         int           `yaml:"ar_order" default:"5" validate:"gte=1,lte=60"`
		ResampleStep    time.Duration `yaml:"resample_step" default:"1s"`
		Grace           time.Duration `yaml:"grace" default:"30s"`
		MaxPending      int           `yaml:"max_pending" default:"256"`
		ServiceURL      string        `yaml:"service_url"`
		Timeout         time.Duration `yaml:"timeout" default:"10s"`
		Attempts        int           `yaml:"attempts" default:"3"`
	} `yaml:"forecast"`
	Backend struct {
		Type string `yaml:"type" default:"log" validate:"oneof=log kafka clickhouse"`
	} `yaml:"backend"`
	Archive struct {
		Enabled bool `yaml:"enabled"`
		// Kind is "kafka" for the raw topic or "dir" for one JSON file per frame.
		Kind       string        `yaml:"kind" default:"kafka" validate:"oneof=kafka dir"`
		Topic      string        `yaml:"topic" default:"bookpulse.raw"`
		Dir        string        `yaml:"dir" default:"./cache"`
		BufferSize int           `yaml:"buffer_size" default:"10000"`
		MaxRetries int           `yaml:"max_retries" default:"5"`
		BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
		BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
	} `yaml:"archive"`
	Kafka struct {
		Brokers      []string `yaml:"brokers" default:"[\"localhost:9092\"]"`
		Topic        string   `yaml:"topic" default:"bookpulse.snapshots"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"5"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"bookpulse-replay"`
			BufferSize int           `yaml:"buffer_size" default:"256"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
			Offset     string        `yaml:"offset" default:"earliest" validate:"oneof=earliest latest"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"bookpulse"`
		Table            string        `yaml:"table" default:"order_book_snapshots"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Addr     string        `yaml:"addr" default:"localhost:6379"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix" default:"bookpulse"`
		TTL      time.Duration `yaml:"snapshot_ttl" default:"1m"`
		L1Size   int           `yaml:"l1_size" default:"64"`
	} `yaml:"redis"`
	Queue struct {
		// Enabled routes snapshot persistence through the Redis job queue.
		Enabled       bool          `yaml:"enabled"`
		Workers       int           `yaml:"workers" default:"1" validate:"gte=1"`
		RetryLimit    int           `yaml:"retry_limit" default:"5"`
		RetryDelay    time.Duration `yaml:"retry_delay" default:"2s"`
		MaxRetryDelay time.Duration `yaml:"max_retry_delay" default:"1m"`
	} `yaml:"queue"`
	History struct {
		Burst     float64       `yaml:"burst" default:"5"`
		PerSecond float64       `yaml:"per_second" default:"1"`
		MaxSpan   time.Duration `yaml:"max_span" default:"24h"`
	} `yaml:"history"`
}

var validate = validator.New()

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(err)
	}
	c.Stats.Windows = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	c.Server.CORSOrigins = []string{"*"}
	return &c
}

// Parse decodes YAML on top of the defaults and validates the result. Keys
// absent from the document keep their defaults.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Load reads and parses a YAML configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Parse(nil)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.ApplyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PRODUCT_ID"); v != "" {
		c.Feed.ProductID = v
	}
	if v := getenv("FEED_URL"); v != "" {
		c.Feed.WebSocketURL = v
	}
	if v := getenv("FEED_SOURCE"); v != "" {
		c.Feed.Source = v
	}
	if v := getenv("BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		if brokers := util.SplitList(v); len(brokers) > 0 {
			c.Kafka.Brokers = brokers
		}
	}
	if v := getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
}

// Validate checks field rules and the combinations they cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Stats.Retention < c.maxWindow() {
		return fmt.Errorf("stats.retention %s is shorter than the largest window %s", c.Stats.Retention, c.maxWindow())
	}
	if c.Forecast.Kind == "http" && c.Forecast.ServiceURL == "" {
		return fmt.Errorf("forecast.service_url is required for kind http")
	}
	needsKafka := c.Backend.Type == "kafka" || c.Feed.Source == "kafka" ||
		(c.Archive.Enabled && c.Archive.Kind == "kafka")
	if needsKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty")
	}
	if c.Queue.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("queue.enabled requires redis.enabled")
	}
	if c.Feed.Source == "dir" && c.Archive.Dir == "" {
		return fmt.Errorf("archive.dir is required to replay from a directory")
	}
	if c.Feed.Source == "kafka" && c.Archive.Enabled && c.Archive.Kind == "kafka" {
		return fmt.Errorf("archiving to kafka while replaying from kafka would loop")
	}
	return nil
}

func (c *Config) maxWindow() time.Duration {
	var m time.Duration
	for _, w := range c.Stats.Windows {
		if w > m {
			m = w
		}
	}
	return m
}

// Location resolves stats.timezone for report timestamps.
func (c *Config) Location() *time.Location {
	if c.Stats.Timezone == "" || c.Stats.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Stats.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
