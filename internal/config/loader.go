package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	NATS         NATSConfig         `mapstructure:"nats"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Docs         DocsConfig         `mapstructure:"docs"`
	Reporting    ReportingConfig    `mapstructure:"reporting"`
	Survey       SurveyConfig       `mapstructure:"survey"`
	Server       ServerConfig       `mapstructure:"server"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// WorkerConfig maps the topic exchange / queue topology onto JetStream:
// Stream is the exchange, Subjects its wildcard and Durable the shared queue.
type WorkerConfig struct {
	Stream       string        `mapstructure:"stream"`
	Subjects     []string      `mapstructure:"subjects"`
	Durable      string        `mapstructure:"durable"`
	Concurrency  int           `mapstructure:"concurrency"`
	AckWait      time.Duration `mapstructure:"ack_wait"`
	MaxDeliver   int           `mapstructure:"max_deliver"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	StatusSubj   string        `mapstructure:"status_subject"`
}

type ControlPlaneConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type AgentConfig struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	OutputWeight int           `mapstructure:"output_weight"`
	Backoff      time.Duration `mapstructure:"backoff"`
}

type DocsConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ReportingConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SurveyConfig struct {
	Bucket string `mapstructure:"bucket"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "consultant-worker")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("worker.stream", "TASKS")
	v.SetDefault("worker.subjects", []string{"task.>"})
	v.SetDefault("worker.durable", "consultant-worker")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.ack_wait", 60*time.Second)
	v.SetDefault("worker.max_deliver", 3)
	v.SetDefault("worker.drain_timeout", 0)
	v.SetDefault("worker.task_timeout", 0)
	v.SetDefault("worker.status_subject", "events.task.status")

	v.SetDefault("control_plane.url", "http://localhost:8080/api")
	v.SetDefault("control_plane.username", "")
	v.SetDefault("control_plane.password", "")
	v.SetDefault("control_plane.timeout", 30*time.Second)

	v.SetDefault("agent.url", "http://localhost:8090")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.timeout", 5*time.Minute)
	v.SetDefault("agent.output_weight", 4)
	v.SetDefault("agent.backoff", 0)

	v.SetDefault("docs.url", "http://localhost:8091")
	v.SetDefault("docs.api_key", "")
	v.SetDefault("docs.timeout", time.Minute)

	v.SetDefault("reporting.url", "https://reporting.victorymodeling.com/api/")
	v.SetDefault("reporting.username", "")
	v.SetDefault("reporting.password", "")
	v.SetDefault("reporting.timeout", time.Minute)

	v.SetDefault("survey.bucket", "survey-data")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})
}

// Load reads the YAML file at path (optional when empty) and applies
// CONSULTANT_* environment overrides on top of the defaults. Only keys with
// a default can be overridden from the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONSULTANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Worker.Stream == "" || c.Worker.Durable == "" {
		return fmt.Errorf("worker.stream and worker.durable are required")
	}
	if len(c.Worker.Subjects) == 0 {
		return fmt.Errorf("worker.subjects must not be empty")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.AckWait <= 0 {
		return fmt.Errorf("worker.ack_wait must be positive")
	}
	if c.Worker.DrainTimeout < 0 || c.Worker.TaskTimeout < 0 {
		return fmt.Errorf("worker.drain_timeout and worker.task_timeout must not be negative")
	}
	if c.ControlPlane.URL == "" {
		return fmt.Errorf("control_plane.url is required")
	}
	if c.Agent.OutputWeight < 0 {
		return fmt.Errorf("agent.output_weight must not be negative")
	}
	return nil
}
