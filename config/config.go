package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"workflow-orchestrator/core/models"
	"workflow-orchestrator/logger"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Log        logger.Config     `yaml:"log"`
	Connection models.Connection `yaml:"connection"`
	Remote     RemoteConfig      `yaml:"remote"`
	AWS        AWSConfig         `yaml:"aws"`
	Monitor    MonitorConfig     `yaml:"monitor"`
	Tunnel     TunnelConfig      `yaml:"tunnel"`
	Storage    StorageConfig     `yaml:"storage"`
	Retention  RetentionConfig   `yaml:"retention"`

	// Local directory receiving downloaded outputs, one subdirectory per workflow
	OutputDir           string `yaml:"output_dir"`
	DownloadConcurrency int    `yaml:"download_concurrency"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RemoteConfig describes the remote job service and its directories
type RemoteConfig struct {
	ServicePort    int           `yaml:"service_port"`
	InputDir       string        `yaml:"input_dir"`
	OutputDir      string        `yaml:"output_dir"`
	WorkDir        string        `yaml:"work_dir"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// AWSConfig enables resolving the connection host from an EC2 instance
type AWSConfig struct {
	Region       string `yaml:"region"`
	UsePrivateIP bool   `yaml:"use_private_ip"`
}

// MonitorConfig configures progress monitoring
type MonitorConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	Timeout            time.Duration `yaml:"timeout"`
	PlaceholderPercent float64       `yaml:"placeholder_percent"`
	DisableEvents      bool          `yaml:"disable_events"`
}

// TunnelConfig configures the tunnel pool
type TunnelConfig struct {
	SSHBinary        string        `yaml:"ssh_binary"`
	EstablishTimeout time.Duration `yaml:"establish_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// StorageConfig selects the snapshot backend
type StorageConfig struct {
	Backend       string `yaml:"backend"` // file, postgres, redis
	Dir           string `yaml:"dir"`
	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// RetentionConfig controls purging of finished workflows; a zero window keeps them forever
type RetentionConfig struct {
	Window        time.Duration `yaml:"window"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Log:        logger.DefaultConfig(),
		Connection: models.Connection{Port: 22, User: "root"},
		Remote: RemoteConfig{
			ServicePort:    8188,
			InputDir:       "/workspace/ComfyUI/input",
			OutputDir:      "/workspace/ComfyUI/output",
			WorkDir:        "/tmp/workflow-orchestrator",
			RequestTimeout: 30 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:       2 * time.Second,
			Timeout:            3600 * time.Second,
			PlaceholderPercent: 50,
		},
		Tunnel: TunnelConfig{
			SSHBinary:        "ssh",
			EstablishTimeout: 10 * time.Second,
			GracePeriod:      5 * time.Second,
			SweepInterval:    time.Minute,
		},
		Storage: StorageConfig{
			Backend:     "file",
			Dir:         "state",
			RedisPrefix: "workflow-orchestrator",
		},
		Retention: RetentionConfig{
			Window:        7 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		OutputDir:           "outputs",
		DownloadConcurrency: 4,
	}
}

// Load reads defaults, then the optional YAML file, then WO_* environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	env := &envReader{}

	c.Server.Port = getEnv("WO_SERVER_PORT", c.Server.Port)
	c.Log.Level = getEnv("WO_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("WO_LOG_FORMAT", c.Log.Format)
	c.Log.Output = getEnv("WO_LOG_OUTPUT", c.Log.Output)
	c.Log.FilePath = getEnv("WO_LOG_FILE", c.Log.FilePath)

	if descriptor := os.Getenv("WO_CONNECTION"); descriptor != "" {
		conn, err := models.ParseConnection(descriptor)
		if err != nil {
			env.errs = append(env.errs, fmt.Errorf("WO_CONNECTION: %w", err))
		} else {
			conn.IdentityFile = c.Connection.IdentityFile
			conn.InstanceID = c.Connection.InstanceID
			if conn.User == "" {
				conn.User = c.Connection.User
			}
			if conn.Port == 0 {
				conn.Port = c.Connection.Port
			}
			c.Connection = conn
		}
	}
	c.Connection.IdentityFile = getEnv("WO_SSH_KEY", c.Connection.IdentityFile)
	c.Connection.InstanceID = getEnv("WO_EC2_INSTANCE_ID", c.Connection.InstanceID)
	c.AWS.Region = getEnv("WO_AWS_REGION", c.AWS.Region)

	c.Remote.ServicePort = env.int("WO_SERVICE_PORT", c.Remote.ServicePort)
	c.Remote.InputDir = getEnv("WO_REMOTE_INPUT_DIR", c.Remote.InputDir)
	c.Remote.OutputDir = getEnv("WO_REMOTE_OUTPUT_DIR", c.Remote.OutputDir)
	c.Remote.WorkDir = getEnv("WO_REMOTE_WORK_DIR", c.Remote.WorkDir)
	c.Remote.KnownHostsFile = getEnv("WO_KNOWN_HOSTS", c.Remote.KnownHostsFile)

	c.Monitor.PollInterval = env.duration("WO_POLL_INTERVAL", c.Monitor.PollInterval)
	c.Monitor.Timeout = env.duration("WO_MONITOR_TIMEOUT", c.Monitor.Timeout)
	c.Monitor.DisableEvents = env.bool("WO_DISABLE_EVENTS", c.Monitor.DisableEvents)

	c.Tunnel.SSHBinary = getEnv("WO_SSH_BINARY", c.Tunnel.SSHBinary)
	c.Tunnel.EstablishTimeout = env.duration("WO_TUNNEL_TIMEOUT", c.Tunnel.EstablishTimeout)

	c.Storage.Backend = getEnv("WO_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Dir = getEnv("WO_STATE_DIR", c.Storage.Dir)
	c.Storage.DatabaseURL = getEnv("WO_DATABASE_URL", c.Storage.DatabaseURL)
	c.Storage.RedisAddr = getEnv("WO_REDIS_ADDR", c.Storage.RedisAddr)
	c.Storage.RedisPassword = getEnv("WO_REDIS_PASSWORD", c.Storage.RedisPassword)

	c.Retention.Window = env.duration("WO_RETENTION", c.Retention.Window)
	c.OutputDir = getEnv("WO_OUTPUT_DIR", c.OutputDir)
	c.DownloadConcurrency = env.int("WO_DOWNLOAD_CONCURRENCY", c.DownloadConcurrency)

	return errors.Join(env.errs...)
}

// Validate checks the configuration for values the services cannot run with
func (c *Config) Validate() error {
	var errs []error
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Connection.Host == "" && c.Connection.InstanceID == "" {
		errs = append(errs, errors.New("connection.host or connection.instance_id is required"))
	}
	if c.Connection.Port < 0 || c.Connection.Port > 65535 {
		errs = append(errs, fmt.Errorf("connection.port %d out of range", c.Connection.Port))
	}
	if c.Remote.ServicePort <= 0 || c.Remote.ServicePort > 65535 {
		errs = append(errs, fmt.Errorf("remote.service_port %d out of range", c.Remote.ServicePort))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, errors.New("monitor.poll_interval must be positive"))
	}
	if c.Monitor.Timeout <= 0 {
		errs = append(errs, errors.New("monitor.timeout must be positive"))
	}
	if c.Monitor.PlaceholderPercent < 0 || c.Monitor.PlaceholderPercent > 100 {
		errs = append(errs, errors.New("monitor.placeholder_percent must be within [0, 100]"))
	}
	if c.Tunnel.EstablishTimeout <= 0 {
		errs = append(errs, errors.New("tunnel.establish_timeout must be positive"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if c.DownloadConcurrency <= 0 {
		errs = append(errs, errors.New("download_concurrency must be positive"))
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the file backend"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for the postgres backend"))
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed environment overrides and collects parse errors
type envReader struct {
	errs []error
}

func (r *envReader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func (r *envReader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}
