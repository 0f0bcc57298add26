package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"readTimeout"`
		WriteTimeout time.Duration `yaml:"writeTimeout"`
		IdleTimeout  time.Duration `yaml:"idleTimeout"`
		CORSOrigins  []string      `yaml:"corsOrigins"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | console
	} `yaml:"log"`

	Database struct {
		Driver      string `yaml:"driver"` // mysql | postgres | memory
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		User        string `yaml:"user"`
		Password    string `yaml:"password"`
		Name        string `yaml:"name"`
		SSLMode     string `yaml:"sslMode"`
		AutoMigrate bool   `yaml:"autoMigrate"`
	} `yaml:"database"`

	Minio struct {
		Enabled    bool   `yaml:"enabled"`
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	AI struct {
		APIKey              string  `yaml:"apiKey"`
		BaseURL             string  `yaml:"baseURL"`
		Model               string  `yaml:"model"`
		MaxTokens           int     `yaml:"maxTokens"`
		PlannerBatchSize    int     `yaml:"plannerBatchSize"`
		PlannerMinBatchSize int     `yaml:"plannerMinBatchSize"`
		AnalyzerBatchTokens int     `yaml:"analyzerBatchTokens"`
		InputPricePerMTok   float64 `yaml:"inputPricePerMTok"`
		OutputPricePerMTok  float64 `yaml:"outputPricePerMTok"`
	} `yaml:"ai"`

	Repos struct {
		WorkDir      string   `yaml:"workDir"`
		Token        string   `yaml:"token"`
		MaxFileBytes int64    `yaml:"maxFileBytes"`
		Ignore       []string `yaml:"ignore"`
	} `yaml:"repos"`

	Policy struct {
		RedactFromSeverity    string `yaml:"redactFromSeverity"`
		CriticalEmbargoMonths int    `yaml:"criticalEmbargoMonths"`
		HighEmbargoMonths     int    `yaml:"highEmbargoMonths"`
	} `yaml:"policy"`

	Notify struct {
		WebhookURL string        `yaml:"webhookURL"`
		SigningKey string        `yaml:"signingKey"`
		Timeout    time.Duration `yaml:"timeout"`
		MaxRetries int           `yaml:"maxRetries"`
	} `yaml:"notify"`

	Auth struct {
		// APIKeys maps user id to API key.
		APIKeys        map[string]string `yaml:"apiKeys"`
		Admins         []string          `yaml:"admins"`
		AllowAnonymous bool              `yaml:"allowAnonymous"`
	} `yaml:"auth"`

	RateLimit struct {
		Capacity        int     `yaml:"capacity"`
		RefillPerSecond float64 `yaml:"refillPerSecond"`
	} `yaml:"rateLimit"`
}

// Load baca file config.yaml, isi default, lalu override dari env
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets stay out of the file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("OPENAI_API_KEY", &c.AI.APIKey)
	str("OPENAI_BASE_URL", &c.AI.BaseURL)
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_HOST", &c.Database.Host)
	str("DATABASE_PASSWORD", &c.Database.Password)
	str("MINIO_ACCESS_KEY", &c.Minio.AccessKey)
	str("MINIO_SECRET_KEY", &c.Minio.SecretKey)
	str("GIT_TOKEN", &c.Repos.Token)
	str("NOTIFY_SIGNING_KEY", &c.Notify.SigningKey)
	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "postgres":
			c.Database.Port = 5432
		case "mysql":
			c.Database.Port = 3306
		}
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Repos.WorkDir == "" {
		c.Repos.WorkDir = os.TempDir() + "/automaton-audit/repos"
	}
	if c.Policy.RedactFromSeverity == "" {
		c.Policy.RedactFromSeverity = "medium"
	}
	if c.Policy.CriticalEmbargoMonths == 0 {
		c.Policy.CriticalEmbargoMonths = 6
	}
	if c.Policy.HighEmbargoMonths == 0 {
		c.Policy.HighEmbargoMonths = 3
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 15 * time.Second
	}
	if c.Notify.MaxRetries == 0 {
		c.Notify.MaxRetries = 3
	}
	if c.RateLimit.Capacity > 0 && c.RateLimit.RefillPerSecond == 0 {
		c.RateLimit.RefillPerSecond = 1.0 / 60
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be mysql, postgres or memory, got %q", c.Database.Driver)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	switch c.Policy.RedactFromSeverity {
	case "critical", "high", "medium", "low", "informational":
	default:
		return fmt.Errorf("policy.redactFromSeverity %q is not a severity", c.Policy.RedactFromSeverity)
	}
	if c.Minio.Enabled && (c.Minio.Endpoint == "" || c.Minio.BucketName == "") {
		return fmt.Errorf("minio.endpoint and minio.bucketName are required when minio is enabled")
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port)),
		c.Database.Name,
	)
}

// PostgresDSN builds a lib/pq connection URL.
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port)),
		Path:     "/" + c.Database.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.Database.SSLMode),
	}
	return u.String()
}
