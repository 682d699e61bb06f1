package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds harness configuration. Values come from the YAML file named
// by CONFIG_FILE, if any, and are then overridden by environment variables.
type Config struct {
	WorkDir     string `yaml:"work_dir"`
	MaxSteps    int    `yaml:"max_steps"`
	CatalogFile string `yaml:"catalog_file"`

	TestFormat          string        `yaml:"test_format"`
	FullTestCommand     string        `yaml:"full_test_command"`
	TargetedTestCommand string        `yaml:"targeted_test_command"`
	SuiteFlag           string        `yaml:"suite_flag"`
	BuildCommand        string        `yaml:"build_command"`
	TestTimeout         time.Duration `yaml:"test_timeout"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
	BuildTimeout        time.Duration `yaml:"build_timeout"`
	AllowedCommands     []string      `yaml:"allowed_commands"`
	TestEnv             []string      `yaml:"test_env"`
	ComposeFile         string        `yaml:"compose_file"`

	Port      string `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
	LogLevel  string `yaml:"log_level"`
	Debug     bool   `yaml:"debug"`

	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisURL    string `yaml:"redis_url"`
	NATSURL     string `yaml:"nats_url"`

	InfluxURL    string `yaml:"influxdb_url"`
	InfluxToken  string `yaml:"influxdb_token"`
	InfluxOrg    string `yaml:"influxdb_org"`
	InfluxBucket string `yaml:"influxdb_bucket"`

	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioSecure    bool   `yaml:"minio_secure"`

	EtcdEndpoints []string `yaml:"etcd_endpoints"`
}

// bootstrapEnv enables the unstable libtest JSON formatter on stable cargo.
const bootstrapEnv = "RUSTC_BOOTSTRAP=1"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkDir:             ".",
		MaxSteps:            100,
		TestFormat:          "libtest",
		FullTestCommand:     "cargo test --no-fail-fast -- -Z unstable-options --format json",
		TargetedTestCommand: "cargo test --no-fail-fast {suites} -- -Z unstable-options --format json",
		SuiteFlag:           "--test",
		BuildCommand:        "cargo build",
		TestTimeout:         300 * time.Second,
		RunTimeout:          120 * time.Second,
		BuildTimeout:        600 * time.Second,
		AllowedCommands:     []string{"cargo", "go", "cat", "ls", "grep", "find", "head", "tail", "wc"},
		ComposeFile:         "docker-compose.yml",
		Port:                "8080",
		LogLevel:            "info",
		InfluxBucket:        "repairgym",
		MinioBucket:         "repairgym",
	}
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads configuration using lookup in place of os.LookupEnv.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	l := loader{lookup: lookup}
	l.str("WORK_DIR", &cfg.WorkDir)
	l.integer("MAX_STEPS", &cfg.MaxSteps)
	l.str("CATALOG_FILE", &cfg.CatalogFile)
	l.str("TEST_FORMAT", &cfg.TestFormat)
	l.str("FULL_TEST_COMMAND", &cfg.FullTestCommand)
	l.str("TARGETED_TEST_COMMAND", &cfg.TargetedTestCommand)
	if v, ok := lookup("SUITE_FLAG"); ok {
		// an explicitly empty flag passes bare suite names
		cfg.SuiteFlag = strings.TrimSpace(v)
	}
	l.str("BUILD_COMMAND", &cfg.BuildCommand)
	l.duration("TEST_TIMEOUT", &cfg.TestTimeout)
	l.duration("RUN_TIMEOUT", &cfg.RunTimeout)
	l.duration("BUILD_TIMEOUT", &cfg.BuildTimeout)
	l.list("ALLOWED_COMMANDS", &cfg.AllowedCommands)
	l.list("TEST_ENV", &cfg.TestEnv)
	l.str("COMPOSE_FILE", &cfg.ComposeFile)

	l.str("PORT", &cfg.Port)
	l.str("JWT_SECRET", &cfg.JWTSecret)
	l.str("LOG_LEVEL", &cfg.LogLevel)
	l.boolean("DEBUG", &cfg.Debug)

	l.str("DATABASE_URL", &cfg.DatabaseURL)
	l.str("SQLITE_PATH", &cfg.SQLitePath)
	l.str("REDIS_URL", &cfg.RedisURL)
	l.str("NATS_URL", &cfg.NATSURL)
	l.str("INFLUXDB_URL", &cfg.InfluxURL)
	l.str("INFLUXDB_TOKEN", &cfg.InfluxToken)
	l.str("INFLUXDB_ORG", &cfg.InfluxOrg)
	l.str("INFLUXDB_BUCKET", &cfg.InfluxBucket)
	l.str("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	l.str("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	l.str("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	l.str("MINIO_BUCKET", &cfg.MinioBucket)
	l.boolean("MINIO_SECURE", &cfg.MinioSecure)
	l.list("ETCD_ENDPOINTS", &cfg.EtcdEndpoints)

	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the harness cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WorkDir) == "" {
		errs = append(errs, errors.New("work_dir is required"))
	}
	if c.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps))
	}
	if c.TestFormat != "libtest" && c.TestFormat != "gotest" {
		errs = append(errs, fmt.Errorf("test_format must be libtest or gotest, got %q", c.TestFormat))
	}
	for name, d := range map[string]time.Duration{
		"test_timeout":  c.TestTimeout,
		"run_timeout":   c.RunTimeout,
		"build_timeout": c.BuildTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if strings.TrimSpace(c.FullTestCommand) == "" {
		errs = append(errs, errors.New("full_test_command is required"))
	}
	if len(c.AllowedCommands) == 0 {
		errs = append(errs, errors.New("allowed_commands must not be empty"))
	}
	for _, kv := range c.TestEnv {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("test_env entry %q is not KEY=VALUE", kv))
		}
	}
	return errors.Join(errs...)
}

// TestEnvironment is the environment added to build and test processes.
func (c *Config) TestEnvironment() []string {
	return append([]string{bootstrapEnv}, c.TestEnv...)
}

// loader applies environment overrides, collecting parse errors.
type loader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (l *loader) get(key string) (string, bool) {
	v, ok := l.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (l *loader) str(key string, dst *string) {
	if v, ok := l.get(key); ok {
		*dst = v
	}
}

func (l *loader) integer(key string, dst *int) {
	v, ok := l.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (l *loader) boolean(key string, dst *bool) {
	v, ok := l.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}

func (l *loader) duration(key string, dst *time.Duration) {
	v, ok := l.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare integers are seconds
		secs, ierr := strconv.Atoi(v)
		if ierr != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		d = time.Duration(secs) * time.Second
	}
	*dst = d
}

func (l *loader) list(key string, dst *[]string) {
	v, ok := l.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
