package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigFile     = "jobchat.toml"
	DefaultLogDir         = "logs"
	DefaultMaxAttempts    = 60
	DefaultPollInterval   = 2 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	envPrefix = "JOBCHAT_"
)

// envFile is loaded into the process environment before JOBCHAT_* variables are read.
var envFile = ".env"

// Config holds application configuration
type Config struct {
	Endpoints EndpointsConfig `toml:"endpoints"`
	Poll      PollConfig      `toml:"poll"`
	Log       LogConfig       `toml:"log"`

	// SessionID resumes a conversation id instead of generating one. Flag only.
	SessionID string `toml:"-"`
}

// EndpointsConfig locates the job backend. When either URL is empty and
// ParamPrefix is set, the URL is read from SSM at <prefix>/start_url or
// <prefix>/result_url.
type EndpointsConfig struct {
	StartURL       string        `toml:"start_url" validate:"required,http_url"`
	ResultURL      string        `toml:"result_url" validate:"required,http_url"`
	ParamPrefix    string        `toml:"param_prefix"`
	AWSRegion      string        `toml:"aws_region"`
	RequestTimeout time.Duration `toml:"request_timeout" validate:"gt=0"`
}

type PollConfig struct {
	MaxAttempts          int           `toml:"max_attempts" validate:"gt=0"`
	Interval             time.Duration `toml:"interval" validate:"gt=0"`
	MaxConsecutiveErrors int           `toml:"max_consecutive_errors" validate:"gte=0"`
}

type LogConfig struct {
	Dir       string `toml:"dir" validate:"required"`
	Debug     bool   `toml:"debug"`
	Telemetry bool   `toml:"telemetry"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Endpoints: EndpointsConfig{
			RequestTimeout: DefaultRequestTimeout,
		},
		Poll: PollConfig{
			MaxAttempts: DefaultMaxAttempts,
			Interval:    DefaultPollInterval,
		},
		Log: LogConfig{
			Dir:       DefaultLogDir,
			Telemetry: true,
		},
	}
}

// Load layers defaults, the TOML file at path and JOBCHAT_* environment
// variables (after loading .env). An empty path falls back to jobchat.toml
// in the working directory when it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("START_URL"); ok {
		c.Endpoints.StartURL = v
	}
	if v, ok := get("RESULT_URL"); ok {
		c.Endpoints.ResultURL = v
	}
	if v, ok := get("PARAM_PREFIX"); ok {
		c.Endpoints.ParamPrefix = v
	}
	if v, ok := get("AWS_REGION"); ok {
		c.Endpoints.AWSRegion = v
	}
	if v, ok := get("LOG_DIR"); ok {
		c.Log.Dir = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REQUEST_TIMEOUT", &c.Endpoints.RequestTimeout},
		{"POLL_INTERVAL", &c.Poll.Interval},
	}
	for _, d := range durations {
		v, ok := get(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"POLL_MAX_ATTEMPTS", &c.Poll.MaxAttempts},
		{"POLL_MAX_CONSECUTIVE_ERRORS", &c.Poll.MaxConsecutiveErrors},
	}
	for _, n := range ints {
		v, ok := get(n.key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, n.key, err)
		}
		*n.dst = parsed
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"DEBUG", &c.Log.Debug},
		{"TELEMETRY", &c.Log.Telemetry},
	}
	for _, b := range bools {
		v, ok := get(b.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, b.key, err)
		}
		*b.dst = parsed
	}
	return nil
}

// ParamGetter is satisfied by *paramstore.Client.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// NeedsParamStore reports whether an endpoint is missing and can be looked up.
func (e EndpointsConfig) NeedsParamStore() bool {
	return strings.TrimSpace(e.ParamPrefix) != "" && (e.StartURL == "" || e.ResultURL == "")
}

// ResolveEndpoints fills empty endpoint URLs from the parameter store.
// URLs that are already set are left alone.
func (c *Config) ResolveEndpoints(ctx context.Context, params ParamGetter) error {
	if !c.Endpoints.NeedsParamStore() {
		return nil
	}
	if params == nil {
		return errors.New("config: param getter must not be nil")
	}
	prefix := strings.TrimRight(strings.TrimSpace(c.Endpoints.ParamPrefix), "/")

	if c.Endpoints.StartURL == "" {
		v, err := params.GetParameter(ctx, prefix+"/start_url")
		if err != nil {
			return fmt.Errorf("config: resolve start url: %w", err)
		}
		c.Endpoints.StartURL = v
	}
	if c.Endpoints.ResultURL == "" {
		v, err := params.GetParameter(ctx, prefix+"/result_url")
		if err != nil {
			return fmt.Errorf("config: resolve result url: %w", err)
		}
		c.Endpoints.ResultURL = v
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the fully resolved configuration.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s must satisfy %s", field, fe.Tag())
		}
	}
	return fmt.Errorf("config: invalid configuration: %s", strings.Join(msgs, "; "))
}
