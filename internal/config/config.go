// Package config loads the test runner configuration: target service, auth
// scheme, identities and execution settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bigthinkcode/rest-tester/internal/dispatch"
)

// DefaultConfigFile is the config file looked up in the working directory.
const DefaultConfigFile = "config.yaml"

// Token encodings.
const (
	EncodingBase64 = "base64"
	EncodingJWT    = "jwt"
)

// Config represents the contents of a runner configuration file.
type Config struct {
	Defaults  DefaultTestSettings `yaml:"default_test_settings" json:"default_test_settings"`
	HTTP      HTTPSettings        `yaml:"http_request_settings" json:"http_request_settings"`
	Auth      AuthSettings        `yaml:"auth_settings" json:"auth_settings"`
	Users     []UserToken         `yaml:"user_tokens" json:"user_tokens"`
	Execution ExecutionSettings   `yaml:"execution_settings" json:"execution_settings"`
}

// DefaultTestSettings supply expected values for assertions that name a kind
// without a value.
type DefaultTestSettings struct {
	ExpectedStatusCode int     `yaml:"expected_status_code" json:"expected_status_code"`
	TimeoutSeconds     float64 `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// HTTPSettings describe the target service and transport.
type HTTPSettings struct {
	Method                string  `yaml:"method" json:"method"`
	BaseURL               string  `yaml:"base_url" json:"base_url"`
	VerifySSL             *bool   `yaml:"verify_ssl" json:"verify_ssl"`
	RequestTimeoutSeconds float64 `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
	RequestsPerSecond     float64 `yaml:"requests_per_second" json:"requests_per_second"`
}

// SSLVerification reports whether TLS certificates are checked. Defaults to true.
func (h HTTPSettings) SSLVerification() bool {
	return h.VerifySSL == nil || *h.VerifySSL
}

// AuthSettings describe how tokens become request headers and how they are
// validated.
type AuthSettings struct {
	TokenEncoded   bool                `yaml:"token_encoded" json:"token_encoded"`
	EncodingFormat string              `yaml:"encoding_format" json:"encoding_format"`
	Headers        []map[string]string `yaml:"auth_headers" json:"auth_headers"`
	Validation     ValidationRequest   `yaml:"token_validation_params" json:"token_validation_params"`
}

// ValidationRequest is the request issued to check an opaque token.
type ValidationRequest struct {
	Method string `yaml:"method" json:"method"`
	URI    string `yaml:"uri" json:"uri"`
	Params any    `yaml:"params" json:"params"`
	Data   any    `yaml:"data" json:"data"`
}

// UserToken is one identity: an optional token and the groups it exercises.
type UserToken struct {
	Name       string   `yaml:"name" json:"name"`
	Token      string   `yaml:"token" json:"token"`
	TestGroups []string `yaml:"test_groups" json:"test_groups"`
}

// ExecutionSettings control discovery, conversion, logging and outputs.
type ExecutionSettings struct {
	LogLevel    string `yaml:"log_level" json:"log_level"`
	LogFormat   string `yaml:"log_format" json:"log_format"`
	TestsDir    string `yaml:"dir_groups_to_test" json:"dir_groups_to_test"`
	AutoConvert bool   `yaml:"auto_convert" json:"auto_convert"`
	EnvFile     string `yaml:"env_file" json:"env_file"`
	PayloadsDir string `yaml:"payloads_dir" json:"payloads_dir"`
	ModelsDir   string `yaml:"models_dir" json:"models_dir"`
	ResultsFile string `yaml:"results_file" json:"results_file"`
	MetricsFile string `yaml:"metrics_file" json:"metrics_file"`
	Seed        uint64 `yaml:"seed" json:"seed"`
}

// Load reads the config file at path. Files ending in .json are parsed as
// JSON, everything else as YAML. Relative directories in the file are taken
// relative to the file's directory. The env file, when set, is loaded before
// ${VAR} references are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.resolvePaths(filepath.Dir(path))

	if cfg.Execution.EnvFile != "" {
		if err := godotenv.Load(cfg.Execution.EnvFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("loading env file %s: %w", cfg.Execution.EnvFile, err)
			}
		}
	}
	cfg.expandEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Defaults.ExpectedStatusCode == 0 {
		c.Defaults.ExpectedStatusCode = 200
	}
	if c.Defaults.TimeoutSeconds == 0 {
		c.Defaults.TimeoutSeconds = 10
	}
	if c.HTTP.Method == "" {
		c.HTTP.Method = dispatch.MethodBasic
	}
	c.HTTP.Method = strings.ToLower(c.HTTP.Method)
	if c.HTTP.RequestTimeoutSeconds == 0 {
		c.HTTP.RequestTimeoutSeconds = 30
	}
	if c.Auth.EncodingFormat == "" {
		c.Auth.EncodingFormat = EncodingBase64
	}
	if c.Auth.Validation.Method == "" {
		c.Auth.Validation.Method = "get"
	}
	if c.Execution.LogLevel == "" {
		c.Execution.LogLevel = "info"
	}
	if c.Execution.LogFormat == "" {
		c.Execution.LogFormat = "pretty"
	}
	for i := range c.Users {
		if c.Users[i].Name == "" {
			c.Users[i].Name = fmt.Sprintf("identity-%d", i+1)
		}
	}
}

// Validate checks that the config can drive a run.
func (c *Config) Validate() error {
	var problems []string
	if c.HTTP.BaseURL == "" {
		problems = append(problems, "http_request_settings.base_url is required")
	}
	switch c.HTTP.Method {
	case dispatch.MethodBasic, dispatch.MethodSession:
	default:
		problems = append(problems, fmt.Sprintf("http_request_settings.method %q must be %q or %q", c.HTTP.Method, dispatch.MethodBasic, dispatch.MethodSession))
	}
	if c.HTTP.RequestsPerSecond < 0 {
		problems = append(problems, "http_request_settings.requests_per_second must not be negative")
	}
	if c.Auth.TokenEncoded {
		switch c.Auth.EncodingFormat {
		case EncodingBase64, EncodingJWT:
		default:
			problems = append(problems, fmt.Sprintf("auth_settings.encoding_format %q must be %q or %q", c.Auth.EncodingFormat, EncodingBase64, EncodingJWT))
		}
	}
	if c.Execution.TestsDir == "" {
		problems = append(problems, "execution_settings.dir_groups_to_test is required")
	}
	switch c.Execution.LogFormat {
	case "pretty", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("execution_settings.log_format %q must be pretty, text or json", c.Execution.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRef.FindStringSubmatch(m)[1])
	})
}

func (c *Config) expandEnv() {
	c.HTTP.BaseURL = ExpandEnv(c.HTTP.BaseURL)
	for i := range c.Users {
		c.Users[i].Token = ExpandEnv(c.Users[i].Token)
	}
	for _, h := range c.Auth.Headers {
		for k, v := range h {
			h[k] = ExpandEnv(v)
		}
	}
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.Execution.TestsDir,
		&c.Execution.EnvFile,
		&c.Execution.PayloadsDir,
		&c.Execution.ModelsDir,
		&c.Execution.ResultsFile,
		&c.Execution.MetricsFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}
