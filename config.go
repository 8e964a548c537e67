package wiotp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// QuickstartOrg is the reserved organization for unauthenticated, unregistered devices.
const QuickstartOrg = "quickstart"

// AuthMethodToken is the only authentication method the platform accepts for devices
// and gateways.
const AuthMethodToken = "token"

// tokenAuthUsername is the MQTT username the platform expects with token passwords.
const tokenAuthUsername = "use-token-auth"

// Config holds the connection settings of a device or gateway. It can be built in code
// or loaded from a file with LoadConfig.
type Config struct {
	Org            string `yaml:"org" toml:"org"`
	Domain         string `yaml:"domain" toml:"domain"`
	Type           string `yaml:"type" toml:"type"`
	ID             string `yaml:"id" toml:"id"`
	AuthMethod     string `yaml:"auth-method" toml:"auth-method"`
	AuthToken      string `yaml:"auth-token" toml:"auth-token"`
	ServerCertPath string `yaml:"serverCertPath" toml:"serverCertPath"`
	RootCACertPath string `yaml:"rootCACertPath" toml:"rootCACertPath"`
	ClientCertPath string `yaml:"clientCertPath" toml:"clientCertPath"`
	ClientKeyPath  string `yaml:"clientKeyPath" toml:"clientKeyPath"`

	UseClientCertificates bool `yaml:"useClientCertificates" toml:"useClientCertificates"`

	// UseNXPEngine and UseCertsFromSE are consumed by the secure element
	// certificate retriever (see CertRetriever).
	UseNXPEngine   bool `yaml:"useNXPEngine" toml:"useNXPEngine"`
	UseCertsFromSE bool `yaml:"useCertsFromSE" toml:"useCertsFromSE"`
}

// IsQuickstart reports whether the configuration targets the quickstart organization.
func (c *Config) IsQuickstart() bool {
	return c.Org == QuickstartOrg
}

// Broker returns the MQTT broker for the configuration. The port and TLS follow from
// the organization alone.
func (c *Config) Broker() MQTTBroker {
	return BrokerFor(c.Org, c.Domain)
}

// ClientID returns the MQTT client ID: g:{org}:{type}:{id} for gateways and
// d:{org}:{type}:{id} for devices.
func (c *Config) ClientID(gateway bool) string {
	prefix := "d"
	if gateway {
		prefix = "g"
	}
	return fmt.Sprintf("%v:%v:%v:%v", prefix, c.Org, c.Type, c.ID)
}

// applyDefaults fills in the default domain.
func (c *Config) applyDefaults() {
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
}

// Validate checks the configuration for a device (gateway false) or gateway client.
func (c *Config) Validate(gateway bool) error {
	var missing []string
	if c.Org == "" {
		missing = append(missing, "org")
	}
	if c.Type == "" {
		missing = append(missing, "type")
	}
	if c.ID == "" && !c.UseCertsFromSE {
		missing = append(missing, "id")
	}

	if !c.IsQuickstart() {
		switch {
		case c.UseClientCertificates:
			if !c.UseCertsFromSE {
				if c.RootCACertPath == "" {
					missing = append(missing, "rootCACertPath")
				}
				if c.ClientCertPath == "" {
					missing = append(missing, "clientCertPath")
				}
				if c.ClientKeyPath == "" {
					missing = append(missing, "clientKeyPath")
				}
			}
		default:
			if c.AuthMethod == "" {
				missing = append(missing, "auth-method")
			}
			if c.AuthToken == "" {
				missing = append(missing, "auth-token")
			}
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingInputParam, strings.Join(missing, ", "))
	}

	if !c.IsQuickstart() && c.AuthMethod != "" && !strings.EqualFold(c.AuthMethod, AuthMethodToken) {
		return fmt.Errorf("%w: unsupported auth-method %q", ErrConfigFile, c.AuthMethod)
	}

	if gateway && c.IsQuickstart() {
		return fmt.Errorf("%w: gateway clients cannot use quickstart", ErrQuickstartNotSupported)
	}

	if c.UseNXPEngine {
		if !c.UseClientCertificates {
			return fmt.Errorf("%w: useNXPEngine requires useClientCertificates", ErrConfigFile)
		}
		if c.IsQuickstart() {
			return fmt.Errorf("%w: useNXPEngine cannot be used with quickstart", ErrQuickstartNotSupported)
		}
	}

	return nil
}

// LoadConfig reads a configuration file. Files ending in .yaml or .yml are decoded as
// YAML and files ending in .toml as TOML; anything else is read as the line-oriented
// key=value format with # comments:
//
//	org=myorg
//	type=sensor
//	id=sensor-01
//	auth-method=token
//	auth-token=secret
//
// Environment variables WIOTP_ORG, WIOTP_TYPE, WIOTP_ID and WIOTP_AUTH_TOKEN override
// values read from the file. The returned Config has its domain default applied.
func LoadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty file path", ErrConfigFile)
	}

	cfg := &Config{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %v: %w", ErrConfigFile, path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %v: %w", ErrConfigFile, path, err)
		}
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigFile, err)
		}
		defer f.Close()

		if err := parseProperties(f, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %v: %w", ErrConfigFile, path, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	return cfg, nil
}

// parseProperties reads key=value lines into cfg. Keys are case-insensitive and
// unknown keys are ignored.
func parseProperties(r io.Reader, cfg *Config) error {
	scanner := bufio.NewScanner(r)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("line %d: expected key=value", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "org":
			cfg.Org = value
		case "domain":
			cfg.Domain = value
		case "type":
			cfg.Type = value
		case "id":
			cfg.ID = value
		case "auth-method":
			cfg.AuthMethod = value
		case "auth-token":
			cfg.AuthToken = value
		case "servercertpath":
			cfg.ServerCertPath = value
		case "rootcacertpath":
			cfg.RootCACertPath = value
		case "clientcertpath":
			cfg.ClientCertPath = value
		case "clientkeypath":
			cfg.ClientKeyPath = value
		case "useclientcertificates":
			cfg.UseClientCertificates = parseFlag(value)
		case "usenxpengine":
			cfg.UseNXPEngine = parseFlag(value)
		case "usecertsfromse":
			cfg.UseCertsFromSE = parseFlag(value)
		}
	}

	return scanner.Err()
}

// parseFlag interprets 0/1 (and true/false) flag values.
func parseFlag(value string) bool {
	b, err := strconv.ParseBool(value)
	return err == nil && b
}

// LoadEnvFile loads KEY=value lines from the given .env files into the process
// environment so that a later LoadConfig sees the WIOTP_* overrides. Variables that are
// already set are not changed.
func LoadEnvFile(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigFile, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WIOTP_ORG"); v != "" {
		cfg.Org = v
	}
	if v := os.Getenv("WIOTP_TYPE"); v != "" {
		cfg.Type = v
	}
	if v := os.Getenv("WIOTP_ID"); v != "" {
		cfg.ID = v
	}
	if v := os.Getenv("WIOTP_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
}
