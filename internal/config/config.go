// Package config loads and validates process configuration from the
// environment. All knobs have defaults suitable for a local fleet; invalid
// values fail fast at boot with a message naming every bad variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Service is one entry of the monitored-service catalog.
type Service struct {
	Name string
	URL  string
}

// Config carries every runtime setting. It is constructed once at boot and
// passed by reference; nothing mutates it afterwards.
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration

	// FailureThreshold is the number of consecutive failures that opens an
	// incident. RecoveryCheckThreshold is the number of consecutive
	// non-failures required to close one.
	FailureThreshold       int
	RecoveryCheckThreshold int

	BrokerURL string
	StorePath string

	AutoRecoveryEnabled bool
	RestartTimeout      time.Duration
	RecoveryDriver      string

	// Services is the probe catalog in declaration order. WorkPeer names the
	// catalog entry probed directly instead of through the broker; BrokerTag
	// is the pseudo-service name under which broker self-probes are recorded.
	Services  []Service
	WorkPeer  string
	BrokerTag string

	Protected  map[string]bool
	Containers map[string]string

	APIAddr      string
	WorkerAddr   string
	QueueWorkers int

	LogLevel  string
	LogPretty bool
}

const (
	driverCLI = "cli"
	driverAPI = "docker-api"
)

func defaultServices() []Service {
	return []Service{
		{Name: "api-gateway", URL: "http://localhost:5000/health"},
		{Name: "reserves", URL: "http://localhost:5001/health"},
		{Name: "payments", URL: "http://localhost:5002/health"},
		{Name: "search", URL: "http://localhost:5003/health"},
		{Name: "worker", URL: "http://localhost:5005/health"},
	}
}

func defaultContainers() map[string]string {
	return map[string]string{
		"api-gateway": "api-gateway",
		"reserves":    "reserves-service",
		"payments":    "payments-service",
		"search":      "search-service",
		"worker":      "sentinel-worker",
		"redis":       "redis",
	}
}

// Load reads the environment and returns a validated Config.
func Load() (*Config, error) {
	var problems []string

	getInt := func(key string, fallback int) int {
		v := os.Getenv(key)
		if v == "" {
			return fallback
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %q is not an integer", key, v))
			return fallback
		}
		return n
	}
	getBool := func(key string, fallback bool) bool {
		v := os.Getenv(key)
		if v == "" {
			return fallback
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %q is not a boolean", key, v))
			return fallback
		}
		return b
	}
	getString := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}

	cfg := &Config{
		PingInterval:           time.Duration(getInt("MONITOR_PING_INTERVAL_SECONDS", 5)) * time.Second,
		PingTimeout:            time.Duration(getInt("PING_TIMEOUT_SECONDS", 5)) * time.Second,
		FailureThreshold:       getInt("CONSECUTIVE_FAILURES_THRESHOLD", 3),
		RecoveryCheckThreshold: getInt("RECOVERY_CHECK_THRESHOLD", 3),
		BrokerURL:              getString("BROKER_URL", "redis://localhost:6379/0"),
		StorePath:              getString("STORE_PATH", "data/sentinel.db"),
		AutoRecoveryEnabled:    getBool("AUTO_RECOVERY_ENABLED", true),
		RestartTimeout:         time.Duration(getInt("RESTART_TIMEOUT_SECONDS", 30)) * time.Second,
		RecoveryDriver:         getString("RECOVERY_DRIVER", driverCLI),
		WorkPeer:               getString("WORK_PEER", "worker"),
		BrokerTag:              getString("BROKER_TAG", "redis"),
		APIAddr:                getString("API_ADDR", ":5006"),
		WorkerAddr:             getString("WORKER_ADDR", ":5005"),
		QueueWorkers:           getInt("QUEUE_WORKERS", 4),
		LogLevel:               getString("LOG_LEVEL", "info"),
		LogPretty:              getBool("LOG_PRETTY", false),
	}

	services, err := parseServices(os.Getenv("MONITORED_SERVICES"))
	if err != nil {
		problems = append(problems, err.Error())
	}
	cfg.Services = services

	containers, err := parseContainers(os.Getenv("SERVICE_CONTAINERS"))
	if err != nil {
		problems = append(problems, err.Error())
	}
	cfg.Containers = containers
	cfg.Protected = parseSet(getString("PROTECTED_SERVICES", "redis"))

	problems = append(problems, cfg.check()...)
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func (c *Config) check() []string {
	var problems []string

	if c.PingInterval <= 0 {
		problems = append(problems, "MONITOR_PING_INTERVAL_SECONDS must be > 0")
	}
	if c.PingTimeout <= 0 {
		problems = append(problems, "PING_TIMEOUT_SECONDS must be > 0")
	}
	if c.FailureThreshold <= 0 {
		problems = append(problems, "CONSECUTIVE_FAILURES_THRESHOLD must be > 0")
	}
	if c.RecoveryCheckThreshold <= 0 {
		problems = append(problems, "RECOVERY_CHECK_THRESHOLD must be > 0")
	}
	if c.RestartTimeout <= 0 {
		problems = append(problems, "RESTART_TIMEOUT_SECONDS must be > 0")
	}
	if c.QueueWorkers <= 0 {
		problems = append(problems, "QUEUE_WORKERS must be > 0")
	}
	if c.StorePath == "" {
		problems = append(problems, "STORE_PATH must not be empty")
	}
	if c.BrokerURL == "" {
		problems = append(problems, "BROKER_URL must not be empty")
	}
	if c.RecoveryDriver != driverCLI && c.RecoveryDriver != driverAPI {
		problems = append(problems, fmt.Sprintf("RECOVERY_DRIVER must be %q or %q", driverCLI, driverAPI))
	}
	if len(c.Services) == 0 {
		problems = append(problems, "MONITORED_SERVICES must list at least one service")
	} else {
		if !c.hasService(c.WorkPeer) {
			problems = append(problems, fmt.Sprintf("WORK_PEER %q is not in the monitored-service catalog", c.WorkPeer))
		}
		if c.hasService(c.BrokerTag) {
			problems = append(problems, fmt.Sprintf("BROKER_TAG %q collides with a catalog service name", c.BrokerTag))
		}
	}

	return problems
}

func (c *Config) hasService(name string) bool {
	for _, s := range c.Services {
		if s.Name == name {
			return true
		}
	}
	return false
}

// ServiceURL returns the probe endpoint for a catalog service, or "" when the
// name is unknown.
func (c *Config) ServiceURL(name string) string {
	for _, s := range c.Services {
		if s.Name == name {
			return s.URL
		}
	}
	return ""
}

// ServiceNames returns every name the detector evaluates: the catalog plus the
// broker tag, in catalog order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services)+1)
	for _, s := range c.Services {
		names = append(names, s.Name)
	}
	return append(names, c.BrokerTag)
}

// FanoutServices returns the catalog minus the work peer: the services probed
// through the broker rather than directly.
func (c *Config) FanoutServices() []Service {
	out := make([]Service, 0, len(c.Services))
	for _, s := range c.Services {
		if s.Name == c.WorkPeer {
			continue
		}
		out = append(out, s)
	}
	return out
}

func parseServices(raw string) ([]Service, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultServices(), nil
	}
	var out []Service
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("MONITORED_SERVICES entry %q is not name=url", part)
		}
		out = append(out, Service{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
	}
	return out, nil
}

func parseContainers(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultContainers(), nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, container, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(container) == "" {
			return nil, fmt.Errorf("SERVICE_CONTAINERS entry %q is not name=container", part)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(container)
	}
	return out, nil
}

func parseSet(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = true
		}
	}
	return out
}
