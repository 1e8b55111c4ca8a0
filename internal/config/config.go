// Package config loads the fabric's runtime configuration from the
// environment a fleet planner lays down for each node, plus the fabric's
// own tunables. The core never parses files or flags itself; it consumes a
// single immutable Config built here once at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultCycle is the supervisor tick period.
	DefaultCycle = 60 * time.Second
	// MinCycle is the lowest supervisor tick period the fabric accepts.
	MinCycle = 10 * time.Second
	// DefaultSessionTimeout is the maximum gap between heartbeats before a
	// session is considered dead.
	DefaultSessionTimeout = 180 * time.Second
	// MinSessionTimeout is the lowest heartbeat timeout the fabric accepts.
	MinSessionTimeout = 30 * time.Second
	// DefaultReqIDCache is the size of each session's recent-request ring.
	DefaultReqIDCache = 32

	// DefaultLogLevel controls verbosity for fabric logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "fabric.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultAdmissionWindow and DefaultAdmissionBurst bound how many new
	// WebSocket upgrades a single remote address may start per window.
	DefaultAdmissionWindow = time.Second
	DefaultAdmissionBurst  = 20
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// TLSMaterial names the PEM key/cert pair a listener should terminate TLS
// with. It is decoded from the APP_SSLS environment variable and nested
// inside each peer descriptor in APP_NODES.
type TLSMaterial struct {
	KeyPath  string `json:"key"`
	CertPath string `json:"cert"`
}

// Enabled reports whether TLS material was supplied.
func (t TLSMaterial) Enabled() bool {
	return strings.TrimSpace(t.KeyPath) != "" && strings.TrimSpace(t.CertPath) != ""
}

// PeerDescriptor names one peer node reachable within a cluster group, as
// laid out by the fleet planner under APP_NODES.
type PeerDescriptor struct {
	Host string      `json:"host"`
	InIP string      `json:"inip"`
	Port int         `json:"port"`
	SSLS TLSMaterial `json:"ssls"`
}

// Config captures every runtime tunable the fabric consumes: the
// node-identity block a fleet planner writes into the environment, and the
// fabric's own tunables layered on top.
type Config struct {
	Dir   string
	Env   string
	Name  string
	Host  string
	InIP  string
	Port  int
	SSLS  TLSMaterial
	Links []string
	Nodes map[string][]PeerDescriptor

	Password        string
	Secret          string
	Binary          bool
	Cycle           time.Duration
	SessionTimeout  time.Duration
	ReqIDCache      int
	ForwardedHeader string

	AdminToken      string
	AdmissionWindow time.Duration
	AdmissionBurst  int

	Logging LoggingConfig
}

// Load reads the fabric configuration from the environment, applying sane
// defaults and returning one descriptive error for every invalid override
// found.
func Load() (*Config, error) {
	cfg := &Config{
		Dir:  strings.TrimSpace(os.Getenv("APP_DIR")),
		Env:  strings.TrimSpace(os.Getenv("APP_ENV")),
		Name: strings.TrimSpace(os.Getenv("APP_NAME")),
		Host: strings.TrimSpace(os.Getenv("APP_HOST")),
		InIP: strings.TrimSpace(os.Getenv("APP_INIP")),

		Password:        os.Getenv("FABRIC_PASSWORD"),
		Secret:          os.Getenv("FABRIC_SECRET"),
		Cycle:           DefaultCycle,
		SessionTimeout:  DefaultSessionTimeout,
		ReqIDCache:      DefaultReqIDCache,
		ForwardedHeader: getString("FABRIC_FORWARDED_HEADER", "X-Forwarded-For"),

		AdminToken:      strings.TrimSpace(os.Getenv("FABRIC_ADMIN_TOKEN")),
		AdmissionWindow: DefaultAdmissionWindow,
		AdmissionBurst:  DefaultAdmissionBurst,

		Logging: LoggingConfig{
			Level:      getString("FABRIC_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("FABRIC_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("APP_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("APP_PORT must be a positive integer, got %q", raw))
		} else {
			cfg.Port = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("APP_SSLS")); raw != "" {
		var material TLSMaterial
		if err := json.Unmarshal([]byte(raw), &material); err != nil {
			problems = append(problems, fmt.Sprintf("APP_SSLS must be a JSON object with key/cert, got %q: %v", raw, err))
		} else {
			cfg.SSLS = material
		}
	}

	if raw := strings.TrimSpace(os.Getenv("APP_LINKS")); raw != "" {
		var links []string
		if err := json.Unmarshal([]byte(raw), &links); err != nil {
			problems = append(problems, fmt.Sprintf("APP_LINKS must be a JSON string array, got %q: %v", raw, err))
		} else {
			cfg.Links = links
		}
	}

	if raw := strings.TrimSpace(os.Getenv("APP_NODES")); raw != "" {
		var nodes map[string][]PeerDescriptor
		if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
			problems = append(problems, fmt.Sprintf("APP_NODES must be a JSON object of group name to peer list, got %q: %v", raw, err))
		} else {
			cfg.Nodes = nodes
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_BINARY")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FABRIC_BINARY must be a boolean value, got %q", raw))
		} else {
			cfg.Binary = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_CYCLE_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_CYCLE_MS must be a positive integer, got %q", raw))
		} else {
			cfg.Cycle = time.Duration(value) * time.Millisecond
		}
	}
	if cfg.Cycle < MinCycle {
		problems = append(problems, fmt.Sprintf("cycle must be at least %s, got %s", MinCycle, cfg.Cycle))
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_TIMEOUT_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_TIMEOUT_MS must be a positive integer, got %q", raw))
		} else {
			cfg.SessionTimeout = time.Duration(value) * time.Millisecond
		}
	}
	if cfg.SessionTimeout < MinSessionTimeout {
		problems = append(problems, fmt.Sprintf("session timeout must be at least %s, got %s", MinSessionTimeout, cfg.SessionTimeout))
	}
	if cfg.SessionTimeout < 3*cfg.Cycle {
		problems = append(problems, fmt.Sprintf("session timeout (%s) must be at least 3x the supervisor cycle (%s)", cfg.SessionTimeout, cfg.Cycle))
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_REQID_CACHE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_REQID_CACHE must be a positive integer, got %q", raw))
		} else {
			cfg.ReqIDCache = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_ADMISSION_WINDOW_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_ADMISSION_WINDOW_MS must be a positive integer, got %q", raw))
		} else {
			cfg.AdmissionWindow = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_ADMISSION_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_ADMISSION_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.AdmissionBurst = value
		}
	}

	if len(cfg.Links) > 0 && cfg.Secret == "" {
		problems = append(problems, "FABRIC_SECRET is required when APP_LINKS names peer groups")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
