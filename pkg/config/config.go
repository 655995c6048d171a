package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/lifeguard/pkg/types"
	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every secret read from the environment
const EnvPrefix = "LIFEGUARD"

// Config is the full lifeguard configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Workers  WorkersConfig  `yaml:"workers"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Health   HealthConfig   `yaml:"health"`
	Update   UpdateConfig   `yaml:"update"`
	Workflow WorkflowConfig `yaml:"workflow"`
	DNS      DNSConfig      `yaml:"dns"`
	Compute  ComputeConfig  `yaml:"compute"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Secrets never come from the file
	Secrets Secrets `yaml:"-"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

type StorageConfig struct {
	// Driver is "bolt" or "postgres"
	Driver  string `yaml:"driver"`
	DataDir string `yaml:"data_dir"`
}

type WorkersConfig struct {
	Tickets     int `yaml:"tickets"`
	Diagnostics int `yaml:"diagnostics"`
}

type ScheduleConfig struct {
	Interval      time.Duration `yaml:"interval"`
	AuditInterval time.Duration `yaml:"audit_interval"`

	// AuditFix lets the daemon correct the name-service findings it detects
	AuditFix bool `yaml:"audit_fix"`
}

type HealthConfig struct {
	// Mode selects the remote exec transport: "ssh" (native client) or
	// "exec" (the system ssh binary)
	Mode          string        `yaml:"mode"`
	User          string        `yaml:"user"`
	IdentityFile  string        `yaml:"identity_file"`
	// KnownHosts turns on host key checking against this file
	KnownHosts    string        `yaml:"known_hosts"`
	Port          int           `yaml:"port"`
	Command       string        `yaml:"command"`
	Timeout       time.Duration `yaml:"timeout"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RetryLifetime time.Duration `yaml:"retry_lifetime"`
	MaxAttempts   int           `yaml:"max_attempts"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
}

type UpdateConfig struct {
	BatchPercent int `yaml:"batch_percent"`
}

type WorkflowConfig struct {
	BaseURL            string            `yaml:"base_url"`
	Project            string            `yaml:"project"`
	IncidentProject    string            `yaml:"incident_project"`
	ChangeIssueType    string            `yaml:"change_issue_type"`
	SubUnitIssueType   string            `yaml:"sub_unit_issue_type"`
	IncidentIssueType  string            `yaml:"incident_issue_type"`
	TimeZone           string            `yaml:"time_zone"`
	Window             WindowConfig      `yaml:"window"`
	Transitions        map[string]string `yaml:"transitions"`
	Statuses           map[string]string `yaml:"statuses"`
	Fields             FieldsConfig      `yaml:"fields"`
	Resolutions        ResolutionsConfig `yaml:"resolutions"`
	Classification     map[string]any    `yaml:"classification"`
	IncidentFields     map[string]any    `yaml:"incident_fields"`
	RelatedService     string            `yaml:"related_service"`
	LinkType           string            `yaml:"link_type"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
	Timeout            time.Duration     `yaml:"timeout"`
}

type WindowConfig struct {
	DeadlineHour     int `yaml:"deadline_hour"`
	DeadlineMinute   int `yaml:"deadline_minute"`
	SameDayStartHour int `yaml:"same_day_start_hour"`
	MissedDelayHours int `yaml:"missed_delay_hours"`
	MissedStartHour  int `yaml:"missed_start_hour"`
	LengthHours      int `yaml:"length_hours"`
}

type FieldsConfig struct {
	WindowStart       string `yaml:"window_start"`
	WindowEnd         string `yaml:"window_end"`
	Started           string `yaml:"started"`
	Finished          string `yaml:"finished"`
	ResolutionDetails string `yaml:"resolution_details"`
	Reason            string `yaml:"reason"`
}

type ResolutionsConfig struct {
	Completed    string `yaml:"completed"`
	Cancelled    string `yaml:"cancelled"`
	Successful   string `yaml:"successful"`
	Unsuccessful string `yaml:"unsuccessful"`
}

type DNSConfig struct {
	Resolver string        `yaml:"resolver"`
	Timeout  time.Duration `yaml:"timeout"`
	TTL      uint32        `yaml:"ttl"`
}

type ComputeConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Secrets are read from LIFEGUARD_* environment variables
type Secrets struct {
	TrackerUsername  string
	TrackerPassword  string
	ApproverUsername string
	ApproverPassword string
	PostgresDSN      string

	// SecretsKey seals zone credentials at rest when set
	SecretsKey string
}

// defaultStatuses maps lifecycle states to the tracker's status names
var defaultStatuses = map[string]string{
	"planning":     "Planning",
	"written":      "Written",
	"approved":     "Approved",
	"planned":      "ITCM/TRM",
	"scheduled":    "Scheduled",
	"implementing": "Implementation",
	"closed":       "Closed",
	"cancelled":    "Cancelled",
}

// Default returns a Config with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path, applies defaults, reads secrets from
// the environment and validates the result. Every failure is a
// FatalConfigError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.FatalConfigError{Reason: "failed to read " + path, Err: err}
	}
	return Parse(data)
}

// Parse is Load without the file read
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &types.FatalConfigError{Reason: "failed to parse YAML", Err: err}
	}
	cfg.applyDefaults()

	if err := envconfig.InitWithOptions(&cfg.Secrets, envconfig.Options{
		Prefix:      EnvPrefix,
		AllOptional: true,
	}); err != nil {
		return nil, &types.FatalConfigError{Reason: "failed to read environment", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "bolt"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./lifeguard-data"
	}
	if c.Workers.Tickets <= 0 {
		c.Workers.Tickets = 4
	}
	if c.Workers.Diagnostics <= 0 {
		c.Workers.Diagnostics = 8
	}
	if c.Schedule.Interval <= 0 {
		c.Schedule.Interval = 5 * time.Minute
	}
	if c.Schedule.AuditInterval <= 0 {
		c.Schedule.AuditInterval = time.Hour
	}
	if c.Health.Mode == "" {
		c.Health.Mode = "ssh"
	}
	if c.Health.Port == 0 {
		c.Health.Port = 22
	}
	if c.Health.Timeout <= 0 {
		c.Health.Timeout = 30 * time.Second
	}
	if c.Health.RetryDelay <= 0 {
		c.Health.RetryDelay = 30 * time.Second
	}
	if c.Health.RetryLifetime <= 0 {
		c.Health.RetryLifetime = 10 * time.Minute
	}
	if c.Health.SettleDelay <= 0 {
		c.Health.SettleDelay = 120 * time.Second
	}
	if c.Update.BatchPercent <= 0 {
		c.Update.BatchPercent = 10
	}
	if c.Workflow.TimeZone == "" {
		c.Workflow.TimeZone = "UTC"
	}
	if c.Workflow.ChangeIssueType == "" {
		c.Workflow.ChangeIssueType = "Change Request"
	}
	if c.Workflow.SubUnitIssueType == "" {
		c.Workflow.SubUnitIssueType = "MOP Task"
	}
	if c.Workflow.IncidentIssueType == "" {
		c.Workflow.IncidentIssueType = "Defect"
	}
	if c.Workflow.IncidentProject == "" {
		c.Workflow.IncidentProject = c.Workflow.Project
	}
	if c.Workflow.LinkType == "" {
		c.Workflow.LinkType = "Relate"
	}
	if c.Workflow.Timeout <= 0 {
		c.Workflow.Timeout = 30 * time.Second
	}
	if c.Workflow.Statuses == nil {
		c.Workflow.Statuses = map[string]string{}
	}
	for state, raw := range defaultStatuses {
		if _, ok := c.Workflow.Statuses[state]; !ok {
			c.Workflow.Statuses[state] = raw
		}
	}
	if c.Workflow.Window.LengthHours <= 0 {
		c.Workflow.Window.LengthHours = 4
	}
	if c.DNS.Timeout <= 0 {
		c.DNS.Timeout = 10 * time.Second
	}
	if c.DNS.TTL == 0 {
		c.DNS.TTL = 30
	}
	if c.Compute.Timeout <= 0 {
		c.Compute.Timeout = time.Minute
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "lifeguard.events"
	}
}

// Validate checks values that defaults cannot fix
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "bolt":
	case "postgres":
		if c.Secrets.PostgresDSN == "" {
			return &types.FatalConfigError{Reason: "postgres storage requires " + EnvPrefix + "_POSTGRES_DSN"}
		}
	default:
		return &types.FatalConfigError{Reason: fmt.Sprintf("unknown storage driver %q", c.Storage.Driver)}
	}

	switch c.Health.Mode {
	case "ssh", "exec":
	default:
		return &types.FatalConfigError{Reason: fmt.Sprintf("unknown health mode %q", c.Health.Mode)}
	}

	if _, err := c.Location(); err != nil {
		return &types.FatalConfigError{Reason: "unknown time zone " + c.Workflow.TimeZone, Err: err}
	}

	w := c.Workflow.Window
	for name, h := range map[string]int{
		"deadline_hour":       w.DeadlineHour,
		"same_day_start_hour": w.SameDayStartHour,
		"missed_start_hour":   w.MissedStartHour,
	} {
		if h < 0 || h > 23 {
			return &types.FatalConfigError{Reason: fmt.Sprintf("workflow.window.%s %d out of range", name, h)}
		}
	}
	if w.DeadlineMinute < 0 || w.DeadlineMinute > 59 {
		return &types.FatalConfigError{Reason: fmt.Sprintf("workflow.window.deadline_minute %d out of range", w.DeadlineMinute)}
	}
	if w.MissedDelayHours < 0 {
		return &types.FatalConfigError{Reason: "workflow.window.missed_delay_hours must be >= 0"}
	}
	if c.Health.MaxAttempts < 0 {
		return &types.FatalConfigError{Reason: "health.max_attempts must be >= 0"}
	}
	return nil
}

// Location returns the change-management time zone
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Workflow.TimeZone)
}

// RequireTracker fails unless both tracker identities are configured
func (c *Config) RequireTracker() error {
	if c.Workflow.BaseURL == "" {
		return &types.FatalConfigError{Reason: "workflow.base_url is required"}
	}
	if c.Secrets.TrackerUsername == "" || c.Secrets.ApproverUsername == "" {
		return &types.FatalConfigError{
			Reason: fmt.Sprintf("%s_TRACKER_USERNAME and %s_APPROVER_USERNAME are required", EnvPrefix, EnvPrefix),
		}
	}
	return nil
}
