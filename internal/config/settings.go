package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = ".cronforge.yml"

// Default credential variable names handed to the entry point.
const (
	DefaultUsernameVar = "USERNAME"
	DefaultPasswordVar = "PASSWORD"
)

// Settings is the full job definition loaded from the config file.
type Settings struct {
	Job      Job      `yaml:"job"`
	Triggers Triggers `yaml:"triggers"`

	StepTimeout   time.Duration `yaml:"step_timeout" validate:"gte=0"`
	MaxRuntime    time.Duration `yaml:"max_runtime" validate:"gte=0"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" validate:"gte=0"` // kill a command that prints nothing for this long
	RunsDir       string        `yaml:"runs_dir"`
	HistoryDB     string        `yaml:"history_db"`
	KeepWorkspace bool          `yaml:"keep_workspace"`
	StreamOutput  bool          `yaml:"stream_output"` // tee step output to the console

	// path the settings were loaded from; relative source paths resolve against its dir
	path string
}

// Job describes what a run checks out and executes.
type Job struct {
	Name         string            `yaml:"name" validate:"required"`
	Source       Source            `yaml:"source"`
	Runtime      Runtime           `yaml:"runtime"`
	Dependencies Dependencies      `yaml:"dependencies"`
	Entrypoint   []string          `yaml:"entrypoint" validate:"required,min=1,dive,required"`
	Env          map[string]string `yaml:"env,omitempty"`
	Credentials  CredentialRefs    `yaml:"credentials"`
}

// Source is where the checkout step fetches the task's code from.
// Exactly one of Repo or Path must be set.
type Source struct {
	Repo  string `yaml:"repo,omitempty"`  // git URL
	Ref   string `yaml:"ref,omitempty"`   // branch or tag; default branch when empty
	Token string `yaml:"token,omitempty"` // literal, "env:VAR" or "file:/path"
	Path  string `yaml:"path,omitempty"`  // local directory copied into the workspace
}

// Runtime configures the setup_runtime step.
type Runtime struct {
	Setup      []string `yaml:"setup,omitempty"`
	UpgradePip bool     `yaml:"upgrade_pip,omitempty"`
	Python     string   `yaml:"python,omitempty"` // interpreter inside the prepared runtime
}

// Dependencies configures the install_dependencies step.
type Dependencies struct {
	Manifest string   `yaml:"manifest,omitempty"`
	Install  []string `yaml:"install,omitempty"`
}

// CredentialRefs point at the two secrets forwarded to the entry point.
// Values are literals, "env:VAR" or "file:/path".
type CredentialRefs struct {
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	UsernameVar string `yaml:"username_var,omitempty" validate:"omitempty,envname"`
	PasswordVar string `yaml:"password_var,omitempty" validate:"omitempty,envname"`
}

// Triggers lists what starts a run.
type Triggers struct {
	Schedules []string `yaml:"schedules,omitempty" validate:"dive,cron"`
	Manual    bool     `yaml:"manual"`
	Timezone  string   `yaml:"timezone,omitempty" validate:"omitempty,timezone"`
}

// LoadSettings reads a YAML config file, applies defaults and validates it.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	s, err := ParseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	s.path = path

	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseSettings decodes YAML and applies defaults without validating.
func ParseSettings(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	s.applyDefaults()
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.RunsDir == "" {
		s.RunsDir = filepath.Join(".cronforge", "runs")
	}
	if s.HistoryDB == "" {
		s.HistoryDB = filepath.Join(".cronforge", "history.db")
	}
	if s.Triggers.Timezone == "" {
		s.Triggers.Timezone = "UTC"
	}

	j := &s.Job
	if j.Runtime.Python == "" {
		j.Runtime.Python = filepath.Join(".venv", "bin", "python")
	}
	if len(j.Runtime.Setup) == 0 {
		j.Runtime.Setup = []string{"python3", "-m", "venv", ".venv"}
	}
	if j.Dependencies.Manifest == "" {
		j.Dependencies.Manifest = "requirements.txt"
	}
	if len(j.Dependencies.Install) == 0 {
		j.Dependencies.Install = []string{j.Runtime.Python, "-m", "pip", "install", "-r", j.Dependencies.Manifest}
	}
	if len(j.Entrypoint) == 0 {
		j.Entrypoint = []string{j.Runtime.Python, "main.py"}
	}
	if j.Credentials.UsernameVar == "" {
		j.Credentials.UsernameVar = DefaultUsernameVar
	}
	if j.Credentials.PasswordVar == "" {
		j.Credentials.PasswordVar = DefaultPasswordVar
	}
}

// Location returns the time zone schedules are evaluated in.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Triggers.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Path returns the file the settings were loaded from, if any.
func (s *Settings) Path() string { return s.path }

// SourcePath resolves a local source path against the config file's directory.
func (s *Settings) SourcePath() string {
	p := s.Job.Source.Path
	if p == "" || filepath.IsAbs(p) || s.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(s.path), p)
}
