package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/ovn-ci/config.yaml"

type Configuration struct {
	Jobs            int       `yaml:"jobs"`
	LogPath         string    `yaml:"log_path"`
	Host            string    `yaml:"host"`
	ImageName       string    `yaml:"image_name"`
	ConcurrentLimit int       `yaml:"concurrent_limit"`
	Timeout         string    `yaml:"timeout"`
	ScriptPath      string    `yaml:"script_path"`
	CliReportBinary string    `yaml:"cli_report_binary"`
	HistoryDB       string    `yaml:"history_db"`
	Git             Git       `yaml:"git"`
	Email           *Email    `yaml:"email"`
	VM              *VMConfig `yaml:"vm"`
	Suites          []Suite   `yaml:"suites"`
}

type Git struct {
	OVNPath string `yaml:"ovn_path"`
	OVSPath string `yaml:"ovs_path"`
	Update  bool   `yaml:"update"`
}

type Email struct {
	SMTP    string   `yaml:"smtp"`
	To      string   `yaml:"to"`
	ReplyTo string   `yaml:"reply_to"`
	CC      []string `yaml:"cc"`
}

// VMConfig enables the ephemeral VM backend.
type VMConfig struct {
	Memory  uint32 `yaml:"memory"`
	Release string `yaml:"release"`
	LibPath string `yaml:"lib_path"`
	KeyPath string `yaml:"key_path"`
	// KnownHosts switches the remote transport to strict host key checking.
	KnownHosts string `yaml:"known_hosts"`
	// RebuildSchedule is a cron expression; the base image is rebuilt once its next
	// activation after the previous rebuild has passed.
	RebuildSchedule string `yaml:"rebuild_schedule"`
}

// LoadConfig reads YAML configuration from a path, DefaultConfigPath when empty.
// Unknown keys are rejected.
func LoadConfig(path string) (*Configuration, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	var cfg Configuration
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Configuration) applyDefaults() {
	if c.ConcurrentLimit <= 0 {
		c.ConcurrentLimit = 1
	}
	if c.Timeout == "" {
		c.Timeout = "0"
	}
	if c.ScriptPath == "" {
		c.ScriptPath = ".ci/ci.sh"
	}
	if c.HistoryDB == "" {
		c.HistoryDB = filepath.Join(c.LogPath, "history.db")
	}
	if c.VM != nil {
		if c.VM.LibPath == "" {
			c.VM.LibPath = "/var/lib/ovn-ci"
		}
		if c.VM.KeyPath == "" {
			c.VM.KeyPath = "/etc/ovn-ci/id_ed25519"
		}
	}
}

// Validate checks that every required key is present.
func (c *Configuration) Validate() error {
	var errs []error
	if c.Jobs <= 0 {
		errs = append(errs, errors.New("jobs must be positive"))
	}
	if c.LogPath == "" {
		errs = append(errs, errors.New("log_path is required"))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Git.OVNPath == "" || c.Git.OVSPath == "" {
		errs = append(errs, errors.New("git.ovn_path and git.ovs_path are required"))
	}
	if len(c.Suites) == 0 {
		errs = append(errs, errors.New("at least one suite is required"))
	}
	seen := make(map[string]bool, len(c.Suites))
	for i, s := range c.Suites {
		if s.Name == "" || s.Compiler == "" {
			errs = append(errs, fmt.Errorf("suite %d: name and compiler are required", i))
			continue
		}
		name := s.DisplayName()
		if seen[name] {
			errs = append(errs, fmt.Errorf("suite %d: duplicate job %q", i, name))
		}
		seen[name] = true
	}
	if c.VM != nil && (c.VM.Memory == 0 || c.VM.Release == "") {
		errs = append(errs, errors.New("vm.memory and vm.release are required"))
	}
	if c.Email != nil && (c.Email.SMTP == "" || c.Email.To == "") {
		errs = append(errs, errors.New("email.smtp and email.to are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Limits splits the concurrency limit between the cpu-intensive and the regular queue.
func Limits(limit int) (cpuIntensive, regular int) {
	if limit <= 0 {
		limit = 1
	}
	if limit > 1 {
		cpuIntensive = limit/4 + 1
	}
	return cpuIntensive, limit - cpuIntensive
}
