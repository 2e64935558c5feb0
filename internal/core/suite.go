package core

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ovn-org/ovn-ci/internal/transport"
)

// Compiler selects the toolchain a suite is built with.
type Compiler string

const (
	CompilerGCC   Compiler = "gcc"
	CompilerClang Compiler = "clang"
)

func (c Compiler) displayName() string {
	switch c {
	case CompilerGCC:
		return "GCC"
	case CompilerClang:
		return "Clang"
	}
	return string(c)
}

func (c *Compiler) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Compiler(s) {
	case CompilerGCC, CompilerClang:
		*c = Compiler(s)
		return nil
	}
	return fmt.Errorf("line %d: unknown compiler %q", value.Line, s)
}

// SuiteType is the kind of test run. The zero value means the default (unit) target.
type SuiteType string

const (
	SuiteUnit            SuiteType = "unit"
	SuiteSystem          SuiteType = "system"
	SuiteSystemUserspace SuiteType = "system-userspace"
	SuiteSystemDPDK      SuiteType = "system-dpdk"
	SuiteDist            SuiteType = "dist"
)

var testsuites = map[SuiteType]string{
	SuiteUnit:            "test",
	SuiteSystem:          "system-test",
	SuiteSystemUserspace: "system-test-userspace",
	SuiteSystemDPDK:      "system-test-dpdk",
	SuiteDist:            "dist-test",
}

func (t *SuiteType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if _, ok := testsuites[SuiteType(s)]; !ok {
		return fmt.Errorf("line %d: unknown suite type %q", value.Line, s)
	}
	*t = SuiteType(s)
	return nil
}

// Suite is one parameterized test configuration, executed as one job.
type Suite struct {
	Name       string    `yaml:"name"`
	Compiler   Compiler  `yaml:"compiler"`
	Options    string    `yaml:"options"`
	Type       SuiteType `yaml:"type"`
	Sanitizers bool      `yaml:"sanitizers"`
	TestRange  string    `yaml:"test_range"`
	Libs       string    `yaml:"libs"`
	Unstable   bool      `yaml:"unstable"`
	Recheck    bool      `yaml:"recheck"`
}

// DisplayName is the human readable job name, unique within a run.
func (s Suite) DisplayName() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte(' ')
	b.WriteString(s.Compiler.displayName())
	if s.Type != "" {
		b.WriteString(" - ")
		b.WriteString(string(s.Type))
	}
	if s.TestRange != "" {
		fmt.Fprintf(&b, " (%s)", s.TestRange)
	}
	if s.Sanitizers {
		b.WriteString(" - sanitizers")
	}
	if s.Options != "" {
		fmt.Fprintf(&b, " (%s)", s.Options)
	}
	if s.Libs != "" {
		fmt.Fprintf(&b, " (%s)", s.Libs)
	}
	if s.Unstable {
		b.WriteString(" - unstable")
	}
	if s.Recheck {
		b.WriteString(" - recheck")
	}
	return b.String()
}

// DirName is the job's log directory name derived from DisplayName.
func (s Suite) DirName() string {
	name := strings.ToLower(s.DisplayName())
	name = strings.NewReplacer("(", "", ")", "").Replace(name)
	return strings.ReplaceAll(name, " ", "_")
}

// Envs returns the environment bindings consumed by the job script.
func (s Suite) Envs() []transport.Env {
	envs := []transport.Env{{Key: "CC", Value: string(s.Compiler)}}
	if s.Options != "" {
		envs = append(envs, transport.Env{Key: "OPTS", Value: s.Options})
	}
	if s.Type != "" {
		envs = append(envs, transport.Env{Key: "TESTSUITE", Value: testsuites[s.Type]})
		if s.Type == SuiteSystemDPDK {
			envs = append(envs, transport.Env{Key: "DPDK", Value: "dpdk"})
		}
	}
	if s.Sanitizers {
		envs = append(envs, transport.Env{Key: "SANITIZERS", Value: "sanitizers"})
	}
	if s.TestRange != "" {
		envs = append(envs, transport.Env{Key: "TEST_RANGE", Value: s.TestRange})
	}
	if s.Libs != "" {
		envs = append(envs, transport.Env{Key: "LIBS", Value: s.Libs})
	}
	if s.Unstable {
		envs = append(envs, transport.Env{Key: "UNSTABLE", Value: "unstable"})
	}
	if s.Recheck {
		envs = append(envs, transport.Env{Key: "RECHECK", Value: "yes"})
	}
	return envs
}

// IsCPUIntensive reports whether the suite competes for CPU rather than waiting on I/O.
func (s Suite) IsCPUIntensive() bool {
	switch s.Type {
	case "", SuiteUnit, SuiteDist:
		return true
	}
	return false
}
