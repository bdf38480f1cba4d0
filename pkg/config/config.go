package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/cosiner/argv"
	"gopkg.in/yaml.v2"

	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/skip"
)

const (
	configDir  string = "ntrace"
	configFile string = "config.yml"
)

// Log modes.
const (
	LogModeInstruction = "instruction"
	LogModeSource      = "source"
)

// StepActionNames lists the values accepted by StepActionRule.Action.
var StepActionNames = []string{"step-over", "step-in", "continue", "source-step-in", "source-step-over", "source-step-out"}

// SymbolTraceRule selects the symbols of a module to trace by regular
// expression.
type SymbolTraceRule struct {
	Module string `yaml:"module"`
	Regex  string `yaml:"regex"`
}

// StepActionRule overrides the stepping decision for every stop inside
// File on a line in [FromLine, ToLine), ToLine is not part of the range.
type StepActionRule struct {
	File     string `yaml:"file"`
	FromLine int    `yaml:"from-line"`
	ToLine   int    `yaml:"to-line"`
	Action   string `yaml:"action"`
}

// ExpressionHook evaluates Expr every time the traced thread reaches
// Line of the source file Path.
type ExpressionHook struct {
	Path string `yaml:"path"`
	Line int    `yaml:"line"`
	Expr string `yaml:"expr"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Program is the command line of the program to launch, split with
	// shell quoting rules.
	Program     string   `yaml:"program"`
	Environment []string `yaml:"environment"`
	WorkingDir  string   `yaml:"working-dir"`
	// AttachPid attaches to an existing process instead of launching Program.
	AttachPid    int  `yaml:"attach-pid"`
	UsePty       bool `yaml:"use-pty"`
	ForwardStdin bool `yaml:"forward-stdin"`

	// StartBreakpoint is the symbol where detailed tracing begins.
	StartBreakpoint string `yaml:"start-breakpoint"`
	LogMode         string `yaml:"log-mode"`

	SkipModules     []string `yaml:"skip-modules"`
	SkipSourceFiles []string `yaml:"skip-source-files"`
	// SkipSymbolsFile is a list written by dump-source-files-for-skip,
	// merged into SkipSourceFiles when the configuration is loaded.
	SkipSymbolsFile string `yaml:"skip-symbols-file"`

	// SourceSearchPaths are the directories relative source paths of the
	// debug information are looked up in.
	SourceSearchPaths []string `yaml:"source-search-paths"`
	// SourceBaseDir, if set, source paths below it are printed relative
	// to it.
	SourceBaseDir string `yaml:"source-base-dir"`

	LibcFunctions []string `yaml:"libc-functions"`

	SymbolTrace      []SymbolTraceRule `yaml:"symbol-trace"`
	SymbolTraceCache string            `yaml:"symbol-trace-cache"`

	DumpSourceFilesForSkip string `yaml:"dump-source-files-for-skip"`
	DumpModulesForSkip     string `yaml:"dump-modules-for-skip"`

	StepActions     []StepActionRule `yaml:"step-actions"`
	ExpressionHooks []ExpressionHook `yaml:"expression-hooks"`

	BranchTolerance           int `yaml:"branch-tolerance"`
	ReturnBreakpointCacheSize int `yaml:"return-breakpoint-cache-size"`

	StopReasonRetries   int           `yaml:"stop-reason-retries"`
	BreakpointIDRetries int           `yaml:"breakpoint-id-retries"`
	PollInterval        time.Duration `yaml:"poll-interval"`
	EventTimeout        time.Duration `yaml:"event-timeout"`

	ShowConsole    bool   `yaml:"show-console"`
	StarlarkScript string `yaml:"starlark-script"`
	// DAPOutput is a file that receives every trace notification as a DAP
	// output event.
	DAPOutput string `yaml:"dap-output"`
}

// Default returns a configuration with every tunable set to its default.
func Default() *Config {
	return &Config{
		StartBreakpoint:           "main",
		LogMode:                   LogModeInstruction,
		BranchTolerance:           10,
		ReturnBreakpointCacheSize: 100,
		StopReasonRetries:         10,
		BreakpointIDRetries:       20,
		PollInterval:              100 * time.Millisecond,
		EventTimeout:              time.Second,
	}
}

var ErrNoProgram = errors.New("no program to launch and no pid to attach to")

// Validate checks the configuration for values the tracer cannot work with.
func (c *Config) Validate() error {
	switch c.LogMode {
	case LogModeInstruction, LogModeSource:
	default:
		return fmt.Errorf("unknown log-mode %q", c.LogMode)
	}
	if c.Program == "" && c.AttachPid == 0 {
		return ErrNoProgram
	}
	if c.AttachPid < 0 {
		return fmt.Errorf("invalid attach-pid %d", c.AttachPid)
	}
	if c.BranchTolerance < 0 || c.ReturnBreakpointCacheSize < 0 || c.StopReasonRetries < 0 || c.BreakpointIDRetries < 0 {
		return errors.New("tolerances, retries and cache sizes must not be negative")
	}
	for _, rule := range c.SymbolTrace {
		if rule.Module == "" {
			return fmt.Errorf("symbol-trace rule %q has no module", rule.Regex)
		}
		if _, err := regexp.Compile(rule.Regex); err != nil {
			return fmt.Errorf("symbol-trace rule for %s: %v", rule.Module, err)
		}
	}
	for _, pat := range c.SkipSourceFiles {
		if _, err := filepath.Match(pat, ""); err != nil {
			return fmt.Errorf("skip-source-files pattern %q: %v", pat, err)
		}
	}
	for _, rule := range c.StepActions {
		if !validStepAction(rule.Action) {
			return fmt.Errorf("unknown step action %q for %s", rule.Action, rule.File)
		}
		if rule.FromLine >= rule.ToLine {
			return fmt.Errorf("step action range %d-%d for %s is empty", rule.FromLine, rule.ToLine, rule.File)
		}
	}
	for _, hook := range c.ExpressionHooks {
		if hook.Path == "" || hook.Line <= 0 || hook.Expr == "" {
			return fmt.Errorf("expression hook %s:%d %q needs a path, a line and an expression", hook.Path, hook.Line, hook.Expr)
		}
	}
	return nil
}

// normalize makes the source base directory and the expression hook paths
// absolute, relative paths are taken from the working directory.
func (c *Config) normalize() error {
	if c.SourceBaseDir != "" {
		abs, err := filepath.Abs(c.SourceBaseDir)
		if err != nil {
			return err
		}
		c.SourceBaseDir = abs
	}
	for i := range c.ExpressionHooks {
		hook := &c.ExpressionHooks[i]
		if hook.Path == "" || filepath.IsAbs(hook.Path) {
			continue
		}
		abs, err := filepath.Abs(hook.Path)
		if err != nil {
			return err
		}
		hook.Path = abs
	}
	return nil
}

// mergeSkipSymbols adds the patterns listed in SkipSymbolsFile to
// SkipSourceFiles. A missing file is not an error.
func (c *Config) mergeSkipSymbols() error {
	if c.SkipSymbolsFile == "" {
		return nil
	}
	list, err := skip.ReadList(c.SkipSymbolsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logflags.ConfigLogger().Debugf("skip symbols file %s not found", c.SkipSymbolsFile)
			return nil
		}
		return fmt.Errorf("unable to read skip symbols file %s: %v", c.SkipSymbolsFile, err)
	}
	merged := make(map[string]bool, len(c.SkipSourceFiles)+len(list))
	for _, pat := range c.SkipSourceFiles {
		merged[pat] = true
	}
	for _, pat := range list {
		merged[pat] = true
	}
	c.SkipSourceFiles = make([]string, 0, len(merged))
	for pat := range merged {
		c.SkipSourceFiles = append(c.SkipSourceFiles, pat)
	}
	sort.Strings(c.SkipSourceFiles)
	logflags.ConfigLogger().Debugf("merged %d skip patterns from %s", len(list), c.SkipSymbolsFile)
	return nil
}

func validStepAction(name string) bool {
	for _, n := range StepActionNames {
		if n == name {
			return true
		}
	}
	return false
}

// ProgramArgv splits Program into its arguments.
func (c *Config) ProgramArgv() ([]string, error) {
	if c.Program == "" {
		return nil, ErrNoProgram
	}
	v, err := argv.Argv(c.Program,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return nil, fmt.Errorf("illegal program command line '%s'", c.Program)
	}
	return v[0], nil
}

// Parse decodes a configuration document on top of the defaults. Unknown
// keys are an error.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return c, nil
}

// LoadConfigFile reads the configuration stored at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	if err := c.mergeSkipSymbols(); err != nil {
		return nil, err
	}
	logflags.ConfigLogger().Debugf("loaded configuration from %s", path)
	return c, nil
}

// LoadConfig attempts to populate a Config object from the config.yml file
// in the user configuration directory, creating a commented default file
// the first time.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return Default()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return Default()
	}

	if _, err := os.Stat(fullConfigFile); err != nil {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return Default()
		}
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return Default()
	}
	return c
}

// SaveConfig will marshal and save the config struct
// to path.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for ntrace.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Command line of the program to trace.
# program: "./a.out --flag 'quoted arg'"

# Symbol where detailed instruction tracing starts.
# start-breakpoint: main

# instruction: one line per executed instruction.
# source: step by source line, honouring step-actions.
# log-mode: instruction

# Modules and source files that are stepped over rather than into.
skip-modules:
  # - libc.so.6
skip-source-files:
  # - "/usr/include/*"
# Patterns merged into skip-source-files, see dump-source-files-for-skip.
# skip-symbols-file: skip-files.yml

# Where relative source paths of the debug information are looked up, and
# the directory printed source paths are made relative to.
source-search-paths:
  # - /home/user/src/project
# source-base-dir: /home/user/src/project

# Functions whose arguments and return values are decoded.
libc-functions:
  # - open
  # - read

# Bulk tracing of every symbol matching a regular expression.
symbol-trace:
  # - {module: libfoo.so, regex: "^foo_"}
# symbol-trace-cache: /tmp/ntrace-symbols.yml

# Stepping overrides for line ranges (source mode only), to-line is
# excluded from the range.
step-actions:
  # - {file: main.c, from-line: 10, to-line: 20, action: step-over}

# Expressions evaluated when a source line is reached.
expression-hooks:
  # - {path: /home/user/src/project/main.c, line: 42, expr: "buf->len"}

# branch-tolerance: 10
# return-breakpoint-cache-size: 100
# forward-stdin: true
# show-console: false
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDir, file), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", configDir, file), nil
}
