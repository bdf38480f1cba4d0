package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
program: "/bin/true -x 'a b'"
skip-modules: [libc.so.6]
libc-functions: [open, read]
symbol-trace:
  - {module: libfoo.so, regex: "^foo_"}
poll-interval: 20ms
`))
	require.NoError(t, err)
	assert.Equal(t, "main", c.StartBreakpoint)
	assert.Equal(t, LogModeInstruction, c.LogMode)
	assert.Equal(t, 10, c.BranchTolerance)
	assert.Equal(t, 20*time.Millisecond, c.PollInterval)
	assert.Equal(t, []string{"libc.so.6"}, c.SkipModules)
	assert.Equal(t, []SymbolTraceRule{{Module: "libfoo.so", Regex: "^foo_"}}, c.SymbolTrace)
	require.NoError(t, c.Validate())

	argv, err := c.ProgramArgv()
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/true", "-x", "a b"}, argv)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("no-such-option: 1\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"no target", func(c *Config) { c.Program = "" }},
		{"bad log mode", func(c *Config) { c.LogMode = "verbose" }},
		{"bad regex", func(c *Config) { c.SymbolTrace = []SymbolTraceRule{{Module: "m", Regex: "("}} }},
		{"bad glob", func(c *Config) { c.SkipSourceFiles = []string{"[a-"} }},
		{"bad action", func(c *Config) { c.StepActions = []StepActionRule{{File: "a.c", FromLine: 1, ToLine: 2, Action: "jump"}} }},
		{"empty range", func(c *Config) { c.StepActions = []StepActionRule{{File: "a.c", FromLine: 5, ToLine: 2, Action: "continue"}} }},
		{"single line range", func(c *Config) { c.StepActions = []StepActionRule{{File: "a.c", FromLine: 5, ToLine: 5, Action: "continue"}} }},
		{"hook without expr", func(c *Config) { c.ExpressionHooks = []ExpressionHook{{Path: "/src/a.c", Line: 3}} }},
		{"hook without line", func(c *Config) { c.ExpressionHooks = []ExpressionHook{{Path: "/src/a.c", Expr: "x"}} }},
		{"negative tolerance", func(c *Config) { c.BranchTolerance = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.Program = "/bin/true"
			tc.mod(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestProgramArgvRejectsBackticks(t *testing.T) {
	c := Default()
	c.Program = "/bin/echo `id`"
	_, err := c.ProgramArgv()
	assert.Error(t, err)
}

func TestSaveAndLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	c := Default()
	c.Program = "/bin/ls"
	c.LibcFunctions = []string{"open"}
	c.StepActions = []StepActionRule{{File: "main.c", FromLine: 3, ToLine: 9, Action: "source-step-over"}}
	require.NoError(t, SaveConfig(c, path))

	loaded, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, c.Program, loaded.Program)
	assert.Equal(t, c.LibcFunctions, loaded.LibcFunctions)
	assert.Equal(t, c.StepActions, loaded.StepActions)
	assert.Equal(t, c.PollInterval, loaded.PollInterval)
	assert.Equal(t, c.EventTimeout, loaded.EventTimeout)
	assert.Empty(t, loaded.SkipModules)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	c := LoadConfig()
	assert.Equal(t, Default(), c)
	_, err := os.Stat(filepath.Join(dir, configDir, configFile))
	require.NoError(t, err)
}

func TestLoadMergesSkipSymbols(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "skip-files.yml")
	require.NoError(t, os.WriteFile(list, []byte("- /usr/include/stdio.h\n- /src/vendor/\n"), 0600))
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`program: /bin/ls
skip-source-files: [/src/vendor/, "/usr/lib/*"]
skip-symbols-file: `+list+`
`), 0600))

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/vendor/", "/usr/include/stdio.h", "/usr/lib/*"}, c.SkipSourceFiles)

	require.NoError(t, os.WriteFile(path, []byte("program: /bin/ls\nskip-symbols-file: "+filepath.Join(dir, "missing.yml")+"\n"), 0600))
	c, err = LoadConfigFile(path)
	require.NoError(t, err)
	assert.Empty(t, c.SkipSourceFiles)

	require.NoError(t, os.WriteFile(list, []byte("{not: a list}\n"), 0600))
	require.NoError(t, os.WriteFile(path, []byte("program: /bin/ls\nskip-symbols-file: "+list+"\n"), 0600))
	_, err = LoadConfigFile(path)
	assert.Error(t, err)
}

func TestLoadMakesSourcePathsAbsolute(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`program: /bin/ls
source-base-dir: src
source-search-paths: [/opt/src]
expression-hooks:
  - {path: src/main.c, line: 12, expr: "argc"}
  - {path: /abs/util.c, line: 3, expr: "n"}
`), 0600))
	wd, err := os.Getwd()
	require.NoError(t, err)

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, filepath.Join(wd, "src"), c.SourceBaseDir)
	assert.Equal(t, []string{"/opt/src"}, c.SourceSearchPaths)
	assert.Equal(t, []ExpressionHook{
		{Path: filepath.Join(wd, "src", "main.c"), Line: 12, Expr: "argc"},
		{Path: "/abs/util.c", Line: 3, Expr: "n"},
	}, c.ExpressionHooks)
}
