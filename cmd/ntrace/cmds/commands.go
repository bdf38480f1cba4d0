package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/go-delve/ntrace/pkg/abi"
	"github.com/go-delve/ntrace/pkg/config"
	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/proc/native"
	"github.com/go-delve/ntrace/pkg/terminal"
	"github.com/go-delve/ntrace/pkg/tracer"
	"github.com/go-delve/ntrace/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the configuration file in the user config directory.
	configPath string

	// mode is the narrative log mode, instruction or source.
	mode string
	// skipModules are added to skip-modules.
	skipModules []string
	// intercepts are added to libc-functions.
	intercepts []string
	// traceSymbols are module:regex pairs added to symbol-trace.
	traceSymbols []string
	// dumpSkip is a file prefix, the source files and modules known at the
	// entry point are written to <prefix>-files.yml and <prefix>-modules.yml.
	dumpSkip string

	// workingDir is the working directory for running the program.
	workingDir string
	// usePty runs the program on a pseudo terminal.
	usePty bool

	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const ntraceCommandLongDesc = `ntrace is an execution tracer for native programs.

It runs the program until the start breakpoint, then single steps the main
thread and prints every instruction or source line executed, along with the
arguments and results of intercepted library calls.

Pass flags to the program you are tracing using ` + "`--`" + `, for example:

` + "`ntrace exec ./server -- --port 8080`"

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:   "ntrace",
		Short: "ntrace is an execution tracer for native programs.",
		Long:  ntraceCommandLongDesc,
	}

	rootCommand.PersistentFlags().SetNormalizeFunc(dashedFlags)
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, defaults to config.yml in the user config directory.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable tracer logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'ntrace help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'ntrace help log').")
	rootCommand.PersistentFlags().StringVar(&mode, "mode", "", "Narrative mode, instruction or source.")
	rootCommand.PersistentFlags().StringArrayVar(&skipModules, "skip-module", nil, "Module to step over instead of into, can be repeated.")
	rootCommand.PersistentFlags().StringArrayVar(&intercepts, "intercept", nil, interceptUsage())
	rootCommand.PersistentFlags().StringArrayVar(&traceSymbols, "trace-symbols", nil, "module:regex of the symbols to report, can be repeated.")
	rootCommand.PersistentFlags().StringVar(&dumpSkip, "dump-skip", "", "Write the source files and modules known at the start breakpoint to <prefix>-files.yml and <prefix>-modules.yml, then exit.")

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec [./path/to/binary] [-- args]",
		Short: "Execute a precompiled binary and trace it.",
		Long: `Execute a precompiled binary and trace it.

Without arguments the program configured with the 'program' key is run.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execCmd(cmd, args))
		},
	}
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().BoolVar(&usePty, "pty", false, "Run the program on a pseudo terminal.")
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach [pid]",
		Short: "Attach to running process and trace it.",
		Long: `Attach to an already running process and trace it.

The process is detached from, not killed, when tracing ends early.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(attachCmd(cmd, args))
		},
	}
	rootCommand.AddCommand(attachCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), conf)
		},
	}
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ntrace\n%s\n", version.NtraceVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	dispatch	Log every event and the decision taken for it (default)
	step		Log stepping decisions
	skip		Log skip range resolution
	intercept	Log intercepted calls and returns
	symtrace	Log symbol pattern matching
	native		Log ptrace operations of the native backend
	config		Log configuration loading
	notify		Log notification sinks
	all		Enable every component

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

The execution narrative itself is always written to standard output.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// interceptUsage lists the functions whose arguments are decoded by name,
// other functions show their raw argument registers.
func interceptUsage() string {
	return "Library function whose calls are logged, can be repeated. Arguments are decoded for " +
		strings.Join(abi.Functions(), ", ") + "."
}

// dashedFlags accepts the configuration key spelling with underscores,
// --skip_module is --skip-module.
func dashedFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func execCmd(cmd *cobra.Command, args []string) int {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	conf.AttachPid = 0
	if len(args) > 0 {
		conf.Program = strings.Join(args, " ")
	}
	if workingDir != "" {
		conf.WorkingDir = workingDir
	}
	if usePty {
		conf.UsePty = true
	}
	processArgs := args
	if len(processArgs) == 0 {
		processArgs, err = conf.ProgramArgv()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	return execute(conf, 0, processArgs)
}

func attachCmd(cmd *cobra.Command, args []string) int {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(args) > 0 {
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
			return 1
		}
		conf.AttachPid = pid
	}
	if conf.AttachPid == 0 {
		fmt.Fprintln(os.Stderr, "no pid to attach to")
		return 1
	}
	return execute(conf, conf.AttachPid, nil)
}

// loadConfig reads the configuration file and applies the command line
// overrides.
func loadConfig() (*config.Config, error) {
	var conf *config.Config
	if configPath != "" {
		var err error
		conf, err = config.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		conf = config.LoadConfig()
	}
	if err := applyFlags(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func applyFlags(conf *config.Config) error {
	if mode != "" {
		conf.LogMode = mode
	}
	conf.SkipModules = append(conf.SkipModules, skipModules...)
	conf.LibcFunctions = append(conf.LibcFunctions, intercepts...)
	for _, s := range traceSymbols {
		rule, err := parseSymbolRule(s)
		if err != nil {
			return err
		}
		conf.SymbolTrace = append(conf.SymbolTrace, rule)
	}
	if dumpSkip != "" {
		conf.DumpSourceFilesForSkip = dumpSkip + "-files.yml"
		conf.DumpModulesForSkip = dumpSkip + "-modules.yml"
	}
	return nil
}

// parseSymbolRule parses module:regex. The regex may contain colons.
func parseSymbolRule(s string) (config.SymbolTraceRule, error) {
	module, regex, ok := strings.Cut(s, ":")
	if !ok || module == "" || regex == "" {
		return config.SymbolTraceRule{}, fmt.Errorf("invalid --trace-symbols value %q, expected module:regex", s)
	}
	return config.SymbolTraceRule{Module: module, Regex: regex}, nil
}

func printConfig(w io.Writer, conf *config.Config) error {
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// execute traces the target until it exits and returns the exit code of
// ntrace itself.
func execute(conf *config.Config, attachPid int, processArgs []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	var (
		t   native.Target
		err error
	)
	if attachPid != 0 {
		t, err = native.Attach(attachPid)
	} else {
		t, err = native.Launch(native.LaunchConfig{
			Argv:       processArgs,
			Env:        conf.Environment,
			WorkingDir: conf.WorkingDir,
			UsePty:     conf.UsePty,
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not start target: %v\n", err)
		return 1
	}
	defer t.Close()

	opts := tracer.Options{
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Attached: attachPid != 0,
	}
	if conf.ShowConsole {
		opts.Console = terminal.New(t, os.Stdout)
	}
	s, err := tracer.New(conf, t, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create session: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := s.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Tracing failed: %v\n", err)
		return 1
	}
	return 0
}
