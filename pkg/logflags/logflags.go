package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var dispatch = false
var step = false
var skip = false
var intercept = false
var symtrace = false
var native = false
var config = false
var notify = false

var logOut io.WriteCloser
var traceOut io.Writer

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Dispatch returns true if the event dispatcher should log.
func Dispatch() bool {
	return dispatch
}

// DispatchLogger returns a logger for the event dispatcher.
func DispatchLogger() Logger {
	return makeFlaggableLogger(dispatch, Fields{"layer": "dispatch"})
}

// Step returns true if the step decision engine should log its decisions.
func Step() bool {
	return step
}

// StepLogger returns a logger for the step decision engine.
func StepLogger() Logger {
	return makeFlaggableLogger(step, Fields{"layer": "step"})
}

// SkipLogger returns a logger for the skip-range resolver.
func SkipLogger() Logger {
	return makeFlaggableLogger(skip, Fields{"layer": "skip"})
}

// InterceptLogger returns a logger for the call interceptor.
func InterceptLogger() Logger {
	return makeFlaggableLogger(intercept, Fields{"layer": "intercept"})
}

// SymtraceLogger returns a logger for the symbol pattern tracer.
func SymtraceLogger() Logger {
	return makeFlaggableLogger(symtrace, Fields{"layer": "symtrace"})
}

// Native returns true if the native backend should log ptrace activity.
func Native() bool {
	return native
}

func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

func ConfigLogger() Logger {
	return makeFlaggableLogger(config, Fields{"layer": "config"})
}

// NotifyLogger returns a logger for the notification sinks.
func NotifyLogger() Logger {
	return makeFlaggableLogger(notify, Fields{"layer": "notify"})
}

// TraceLogger returns the logger that carries the execution narrative.
// It is always enabled and writes plain lines to standard output unless
// a different destination was installed with SetTraceOutput.
func TraceLogger() Logger {
	if lf := loggerFactory; lf != nil {
		return lf(logrus.InfoLevel, Fields{"layer": "trace"}, traceOut)
	}
	logger := logrus.New().WithFields(logrus.Fields{"layer": "trace"})
	logger.Logger.Formatter = &narrativeFormatter{}
	logger.Logger.Out = traceWriter()
	logger.Logger.Level = logrus.InfoLevel
	return &logrusLogger{logger}
}

// SetTraceOutput redirects the execution narrative to w.
func SetTraceOutput(w io.Writer) {
	traceOut = w
}

func traceWriter() io.Writer {
	if traceOut != nil {
		return traceOut
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return colorable.NewColorableStdout()
	}
	return os.Stdout
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "ntrace-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "dispatch"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "dispatch":
			dispatch = true
		case "step":
			step = true
		case "skip":
			skip = true
		case "intercept":
			intercept = true
		case "symtrace":
			symtrace = true
		case "native":
			native = true
		case "config":
			config = true
		case "notify":
			notify = true
		case "all":
			dispatch, step, skip, intercept, symtrace, native, config, notify = true, true, true, true, true, true, true, true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'ntrace help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "layer" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(entry.Time.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(b, "%v", layer)
		b.WriteByte(' ')
	}
	b.WriteString(entry.Message)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

var textFormatterInstance = &textFormatter{}

// narrativeFormatter writes only the message, warnings and errors get a
// level prefix so they stand out in the trace.
type narrativeFormatter struct {
}

func (f *narrativeFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	if entry.Level <= logrus.WarnLevel {
		b.WriteString(strings.ToUpper(entry.Level.String()))
		b.WriteString(": ")
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}
