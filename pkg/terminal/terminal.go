package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/liner"

	"github.com/go-delve/ntrace/pkg/config"
	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/proc"
)

const historyFile string = ".ntrace_history"

// Console is the interactive prompt offered on hard-coded breakpoints.
// The target is stopped for the whole session.
type Console struct {
	t      proc.Target
	out    io.Writer
	prompt string
	cmds   *Commands
	log    logflags.Logger

	historyPath string
}

// New returns a console for t that writes to out.
func New(t proc.Target, out io.Writer) *Console {
	c := &Console{
		t:      t,
		out:    out,
		prompt: "(ntrace) ",
		cmds:   DebugCommands(),
		log:    logflags.TraceLogger(),
	}
	if path, err := config.GetConfigFilePath(historyFile); err == nil {
		c.historyPath = path
	}
	return c
}

// Run reads commands until the user resumes the target or closes the
// input. Failing commands are reported and do not end the session.
func (c *Console) Run(tid int) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) []string {
		if strings.Contains(l, " ") {
			return nil
		}
		return c.cmds.Complete(l)
	})

	if c.historyPath != "" {
		if f, err := os.Open(c.historyPath); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			f, err := os.Create(c.historyPath)
			if err != nil {
				c.log.Debugf("unable to save history: %v", err)
				return
			}
			defer f.Close()
			_, _ = line.WriteHistory(f)
		}()
	}

	fmt.Fprintf(c.out, "Stopped in thread %d: %s\n", tid, c.t.StopDescription(tid))
	fmt.Fprintln(c.out, "Type 'help' for the list of commands, 'continue' to resume.")
	for {
		cmdstr, err := line.Prompt(c.prompt)
		if err != nil {
			if err == io.EOF || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(c.out)
				return nil
			}
			return err
		}
		if strings.TrimSpace(cmdstr) != "" {
			line.AppendHistory(cmdstr)
		}
		done, err := c.Execute(tid, cmdstr)
		if err != nil {
			fmt.Fprintf(c.out, "Command failed: %s\n", err)
		}
		if done {
			return nil
		}
	}
}

// Execute runs a single command line against thread tid. done reports
// whether the command ends the session.
func (c *Console) Execute(tid int, cmdstr string) (done bool, err error) {
	args := strings.Fields(cmdstr)
	if len(args) == 0 {
		return false, nil
	}
	cmd, err := c.cmds.Find(args[0])
	if err != nil {
		return false, err
	}
	if cmd.resume {
		return true, nil
	}
	return false, cmd.cmdFn(c, tid, args[1:])
}
