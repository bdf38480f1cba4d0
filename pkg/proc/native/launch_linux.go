//go:build linux && (amd64 || arm64)

package native

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v4/process"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ntrace/pkg/proc"
)

const outputChunk = 4096

// Launch starts cfg.Argv stopped at its first instruction.
func Launch(cfg LaunchConfig) (Target, error) {
	if len(cfg.Argv) == 0 {
		return nil, errors.New("no program to launch")
	}
	arch, err := proc.HostArch()
	if err != nil {
		return nil, err
	}
	path, err := exec.LookPath(cfg.Argv[0])
	if err != nil {
		return nil, err
	}

	p := newProcess(0, arch)
	var (
		cmd     *exec.Cmd
		streams []io.ReadCloser
		kinds   []proc.EventKind
	)
	p.execPtraceFunc(func() {
		cmd = exec.Command(path)
		cmd.Args = cfg.Argv
		cmd.Env = append(os.Environ(), cfg.Env...)
		cmd.Dir = cfg.WorkingDir
		if cfg.UsePty {
			cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
			var tty *os.File
			tty, err = pty.Start(cmd)
			if err != nil {
				return
			}
			p.stdin = tty
			streams = append(streams, tty)
			kinds = append(kinds, proc.EventStdout)
			return
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
		var stdin io.WriteCloser
		var stdout, stderr io.ReadCloser
		if stdin, err = cmd.StdinPipe(); err != nil {
			return
		}
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return
		}
		if stderr, err = cmd.StderrPipe(); err != nil {
			return
		}
		if err = cmd.Start(); err != nil {
			return
		}
		p.stdin = stdin
		streams = append(streams, stdout, stderr)
		kinds = append(kinds, proc.EventStdout, proc.EventStderr)
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("could not launch %s: %w", path, err)
	}
	p.pid = cmd.Process.Pid
	p.childProcess = true

	var ws sys.WaitStatus
	if _, err := sys.Wait4(p.pid, &ws, sys.WALL, nil); err != nil {
		p.abortLaunch()
		return nil, fmt.Errorf("waiting for target execve failed: %w", err)
	}
	if !ws.Stopped() {
		p.abortLaunch()
		return nil, fmt.Errorf("%s exited before it started (%v)", path, ws)
	}
	p.execPtraceFunc(func() { err = ptraceSetOptions(p.pid) })
	if err != nil {
		p.abortLaunch()
		return nil, fmt.Errorf("could not set ptrace options: %w", err)
	}
	t := p.addThread(p.pid, false)
	t.stop = stopInfo{reason: proc.StopExec, desc: "exec"}

	p.initialize()
	p.forwardOutput(streams, kinds)
	p.log.Infof("launched %s as process %d", path, p.pid)
	return p, nil
}

func (p *Process) abortLaunch() {
	sys.Kill(-p.pid, sys.SIGKILL)
	var ws sys.WaitStatus
	sys.Wait4(p.pid, &ws, sys.WALL, nil)
	p.Close()
}

// Attach stops every thread of pid and traces them.
func Attach(pid int) (Target, error) {
	arch, err := proc.HostArch()
	if err != nil {
		return nil, err
	}
	p := newProcess(pid, arch)
	if desc, err := process.NewProcess(int32(pid)); err == nil {
		name, _ := desc.Name()
		cmdline, _ := desc.Cmdline()
		threads, _ := desc.NumThreads()
		p.log.Infof("attaching to %d (%s, %d threads): %s", pid, name, threads, cmdline)
	} else {
		p.log.Debugf("could not describe process %d: %v", pid, err)
	}
	tids, err := taskList(pid)
	if err != nil {
		p.Close()
		return nil, err
	}
	for _, tid := range tids {
		if err := p.attachThread(tid); err != nil {
			if tid == pid {
				p.Close()
				return nil, fmt.Errorf("could not attach to pid %d: %w", pid, err)
			}
			p.log.Warnf("could not attach to thread %d: %v", tid, err)
			continue
		}
		t := p.addThread(tid, false)
		t.stop = stopInfo{reason: proc.StopSignal, data: []uint64{uint64(sys.SIGSTOP)}, desc: "attached"}
	}

	p.initialize()
	p.forwardOutput(nil, nil)
	return p, nil
}

func (p *Process) attachThread(tid int) error {
	var err error
	p.execPtraceFunc(func() { err = ptraceAttach(tid) })
	if err != nil {
		return err
	}
	var ws sys.WaitStatus
	if _, err := sys.Wait4(tid, &ws, sys.WALL, nil); err != nil {
		return err
	}
	p.execPtraceFunc(func() { err = ptraceSetOptions(tid) })
	return err
}

func taskList(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("could not list threads of %d: %w", pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

// initialize loads the modules of a process that just stopped for the
// first time and starts collecting its events.
func (p *Process) initialize() {
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", p.pid))
	if err != nil {
		p.log.Warnf("could not read the executable path of %d: %v", p.pid, err)
	}
	p.exe = filepath.Clean(exe)
	p.syms = newSymbolTable(p.exe)
	p.refreshModules()
	p.state = proc.StateStopped
	p.selected = p.pid
	go p.waitLoop()
}

// forwardOutput turns what the process writes on streams into events.
func (p *Process) forwardOutput(streams []io.ReadCloser, kinds []proc.EventKind) {
	var wg sync.WaitGroup
	for i, r := range streams {
		wg.Add(1)
		p.closers = append(p.closers, r)
		go p.readOutput(r, kinds[i], &wg)
	}
	go func() {
		wg.Wait()
		close(p.outputDone)
	}()
}

func (p *Process) readOutput(r io.Reader, kind proc.EventKind, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, outputChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			ev := proc.Event{Kind: kind, Data: append([]byte(nil), buf[:n]...)}
			select {
			case p.output <- ev:
			case <-p.quit:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
