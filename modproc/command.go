package modproc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/runtime"
	"github.com/pithecene-io/mrci/types"
)

// errStepTimeout is returned when a module does not answer in time.
var errStepTimeout = errors.New("module did not answer in time")

type readResult struct {
	f   ipc.ChildFrame
	err error
}

// procCommand runs one module command. The process lives from the first
// input frame until the module reports IDLE or the command is terminated.
type procCommand struct {
	path   string
	name   string
	opts   Options
	logger *log.Logger

	m      *runtime.ExecutorManager
	cancel context.CancelFunc
	frames chan readResult
}

var (
	_ command.Terminator = (*procCommand)(nil)
	_ command.Closer     = (*procCommand)(nil)
)

func (c *procCommand) Process(s command.Session, data []byte, t types.TypeID) {
	if c.m == nil {
		if err := c.start(s.Env().Context()); err != nil {
			c.logger.Error("module start failed", map[string]any{"error": err.Error()})
			s.ErrText("err: The module failed to start.\n")
			s.SetRetCode(types.RetFailedToStart)
			return
		}
	}

	if err := ipc.WriteChildFrame(c.m.Stdin(), ipc.ChildFrame{Type: ipc.ChildType(t), Payload: data}); err != nil {
		c.crashed(s, fmt.Errorf("write input: %w", err))
		return
	}
	c.answer(s)
}

func (c *procCommand) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m := runtime.NewExecutorManager(&runtime.ExecutorConfig{
		Path:     c.path,
		Args:     []string{"-run", c.name},
		Stdin:    true,
		Stdout:   true,
		OnStderr: stderrLog(c.logger, nil),
	})
	if err := m.Start(ctx); err != nil {
		cancel()
		return err
	}
	frames := make(chan readResult, 16)
	go func() {
		defer close(frames)
		r := ipc.NewChildReader(m.Stdout())
		for {
			f, err := r.Next()
			frames <- readResult{f: f, err: err}
			if err != nil {
				return
			}
		}
	}()
	c.m, c.cancel, c.frames = m, cancel, frames
	return nil
}

// answer relays module output until the module yields or finishes.
func (c *procCommand) answer(s command.Session) {
	timer := time.NewTimer(c.opts.StepTimeout)
	defer timer.Stop()

	for {
		var res readResult
		var ok bool
		select {
		case res, ok = <-c.frames:
		case <-timer.C:
			c.crashed(s, errStepTimeout)
			return
		}
		if !ok || res.err != nil {
			err := res.err
			if err == nil {
				err = errors.New("module output closed")
			}
			c.crashed(s, err)
			return
		}

		f := res.f
		switch f.Type {
		case ipc.ChildText:
			s.MainText(string(f.Payload))
		case ipc.ChildErr:
			s.ErrText(string(f.Payload))
		case ipc.ChildPrivText:
			s.PrivText(string(f.Payload))
		case ipc.ChildBigText:
			s.BigText(string(f.Payload))
		case ipc.ChildLoop:
			s.EnableLoop(true)
			return
		case ipc.ChildMoreInput:
			s.EnableMoreInput(true)
			return
		case ipc.ChildIdle:
			if len(f.Payload) >= 2 {
				s.SetRetCode(types.RetCode(binary.LittleEndian.Uint16(f.Payload)))
			}
			s.EnableLoop(false)
			s.EnableMoreInput(false)
			c.stop(false)
			return
		default:
			s.Send(types.TypeID(f.Type), f.Payload)
		}
	}
}

// crashed reports a module failure as an execution failure of the command.
func (c *procCommand) crashed(s command.Session, err error) {
	c.logger.Warn("module command failed", map[string]any{"error": err.Error()})
	s.ErrText("err: The module command stopped unexpectedly.\n")
	s.SetRetCode(types.RetCrash)
	s.EnableLoop(false)
	s.EnableMoreInput(false)
	c.stop(true)
}

// Term asks the module to stop.
func (c *procCommand) Term(command.Session) {
	c.stop(true)
}

// Close stops any running process.
func (c *procCommand) Close() error {
	c.stop(true)
	return nil
}

// stop ends the module process. With term set the module is sent TERM and
// killed if it outlives the grace period.
func (c *procCommand) stop(term bool) {
	if c.m == nil {
		return
	}
	m, cancel, frames := c.m, c.cancel, c.frames
	c.m, c.cancel, c.frames = nil, nil, nil

	if term {
		_ = ipc.WriteChildFrame(m.Stdin(), ipc.ChildFrame{Type: ipc.ChildTerm})
	}
	_ = m.Stdin().Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range frames {
		}
	}()
	select {
	case <-done:
	case <-time.After(c.opts.TermGrace):
		_ = m.Kill()
		<-done
	}
	if res, err := m.Wait(); err == nil && res.ExitCode != 0 {
		c.logger.Debug("module exited", map[string]any{"exit_code": res.ExitCode, "signaled": res.Signaled})
	}
	cancel()
}
