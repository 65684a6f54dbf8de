package engine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var errPipeBroken = errors.New("engine pipe broken")

// Task is one request in flight through the pool. Reply is single-shot:
// the worker delivers exactly one result.
type Task struct {
	GameID    string
	Message   Request
	Reply     chan TaskResult
	CreatedAt time.Time
}

// TaskResult is what a worker delivers back to the submitter.
type TaskResult struct {
	Response *Response
	Err      error
}

type readResult struct {
	line string
	err  error
}

// Instance is one engine subprocess, exclusively owned by the pool. Its
// worker goroutine is the only reader of stdout.
type Instance struct {
	id    int
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// lines is fed by a dedicated reader goroutine so stdout reads can
	// carry a timeout.
	lines chan readResult

	queue chan *Task
	done  chan struct{}

	// staleReads counts replies abandoned by timed-out round trips.
	// Only one goroutine calls roundTrip per instance, so no lock.
	staleReads int

	createdAt      time.Time
	lastUsed       atomic.Int64 // unix nanos
	tasksProcessed atomic.Int64

	closeOnce sync.Once
}

// spawn starts the subprocess, probes it with a ping and returns the
// admitted instance. A process that fails the probe is killed.
func spawn(id int, command string, queueSize int, readTimeout time.Duration) (*Instance, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("empty engine command")
	}
	cmd := exec.Command(args[0], args[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening engine stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine %q: %w", args[0], err)
	}

	now := time.Now()
	inst := &Instance{
		id:        id,
		cmd:       cmd,
		stdin:     stdin,
		lines:     make(chan readResult),
		queue:     make(chan *Task, queueSize),
		done:      make(chan struct{}),
		createdAt: now,
	}
	inst.lastUsed.Store(now.UnixNano())

	go inst.readLines(stdout)
	go drainStderr(id, stderr)

	if err := inst.probe(readTimeout); err != nil {
		inst.kill()
		return nil, fmt.Errorf("probing engine instance %d: %w", id, err)
	}
	return inst, nil
}

// readLines feeds stdout lines into inst.lines until the pipe closes.
func (i *Instance) readLines(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		select {
		case i.lines <- readResult{line: scanner.Text()}:
		case <-i.done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = errPipeBroken
	}
	select {
	case i.lines <- readResult{err: err}:
	case <-i.done:
	}
}

func drainStderr(id int, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.Debug("engine stderr", "instance", id, "line", scanner.Text())
	}
}

// probe sends the ping request and requires a "valid" reply.
func (i *Instance) probe(timeout time.Duration) error {
	resp, err := i.roundTrip(Ping(), timeout)
	if err != nil {
		return err
	}
	if !resp.Valid() {
		return fmt.Errorf("engine rejected probe: %q", resp.Message)
	}
	return nil
}

// roundTrip writes one request line and reads the matching response
// line with a bounded wait. A timed-out read leaves its eventual reply
// pending; later round trips discard that many lines before accepting
// one, so replies never cross between requests.
func (i *Instance) roundTrip(req Request, timeout time.Duration) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if _, err := i.stdin.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("writing to engine: %w", errPipeBroken)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case res := <-i.lines:
			if res.err != nil {
				return nil, res.err
			}
			// A reply abandoned by an earlier timed-out read answers an
			// older request; skip past it to this request's line.
			if i.staleReads > 0 {
				i.staleReads--
				continue
			}
			if res.line == "" {
				return nil, errors.New("empty response line")
			}
			var resp Response
			if err := json.Unmarshal([]byte(res.line), &resp); err != nil {
				return nil, fmt.Errorf("decoding engine response: %w", err)
			}
			return &resp, nil
		case <-timer.C:
			i.staleReads++
			return nil, fmt.Errorf("engine response timed out after %s", timeout)
		}
	}
}

// QueueLen returns the current depth of the instance queue.
func (i *Instance) QueueLen() int {
	return len(i.queue)
}

// kill terminates the process without the polite exit exchange.
func (i *Instance) kill() {
	i.closeOnce.Do(func() {
		close(i.done)
		i.stdin.Close()
		if i.cmd.Process != nil {
			i.cmd.Process.Kill()
		}
		i.cmd.Wait()
	})
}

// shutdown asks the engine to exit, waits briefly and kills it if it
// lingers. Pipes are closed on every path.
func (i *Instance) shutdown(wait time.Duration) {
	i.closeOnce.Do(func() {
		close(i.done)

		if payload, err := json.Marshal(Exit()); err == nil {
			i.stdin.Write(append(payload, '\n')) // best effort
		}
		i.stdin.Close()

		exited := make(chan struct{})
		go func() {
			i.cmd.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(wait):
			if i.cmd.Process != nil {
				i.cmd.Process.Kill()
			}
			<-exited
		}
	})
}
