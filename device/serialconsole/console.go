// Package serialconsole talks to a device's serial console, either through a local serial port
// or through a console server that exposes the port over TCP or a Unix socket.
package serialconsole

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/helpers"

	"go.bug.st/serial"
)

// ErrClosed is returned by Expect when the console is closed or the connection ends before the
// pattern is seen.
var ErrClosed = errors.New("serial console closed")

// TimeoutError is returned by Expect when the pattern is not seen in time. Tail holds the last
// output received, to help diagnose what the device was doing.
type TimeoutError struct {
	Pattern string
	Tail    string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for /%s/ on serial console; last output:\n%s", e.Pattern, e.Tail)
}

// Console is an open console connection. Everything the device sends is kept in a transcript.
// A background goroutine reads continuously, so output is captured even while nobody is
// waiting for it.
type Console struct {
	conn    io.ReadWriteCloser
	prompt  *regexp.Regexp
	timeout time.Duration
	logger  framework.Logger

	lock     sync.Mutex
	buf      bytes.Buffer // full transcript
	pos      int          // start of the unconsumed part of buf
	notify   chan struct{}
	readErr  error
	closed   bool
	closeErr error
}

// Options customizes a Console.
type Options struct {
	// Prompt is the shell prompt that marks the end of a command's output. Default "# ".
	Prompt string
	// Timeout bounds Expect and Command when ctx has no earlier deadline. Default 30s.
	Timeout time.Duration
	// Baud is the rate for local serial ports. Default 115200.
	Baud   int
	Logger framework.Logger
}

// Open connects to a console. An address of the form tcp://host:port or unix:///path is a
// console server; anything else is a local serial device such as /dev/ttyUSB0.
func Open(address string, opts Options) (*Console, error) {
	var conn io.ReadWriteCloser
	var err error
	switch {
	case address == "":
		return nil, errors.New("serial: console address is not set")
	case strings.HasPrefix(address, "tcp://"):
		conn, err = net.DialTimeout("tcp", strings.TrimPrefix(address, "tcp://"), 10*time.Second)
	case strings.HasPrefix(address, "unix://"):
		conn, err = net.DialTimeout("unix", strings.TrimPrefix(address, "unix://"), 10*time.Second)
	default:
		baud := opts.Baud
		if baud == 0 {
			baud = 115200
		}
		conn, err = serial.Open(address, &serial.Mode{BaudRate: baud})
	}
	if err != nil {
		return nil, fmt.Errorf("serial: cannot open %s: %w", address, err)
	}
	return New(conn, opts)
}

// New wraps an already open connection.
func New(conn io.ReadWriteCloser, opts Options) (*Console, error) {
	if opts.Prompt == "" {
		opts.Prompt = "# "
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = framework.NullLogger()
	}
	prompt, err := regexp.Compile(regexp.QuoteMeta(opts.Prompt))
	if err != nil {
		return nil, err
	}
	c := &Console{
		conn:    conn,
		prompt:  prompt,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		notify:  make(chan struct{}, 1),
	}
	go c.readLoop()
	return c, nil
}

func (c *Console) readLoop() {
	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		c.lock.Lock()
		if n > 0 {
			c.buf.Write(chunk[:n])
		}
		if err != nil {
			c.readErr = err
		}
		c.lock.Unlock()
		select {
		case c.notify <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// Send writes raw bytes to the console.
func (c *Console) Send(s string) error {
	_, err := io.WriteString(c.conn, s)
	return err
}

// SendLine writes s followed by a newline.
func (c *Console) SendLine(s string) error {
	c.logger.Printf("serial> %s", s)
	return c.Send(s + "\n")
}

// Expect waits until output that has not yet been consumed matches pattern, consumes it up to
// the end of the match, and returns the submatches. The text before the match is returned as
// well, since for a command that is its output.
func (c *Console) Expect(ctx context.Context, pattern *regexp.Regexp) (before string, match []string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	for {
		c.lock.Lock()
		pending := c.buf.Bytes()[c.pos:]
		if loc := pattern.FindSubmatchIndex(pending); loc != nil {
			before = string(pending[:loc[0]])
			match = make([]string, 0, len(loc)/2)
			for i := 0; i < len(loc); i += 2 {
				if loc[i] < 0 {
					match = append(match, "")
					continue
				}
				match = append(match, string(pending[loc[i]:loc[i+1]]))
			}
			c.pos += loc[1]
			c.lock.Unlock()
			return before, match, nil
		}
		readErr, closed := c.readErr, c.closed
		tail := helpers.Tail(string(pending), 10)
		c.lock.Unlock()

		if closed || readErr != nil {
			return "", nil, ErrClosed
		}
		select {
		case <-c.notify:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", nil, &TimeoutError{Pattern: pattern.String(), Tail: tail}
			}
			return "", nil, ctx.Err()
		}
	}
}

// ExpectString is Expect for a literal string.
func (c *Console) ExpectString(ctx context.Context, s string) error {
	_, _, err := c.Expect(ctx, regexp.MustCompile(regexp.QuoteMeta(s)))
	return err
}

// Command runs a shell command and returns its output: everything between the echoed command
// line and the next prompt, with line endings normalized.
func (c *Console) Command(ctx context.Context, command string) (string, error) {
	if err := c.SendLine(command); err != nil {
		return "", err
	}
	before, _, err := c.Expect(ctx, c.prompt)
	if err != nil {
		return "", err
	}
	out := strings.ReplaceAll(before, "\r\n", "\n")
	if first, rest, ok := strings.Cut(out, "\n"); ok && strings.Contains(first, command) {
		out = rest
	}
	c.logger.Printf("serial< %s", strings.TrimSpace(out))
	return out, nil
}

// Transcript returns everything received so far.
func (c *Console) Transcript() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.buf.String()
}

// Close closes the connection. Further Expect calls return ErrClosed.
func (c *Console) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return c.closeErr
	}
	c.closed = true
	c.closeErr = c.conn.Close()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return c.closeErr
}
