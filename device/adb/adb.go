// Package adb drives an Android-based device through the adb command-line tool.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/helpers"
	"github.com/nasqa/dut-harness/framework/retry"

	"github.com/kballard/go-shellquote"
)

// ErrNotConnected is returned by Connect when the device never shows up in "adb devices".
var ErrNotConnected = errors.New("device is not connected")

// Runner executes a program and returns its combined output. ExecRunner is the real one.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, shellquote.Join(args...), err,
			strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Client sends adb commands to one device, addressed as host:port.
type Client struct {
	binary string
	serial string
	runner Runner
	logger framework.Logger

	pollDelay time.Duration
	pollMax   int
}

// Option customizes a Client.
type Option helpers.ConfigOption[Client]

// WithRunner replaces the program runner.
func WithRunner(r Runner) Option {
	return helpers.ConfigOptionFunc[Client](func(c *Client) error {
		c.runner = r
		return nil
	})
}

// WithLogger sets the destination for command traces.
func WithLogger(l framework.Logger) Option {
	return helpers.ConfigOptionFunc[Client](func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	})
}

// WithPolling sets the delay and retry count used by Connect and WaitForBootCompleted.
func WithPolling(delay time.Duration, maxRetry int) Option {
	return helpers.ConfigOptionFunc[Client](func(c *Client) error {
		c.pollDelay, c.pollMax = delay, maxRetry
		return nil
	})
}

// New creates a Client. binary is the adb executable; an empty string means "adb" on PATH.
func New(binary, host string, port int, options ...Option) (*Client, error) {
	if host == "" {
		return nil, errors.New("adb: device address is not set")
	}
	if binary == "" {
		binary = "adb"
	}
	c := &Client{
		binary:    binary,
		serial:    net.JoinHostPort(host, strconv.Itoa(port)),
		runner:    ExecRunner{},
		logger:    framework.NullLogger(),
		pollDelay: 2 * time.Second,
		pollMax:   30,
	}
	if err := helpers.ApplyOptions(c, options...); err != nil {
		return nil, err
	}
	return c, nil
}

// Serial returns the host:port the client addresses.
func (c *Client) Serial() string { return c.serial }

// Command runs "adb -s <serial> args..." and returns its output.
func (c *Client) Command(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, append([]string{"-s", c.serial}, args...)...)
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	c.logger.Printf("adb %s", shellquote.Join(args...))
	out, err := c.runner.Run(ctx, c.binary, args...)
	return string(out), err
}

// Connect runs "adb connect" and waits until the device is listed as online.
func (c *Client) Connect(ctx context.Context) error {
	online := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(c.serial) + `\s+device\b`)
	return retry.Poll(ctx, func(ctx context.Context) (bool, error) {
		if _, err := c.run(ctx, "connect", c.serial); err != nil {
			return false, err
		}
		// A device that dropped off can linger in the list as "offline", so check the state.
		out, err := c.run(ctx, "devices")
		if err != nil {
			return false, err
		}
		return online.MatchString(out), nil
	}, retry.Name("adb connect "+c.serial), retry.Delay(c.pollDelay), retry.MaxRetry(c.pollMax),
		retry.Logger(c.logger))
}

// Disconnect drops the adb connection to the device.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.run(ctx, "disconnect", c.serial)
	return err
}

// Close disconnects, waiting at most a few seconds.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Disconnect(ctx)
}

// Shell runs a command on the device. The arguments are quoted for the device shell.
func (c *Client) Shell(ctx context.Context, command string, args ...string) (string, error) {
	line := command
	if len(args) != 0 {
		line += " " + shellquote.Join(args...)
	}
	return c.Command(ctx, "shell", line)
}

// GetProp returns the value of one system property, with surrounding whitespace removed.
func (c *Client) GetProp(ctx context.Context, name string) (string, error) {
	out, err := c.Shell(ctx, "getprop", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

var propLine = regexp.MustCompile(`^\[([^\]]+)\]: \[(.*)\]$`)

// Props returns every system property.
func (c *Client) Props(ctx context.Context) (map[string]string, error) {
	out, err := c.Shell(ctx, "getprop")
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	for _, m := range helpers.FindAllLines(out, propLine) {
		props[m[1]] = m[2]
	}
	return props, nil
}

// "Success" is the only positive result of the package manager's install and uninstall
// commands.
var pmSuccess = regexp.MustCompile(`(?m)^Success`)

// Install installs an APK from the host, replacing any existing version.
func (c *Client) Install(ctx context.Context, apkPath string) error {
	out, err := c.Command(ctx, "install", "-r", "-d", apkPath)
	if err != nil {
		return err
	}
	if !pmSuccess.MatchString(out) {
		return fmt.Errorf("failed to install %s: %q", apkPath, strings.TrimSpace(out))
	}
	return nil
}

// Uninstall removes a package.
func (c *Client) Uninstall(ctx context.Context, pkg string) error {
	out, err := c.Command(ctx, "uninstall", pkg)
	if err != nil {
		return err
	}
	if !pmSuccess.MatchString(out) {
		return fmt.Errorf("failed to uninstall %s: %q", pkg, strings.TrimSpace(out))
	}
	return nil
}

// InstalledPackages returns the set of installed package names.
func (c *Client) InstalledPackages(ctx context.Context) (map[string]struct{}, error) {
	out, err := c.Shell(ctx, "pm", "list", "packages")
	if err != nil {
		return nil, fmt.Errorf("listing packages failed: %w", err)
	}
	pkgs := make(map[string]struct{})
	for _, line := range helpers.Lines(out) {
		if name := strings.TrimPrefix(strings.TrimSpace(line), "package:"); name != "" {
			pkgs[name] = struct{}{}
		}
	}
	return pkgs, nil
}

// Push copies a file from the host to the device.
func (c *Client) Push(ctx context.Context, local, remote string) error {
	_, err := c.Command(ctx, "push", local, remote)
	return err
}

// Pull copies a file from the device to the host.
func (c *Client) Pull(ctx context.Context, remote, local string) error {
	_, err := c.Command(ctx, "pull", remote, local)
	return err
}

// Reboot asks the device to restart. It returns as soon as adb accepts the command.
func (c *Client) Reboot(ctx context.Context) error {
	_, err := c.Command(ctx, "reboot")
	return err
}

// Logcat returns the current contents of the log buffer.
func (c *Client) Logcat(ctx context.Context) (string, error) {
	return c.Command(ctx, "logcat", "-d")
}

// ClearLogcat empties the log buffer.
func (c *Client) ClearLogcat(ctx context.Context) error {
	_, err := c.Command(ctx, "logcat", "-c")
	return err
}

// WaitForBootCompleted reconnects and polls sys.boot_completed until it reads "1".
func (c *Client) WaitForBootCompleted(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	_, err := retry.Do(ctx, func(ctx context.Context) (string, error) {
		return c.GetProp(ctx, "sys.boot_completed")
	}, retry.Until(func(v string) bool { return v == "1" }),
		retry.Name("wait for boot completed"), retry.Delay(c.pollDelay), retry.MaxRetry(c.pollMax),
		retry.Logger(c.logger))
	return err
}

// BufferRunner is a Runner that answers from a table of canned outputs. It is exported for the
// tests of packages that build on Client.
type BufferRunner struct {
	// Responses maps a space-joined argument list to its output. A key ending in "*" matches
	// any argument list with that prefix.
	Responses map[string]string
	// Errors maps a space-joined argument list to an error to return.
	Errors map[string]error
	Calls  []string
}

func (b *BufferRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	b.Calls = append(b.Calls, key)
	if err, ok := b.Errors[key]; ok {
		return nil, err
	}
	if out, ok := b.Responses[key]; ok {
		return []byte(out), nil
	}
	for k, out := range b.Responses {
		if strings.HasSuffix(k, "*") && strings.HasPrefix(key, strings.TrimSuffix(k, "*")) {
			return bytes.Clone([]byte(out)), nil
		}
	}
	return nil, nil
}
