// Package sshclient runs commands on a device over SSH and moves files over SFTP.
package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nasqa/dut-harness/framework"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Config describes how to reach a device.
type Config struct {
	Host     string
	Port     int
	Username string
	// Password and KeyFile are both optional; whichever are set are offered to the server.
	Password string
	KeyFile  string
	Timeout  time.Duration
	Logger   framework.Logger
}

// ExitError is returned by Run when the command ran but exited with a non-zero status.
type ExitError struct {
	Command string
	Status  int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.Status, e.Stderr)
}

// Result is the output of a command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Client is a connection to one device. It is safe for concurrent use; each command gets its
// own SSH session.
type Client struct {
	addr   string
	conn   *ssh.Client
	logger framework.Logger

	sftpOnce sync.Once
	sftp     *sftp.Client
	sftpErr  error
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("cannot parse SSH key %s: %w", cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	return methods, nil
}

// Dial connects and authenticates. The ctx bounds the TCP connection and the handshake.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh: device address is not set")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = framework.NullLogger()
	}
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: auth,
		// Devices are reflashed constantly, so their host keys are not stable.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: cannot connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh: handshake with %s failed: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	cfg.Logger.Printf("SSH connected to %s as %s", addr, cfg.Username)
	return &Client{addr: addr, conn: ssh.NewClient(c, chans, reqs), logger: cfg.Logger}, nil
}

// Addr returns the host:port the client is connected to.
func (c *Client) Addr() string { return c.addr }

// Run executes a shell command line and collects its output. A non-zero exit status is reported
// both in the Result and as an *ExitError. If ctx is cancelled the remote command is sent
// SIGKILL and the session is closed.
func (c *Client) Run(ctx context.Context, command string) (Result, error) {
	c.logger.Printf("ssh %s: %s", c.addr, command)
	session, err := c.conn.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("ssh: cannot open session: %w", err)
	}
	defer session.Close() //nolint:errcheck

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitStatus: -1}, ctx.Err()
	}

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitStatus = exitErr.ExitStatus()
			return result, &ExitError{Command: command, Status: result.ExitStatus, Stderr: result.Stderr}
		}
		return result, fmt.Errorf("ssh: %q failed: %w", command, err)
	}
	return result, nil
}

// Output runs a command with arguments quoted for the remote shell and returns its stdout.
func (c *Client) Output(ctx context.Context, command string, args ...string) (string, error) {
	line := command
	if len(args) != 0 {
		line += " " + shellquote.Join(args...)
	}
	result, err := c.Run(ctx, line)
	return result.Stdout, err
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	c.sftpOnce.Do(func() {
		c.sftp, c.sftpErr = sftp.NewClient(c.conn)
		if c.sftpErr != nil {
			c.sftpErr = fmt.Errorf("ssh: cannot start SFTP subsystem: %w", c.sftpErr)
		}
	})
	return c.sftp, c.sftpErr
}

// WriteFile creates or truncates a file on the device.
func (c *Client) WriteFile(remotePath string, data []byte) error {
	s, err := c.sftpClient()
	if err != nil {
		return err
	}
	f, err := s.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftp: cannot create %s: %w", remotePath, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("sftp: cannot write %s: %w", remotePath, err)
	}
	return f.Close()
}

// ReadFile reads a whole file from the device.
func (c *Client) ReadFile(remotePath string) ([]byte, error) {
	s, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := s.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("sftp: cannot open %s: %w", remotePath, err)
	}
	defer f.Close() //nolint:errcheck
	return io.ReadAll(f)
}

// Upload copies a local file to the device.
func (c *Client) Upload(localPath, remotePath string) error {
	data, err := os.ReadFile(localPath) //nolint:gosec
	if err != nil {
		return err
	}
	c.logger.Printf("sftp upload %s -> %s:%s (%d bytes)", localPath, c.addr, remotePath, len(data))
	return c.WriteFile(remotePath, data)
}

// Download copies a file from the device to the local filesystem.
func (c *Client) Download(remotePath, localPath string) error {
	data, err := c.ReadFile(remotePath)
	if err != nil {
		return err
	}
	c.logger.Printf("sftp download %s:%s -> %s (%d bytes)", c.addr, remotePath, localPath, len(data))
	return os.WriteFile(localPath, data, 0o644) //nolint:gosec
}

// Remove deletes a file on the device.
func (c *Client) Remove(remotePath string) error {
	s, err := c.sftpClient()
	if err != nil {
		return err
	}
	return s.Remove(remotePath)
}

// Close ends the SFTP subsystem, if started, and the connection.
func (c *Client) Close() error {
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
	}
	errs = append(errs, c.conn.Close())
	return errors.Join(errs...)
}
