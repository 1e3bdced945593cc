// Package device holds the session a test case uses to talk to the device under test.
//
// A Session is built from a resolved settings.Environment and constructs its clients lazily:
// the ADB, SSH, serial console, and REST clients are only created (and only connect) the first
// time a case asks for them, and only if the corresponding "<client>.enabled" setting is true.
// Closing the session tears the clients down in the reverse of the order they were created.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nasqa/dut-harness/device/adb"
	"github.com/nasqa/dut-harness/device/restapi"
	"github.com/nasqa/dut-harness/device/serialconsole"
	"github.com/nasqa/dut-harness/device/sshclient"
	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/helpers"
	"github.com/nasqa/dut-harness/settings"
)

// ErrClientDisabled is returned by a client accessor when the client's "enabled" setting is
// false.
var ErrClientDisabled = errors.New("client is disabled in settings")

// ErrSessionClosed is returned by a client accessor after Close.
var ErrSessionClosed = errors.New("device session is closed")

// Dialers construct the clients. Each field may be nil, in which case the default constructor
// for that client is used. Tests replace them to avoid real devices.
type Dialers struct {
	ADB    func(ctx context.Context, env *settings.Environment, logger framework.Logger) (*adb.Client, error)
	SSH    func(ctx context.Context, env *settings.Environment, logger framework.Logger) (*sshclient.Client, error)
	Serial func(ctx context.Context, env *settings.Environment, logger framework.Logger) (*serialconsole.Console, error)
	REST   func(ctx context.Context, env *settings.Environment, logger framework.Logger) (*restapi.Client, error)
}

type sessionConfig struct {
	dialers Dialers
	logger  framework.Logger
	pinger  Pinger
}

// Option customizes a Session.
type Option helpers.ConfigOption[sessionConfig]

// WithDialers replaces some or all of the client constructors.
func WithDialers(d Dialers) Option {
	return helpers.ConfigOptionFunc[sessionConfig](func(c *sessionConfig) error {
		c.dialers = d
		return nil
	})
}

// WithLogger sets the logger passed to every client.
func WithLogger(logger framework.Logger) Option {
	return helpers.ConfigOptionFunc[sessionConfig](func(c *sessionConfig) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	})
}

// WithPinger replaces the ICMP pinger used by WaitForPing and WaitForReboot.
func WithPinger(p Pinger) Option {
	return helpers.ConfigOptionFunc[sessionConfig](func(c *sessionConfig) error {
		c.pinger = p
		return nil
	})
}

type openClient struct {
	name  string
	close func() error
}

// Session is the logical connection to one device for the duration of a test case. It is safe
// for concurrent use.
type Session struct {
	env    *settings.Environment
	config sessionConfig

	lock   sync.Mutex
	closed bool
	adb    *adb.Client
	ssh    *sshclient.Client
	serial *serialconsole.Console
	rest   *restapi.Client
	opened []openClient
}

// NewSession creates a Session. It does not contact the device.
func NewSession(env *settings.Environment, options ...Option) (*Session, error) {
	if env == nil {
		return nil, errors.New("device session requires a settings environment")
	}
	s := &Session{env: env, config: sessionConfig{logger: framework.NullLogger()}}
	if err := helpers.ApplyOptions(&s.config, options...); err != nil {
		return nil, err
	}
	if s.config.pinger == nil {
		s.config.pinger = ICMPPinger{Privileged: env.Bool(settings.KeyPingPrivileged)}
	}
	return s, nil
}

// Env returns the environment the session was built from.
func (s *Session) Env() *settings.Environment { return s.env }

// IP returns the device address.
func (s *Session) IP() string { return s.env.String(settings.KeyDeviceIP) }

// ID returns the device identifier, falling back to the address.
func (s *Session) ID() string {
	if id := s.env.String(settings.KeyDeviceID); id != "" {
		return id
	}
	return s.IP()
}

// Product returns the product line setting, e.g. "kdp" or "godzilla".
func (s *Session) Product() string { return s.env.String(settings.KeyDeviceProduct) }

func (s *Session) check(name, enabledKey string) error {
	if s.closed {
		return ErrSessionClosed
	}
	if !s.env.Bool(enabledKey) {
		return fmt.Errorf("%s: %w", name, ErrClientDisabled)
	}
	return nil
}

func (s *Session) track(name string, closer func() error) {
	s.opened = append(s.opened, openClient{name: name, close: closer})
	s.config.logger.Printf("Opened %s client for device %s", name, s.ID())
}

// ADB returns the ADB client, connecting it on first use. A failed connection is not
// remembered; the next call tries again.
func (s *Session) ADB(ctx context.Context) (*adb.Client, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.check("adb", settings.KeyADBEnabled); err != nil {
		return nil, err
	}
	if s.adb == nil {
		dial := s.config.dialers.ADB
		if dial == nil {
			dial = DialADB
		}
		c, err := dial(ctx, s.env, s.config.logger)
		if err != nil {
			return nil, err
		}
		s.adb = c
		s.track("adb", c.Close)
	}
	return s.adb, nil
}

// SSH returns the SSH client, connecting it on first use.
func (s *Session) SSH(ctx context.Context) (*sshclient.Client, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.check("ssh", settings.KeySSHEnabled); err != nil {
		return nil, err
	}
	if s.ssh == nil {
		dial := s.config.dialers.SSH
		if dial == nil {
			dial = DialSSH
		}
		c, err := dial(ctx, s.env, s.config.logger)
		if err != nil {
			return nil, err
		}
		s.ssh = c
		s.track("ssh", c.Close)
	}
	return s.ssh, nil
}

// Serial returns the serial console, opening it on first use.
func (s *Session) Serial(ctx context.Context) (*serialconsole.Console, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.check("serial", settings.KeySerialEnabled); err != nil {
		return nil, err
	}
	if s.serial == nil {
		dial := s.config.dialers.Serial
		if dial == nil {
			dial = DialSerial
		}
		c, err := dial(ctx, s.env, s.config.logger)
		if err != nil {
			return nil, err
		}
		s.serial = c
		s.track("serial", c.Close)
	}
	return s.serial, nil
}

// REST returns the REST client, creating it on first use. The client logs in on its first
// request, not here.
func (s *Session) REST(ctx context.Context) (*restapi.Client, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.check("rest", settings.KeyRESTEnabled); err != nil {
		return nil, err
	}
	if s.rest == nil {
		dial := s.config.dialers.REST
		if dial == nil {
			dial = DialREST
		}
		c, err := dial(ctx, s.env, s.config.logger)
		if err != nil {
			return nil, err
		}
		s.rest = c
		s.track("rest", c.Close)
	}
	return s.rest, nil
}

// Opened returns the names of the clients constructed so far, in creation order.
func (s *Session) Opened() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	ret := make([]string, 0, len(s.opened))
	for _, o := range s.opened {
		ret = append(ret, o.name)
	}
	return ret
}

// Reset closes every open client but leaves the session usable; the next accessor call
// constructs a fresh client. This is needed after the device reboots, since every connection
// to it is then dead.
func (s *Session) Reset() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closeClients()
}

// Close closes every open client in reverse creation order. Errors from individual clients are
// joined. Calling Close more than once is harmless.
func (s *Session) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return s.closeClients()
}

func (s *Session) closeClients() error {
	var errs []error
	for i := len(s.opened) - 1; i >= 0; i-- {
		o := s.opened[i]
		s.config.logger.Printf("Closing %s client for device %s", o.name, s.ID())
		if err := o.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s client: %w", o.name, err))
		}
	}
	s.opened = nil
	s.adb, s.ssh, s.serial, s.rest = nil, nil, nil, nil
	return errors.Join(errs...)
}
