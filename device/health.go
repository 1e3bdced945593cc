package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nasqa/dut-harness/framework/retry"
	"github.com/nasqa/dut-harness/settings"

	probing "github.com/prometheus-community/pro-bing"
)

// Pinger sends one probe to a host and reports whether it answered.
type Pinger interface {
	Ping(ctx context.Context, host string) (bool, error)
}

// ICMPPinger is a Pinger that sends ICMP echo requests. Unprivileged mode uses UDP ping
// sockets, which on Linux requires net.ipv4.ping_group_range to include the current group.
type ICMPPinger struct {
	Privileged bool
	// Timeout bounds one probe. Default 2s.
	Timeout time.Duration
}

func (p ICMPPinger) Ping(ctx context.Context, host string) (bool, error) {
	pr, err := probing.NewPinger(host)
	if err != nil {
		// An unresolvable name is reported as "no answer": during a reboot the device's DNS
		// entry can briefly disappear.
		return false, nil //nolint:nilerr
	}
	pr.Count = 1
	pr.Timeout = p.Timeout
	if pr.Timeout == 0 {
		pr.Timeout = 2 * time.Second
	}
	pr.RecordRtts = false
	pr.SetPrivileged(p.Privileged)
	pr.SetLogger(nil)
	if err := pr.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("pinging host %q: %w", host, err)
	}
	return pr.Statistics().PacketsRecv > 0, nil
}

func (s *Session) pollOptions(name string, timeout time.Duration) []retry.Option {
	interval := s.env.DurationOr(settings.KeyPingInterval, 5*time.Second)
	if interval <= 0 {
		interval = time.Second
	}
	return []retry.Option{
		retry.Name(name),
		retry.Delay(interval),
		retry.MaxRetry(int(timeout / interval)),
		retry.Logger(s.config.logger),
	}
}

func (s *Session) ping(ctx context.Context, want bool) error {
	host := s.IP()
	if host == "" {
		return fmt.Errorf("cannot ping device: %s is not set", settings.KeyDeviceIP)
	}
	timeout := s.env.DurationOr(settings.KeyPingTimeout, 5*time.Minute)
	name := "ping " + host
	if !want {
		name = "wait for " + host + " to stop answering ping"
	}
	return retry.Poll(ctx, func(ctx context.Context) (bool, error) {
		up, err := s.config.pinger.Ping(ctx, host)
		if err != nil {
			return false, retry.Abort(err)
		}
		return up == want, nil
	}, s.pollOptions(name, timeout)...)
}

// WaitForPing waits until the device answers ping, for at most the ping.timeout setting.
func (s *Session) WaitForPing(ctx context.Context) error {
	return s.ping(ctx, true)
}

// WaitForPingLost waits until the device stops answering ping.
func (s *Session) WaitForPingLost(ctx context.Context) error {
	return s.ping(ctx, false)
}

// ErrRebootNotObserved is returned by WaitForReboot if the device never went down.
var ErrRebootNotObserved = errors.New("device did not go down")

// WaitForReboot waits for a reboot the caller has already triggered: first for the device to
// stop answering ping, then for it to answer again. The whole wait is bounded by the
// reboot.timeout setting. Every open client is closed, since the reboot killed its connection;
// the next accessor call reconnects.
func (s *Session) WaitForReboot(ctx context.Context) error {
	timeout := s.env.DurationOr(settings.KeyRebootTimeout, 10*time.Minute)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := s.WaitForPingLost(ctx); err != nil {
		if errors.Is(err, retry.ErrNotReady) {
			return fmt.Errorf("%w: %s", ErrRebootNotObserved, err)
		}
		return err
	}
	s.config.logger.Printf("Device %s went down after %s", s.ID(), time.Since(start).Round(time.Second))
	_ = s.Reset()
	if err := s.WaitForPing(ctx); err != nil {
		return fmt.Errorf("device did not come back after reboot: %w", err)
	}
	s.config.logger.Printf("Device %s is back after %s", s.ID(), time.Since(start).Round(time.Second))
	return nil
}
