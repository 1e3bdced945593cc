package device

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nasqa/dut-harness/settings"

	"github.com/hashicorp/go-version"
)

// UnsupportedFirmwareError is returned by RequireFirmwareAtLeast when the device runs an older
// firmware than a case needs.
type UnsupportedFirmwareError struct {
	Have *version.Version
	Want *version.Version
}

func (e *UnsupportedFirmwareError) Error() string {
	return fmt.Sprintf("firmware %s is older than the required %s", e.Have, e.Want)
}

var buildSuffix = regexp.MustCompile(`^(\d+(?:\.\d+)*)-(\d+)$`)

// ParseFirmwareVersion parses a firmware version string. Device firmware is numbered like
// "5.2.1-123", where the part after the dash is a build number rather than a pre-release tag,
// so it is treated as a fourth version segment. A leading "v" or trailing whitespace is ignored.
func ParseFirmwareVersion(s string) (*version.Version, error) {
	s = strings.TrimSpace(s)
	if m := buildSuffix.FindStringSubmatch(strings.TrimPrefix(s, "v")); m != nil {
		v, err := version.NewVersion(m[1] + "." + m[2])
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	v, err := version.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("invalid firmware version %q: %w", s, err)
	}
	return v, nil
}

// FirmwareVersion returns the device's firmware version. It uses the device.firmware setting if
// present; otherwise it asks the device over SSH, and then over REST, whichever is enabled.
func (s *Session) FirmwareVersion(ctx context.Context) (*version.Version, error) {
	if fw := s.env.String(settings.KeyDeviceFirmware); fw != "" {
		return ParseFirmwareVersion(fw)
	}
	var errs []error
	if ssh, err := s.SSH(ctx); err == nil {
		out, err := ssh.Output(ctx, s.env.String(settings.KeySSHVersionCommand))
		if err == nil {
			return ParseFirmwareVersion(out)
		}
		errs = append(errs, err)
	} else if !errors.Is(err, ErrClientDisabled) {
		errs = append(errs, err)
	}
	if rest, err := s.REST(ctx); err == nil {
		result, err := rest.Get(ctx, s.env.String(settings.KeyRESTFirmwarePath))
		if err == nil {
			field := s.env.String(settings.KeyRESTFirmwareField)
			if fw := result.Get(field); fw.Exists() {
				return ParseFirmwareVersion(fw.String())
			}
			err = fmt.Errorf("firmware response has no %q field", field)
		}
		errs = append(errs, err)
	} else if !errors.Is(err, ErrClientDisabled) {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("cannot determine firmware version: set device.firmware or enable ssh or rest")
	}
	return nil, fmt.Errorf("cannot determine firmware version: %w", errors.Join(errs...))
}

// RequireFirmwareAtLeast returns an *UnsupportedFirmwareError if the device firmware is older
// than minimum.
func (s *Session) RequireFirmwareAtLeast(ctx context.Context, minimum string) error {
	want, err := ParseFirmwareVersion(minimum)
	if err != nil {
		return err
	}
	have, err := s.FirmwareVersion(ctx)
	if err != nil {
		return err
	}
	if have.LessThan(want) {
		return &UnsupportedFirmwareError{Have: have, Want: want}
	}
	return nil
}
