package probe

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// Prefix marks the version line in rxdebug output.
const Prefix = "AFS version:"

var (
	// ErrUnavailable means the probing mechanism itself is missing. It is fatal
	// for a scan, unlike a single unreachable endpoint.
	ErrUnavailable = errors.New("probe mechanism unavailable")
	// ErrNoVersion means the endpoint answered without a version line.
	ErrNoVersion = errors.New("no version in reply")
)

// Outcome is the result of one probe: either a version string (OK) or
// unreachable, with Err describing why.
type Outcome struct {
	Version string
	OK      bool
	Err     error
}

// Reply builds a successful outcome.
func Reply(version string) Outcome { return Outcome{Version: version, OK: true} }

// Unreachable builds a failed outcome.
func Unreachable(err error) Outcome { return Outcome{Err: err} }

// Prober queries the version of the service listening at address:port.
// Implementations must be safe for concurrent use and must honour ctx.
// Failures are reported through the Outcome, never as a panic or hang.
type Prober interface {
	Probe(ctx context.Context, address string, port int) Outcome
}

// Checker is implemented by probers that can verify their mechanism is
// usable before a scan dispatches any work.
type Checker interface {
	Check() error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, address string, port int) Outcome

func (f ProberFunc) Probe(ctx context.Context, address string, port int) Outcome {
	return f(ctx, address, port)
}

// Disabled returns a prober whose Check always fails with err. It stands in
// for a mechanism that could not be set up so that a scan fails before any
// probe is dispatched.
func Disabled(err error) Prober { return disabled{err: err} }

type disabled struct{ err error }

func (d disabled) Check() error { return d.err }

func (d disabled) Probe(context.Context, string, int) Outcome { return Unreachable(d.err) }

// ParseVersion scans r for the first line starting with Prefix and returns
// the rest of that line with surrounding whitespace removed.
func ParseVersion(r io.Reader) (string, bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, Prefix) {
			continue
		}
		if v := strings.TrimSpace(strings.TrimPrefix(line, Prefix)); v != "" {
			return v, true
		}
	}
	return "", false
}
