package probe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// DefaultProgram is the OpenAFS debugging tool used to query versions.
const DefaultProgram = "rxdebug"

// Rxdebug probes by running `rxdebug <address> <port> -version`.
type Rxdebug struct {
	Path string
}

var (
	_ Prober  = (*Rxdebug)(nil)
	_ Checker = (*Rxdebug)(nil)
)

// NewRxdebug resolves program (a name looked up in PATH, or a path).
// It returns ErrUnavailable when the program cannot be found.
func NewRxdebug(program string) (*Rxdebug, error) {
	if program == "" {
		program = DefaultProgram
	}
	path, err := exec.LookPath(program)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to find %s: %v", ErrUnavailable, program, err)
	}
	return &Rxdebug{Path: path}, nil
}

// Check verifies the resolved program still exists.
func (r *Rxdebug) Check() error {
	if r.Path == "" {
		return fmt.Errorf("%w: rxdebug path not set", ErrUnavailable)
	}
	if _, err := os.Stat(r.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Rxdebug) Probe(ctx context.Context, address string, port int) Outcome {
	// #nosec G204 -- arguments come from the inventory, no shell involved
	cmd := exec.CommandContext(ctx, r.Path, address, strconv.Itoa(port), "-version")
	// do not wait forever on pipes held open by a stuck child
	cmd.WaitDelay = time.Second
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Unreachable(ctx.Err())
		}
		return Unreachable(err)
	}
	v, ok := ParseVersion(&stdout)
	if !ok {
		return Unreachable(ErrNoVersion)
	}
	return Reply(v)
}
