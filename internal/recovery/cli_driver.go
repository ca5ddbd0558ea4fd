package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// CLIDriver restarts containers by shelling out to the docker CLI. This is
// the default driver; it needs nothing beyond a docker binary on PATH.
type CLIDriver struct{}

// NewCLIDriver returns a docker-CLI restart driver.
func NewCLIDriver() *CLIDriver {
	return &CLIDriver{}
}

// Restart runs `docker restart --time <timeout> <container>`. The command
// itself is bounded a little past the docker stop timeout so a wedged
// daemon cannot hang the caller.
func (d *CLIDriver) Restart(ctx context.Context, container string, timeout time.Duration) error {
	stopSeconds := int(timeout.Seconds())
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "restart", "--time", strconv.Itoa(stopSeconds), container)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("docker restart %s: timeout expired", container)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("docker restart %s: exit %d: %s", container, exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("docker restart %s: docker CLI not found", container)
	}
	return fmt.Errorf("docker restart %s: %w", container, err)
}
