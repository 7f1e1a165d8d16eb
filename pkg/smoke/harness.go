package smoke

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	log "github.com/sirupsen/logrus"
)

// Harness drives the management CLI and checks volumes it creates.
type Harness struct {
	// CLI is the management command, e.g. "osdsctl".
	CLI string
	// exec runs argv and returns stdout and stderr.
	exec func(ctx context.Context, argv []string) (string, string, error)
}

func NewHarness(cli string) *Harness {
	return &Harness{CLI: cli, exec: execCommand}
}

func execCommand(ctx context.Context, argv []string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// RunCommand executes command and fails when anything is written to stderr.
func (h *Harness) RunCommand(ctx context.Context, command string) (string, error) {
	log.Infof("Command: %s", command)
	args, err := shlex.Split(command)
	if err != nil {
		return "", errors.Wrapf(err, "split command %q", command)
	}
	if len(args) == 0 {
		return "", errors.Errorf("empty command")
	}
	log.Debugf("Args: %q", args)

	stdout, stderr, err := h.exec(ctx, args)
	if stderr != "" {
		return stdout, errors.New(strings.TrimSpace(stderr))
	}
	if err != nil {
		return stdout, errors.Wrapf(err, "run %q", command)
	}
	log.Infof("Stdout: %s", stdout)
	return stdout, nil
}

func (h *Harness) cli(format string, args ...interface{}) string {
	return h.CLI + " " + fmt.Sprintf(format, args...)
}

// VolumeCreate creates a volume of sizeGB and returns its id.
func (h *Harness) VolumeCreate(ctx context.Context, name string, sizeGB int64) (string, error) {
	out, err := h.RunCommand(ctx, h.cli("volume create %d --name=%s", sizeGB, name))
	if err != nil {
		return "", err
	}
	return GetID(out)
}

// VolumeStatus returns the status column of "volume list --id".
func (h *Harness) VolumeStatus(ctx context.Context, id string) (string, error) {
	out, err := h.RunCommand(ctx, h.cli("volume list --id %s", id))
	if err != nil {
		return "", err
	}
	return GetStatus(out)
}

// CheckVolumeAvailable polls the volume status until it is available.
func (h *Harness) CheckVolumeAvailable(ctx context.Context, id string) error {
	status := RetryCheck(func() string {
		s, err := h.VolumeStatus(ctx, id)
		if err != nil {
			log.Warnf("CheckVolumeAvailable: get status of %s failed, err is: %s", id, err)
			return ""
		}
		return s
	})
	if status != StatusAvailable {
		return errors.Errorf("the volume status is: %s", status)
	}
	return nil
}

func (h *Harness) VolumeDelete(ctx context.Context, id string) error {
	_, err := h.RunCommand(ctx, h.cli("volume delete %s", id))
	return err
}
