package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
)

// Rclone runs `rclone copyurl` as the copy primitive
type Rclone struct {
	path       string
	configPath string
	logger     *zap.Logger
}

// NewRclone creates an rclone copier. An empty path means "rclone" on PATH.
func NewRclone(path, configPath string, logger *zap.Logger) *Rclone {
	if path == "" {
		path = "rclone"
	}
	return &Rclone{
		path:       path,
		configPath: configPath,
		logger:     logger,
	}
}

// Args builds the rclone command line for req
func (r *Rclone) Args(req Request) []string {
	var args []string
	if r.configPath != "" {
		args = append(args, "--config", r.configPath)
	}
	args = append(args, "copyurl", req.URL, req.Dest)
	if req.Retries > 0 {
		args = append(args, "--retries", strconv.Itoa(req.Retries))
	}
	if req.LowLevelRetries > 0 {
		args = append(args, "--low-level-retries", strconv.Itoa(req.LowLevelRetries))
	}
	if req.IgnoreExisting {
		args = append(args, "--ignore-existing")
	}
	if req.AutoFilename {
		args = append(args, "--auto-filename")
	}
	return args
}

// CopyURL runs rclone and captures its output
func (r *Rclone) CopyURL(ctx context.Context, req Request) (Result, error) {
	args := r.Args(req)
	r.logger.Debug("executing command", zap.String("cmd", r.path), zap.Strings("args", args))

	c := exec.CommandContext(ctx, r.path, args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to run %s: %w", r.path, err)
	}
	return res, nil
}
