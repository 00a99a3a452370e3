package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"
)

// DefaultTool is the sync tool binary looked up on PATH.
const DefaultTool = "rclone"

// DefaultBackends is the remote preference order: the first configured one wins.
var DefaultBackends = []string{"gdrive", "onedrive"}

// DetectOptions configures Detect.
type DetectOptions struct {
	// Tool is the binary name or path. Default: "rclone".
	Tool string

	// Backends lists remote names in preference order.
	// Default: DefaultBackends.
	Backends []string

	// Root is the directory on the remote that holds the sync layout.
	// Default: "yuki-sync".
	Root string

	// Timeout bounds each tool invocation. Zero leaves timeouts to the tool.
	Timeout time.Duration
}

// Rclone is the Store implementation backed by the rclone CLI.
type Rclone struct {
	tool    string
	backend string
	root    string
	timeout time.Duration
}

// Detect verifies that the sync tool is installed and picks the configured
// backend. It returns ErrToolNotAvailable or ErrNoRemote when replication
// cannot run; callers treat both as "sync disabled for this process".
func Detect(ctx context.Context, opts DetectOptions) (*Rclone, error) {
	if opts.Tool == "" {
		opts.Tool = DefaultTool
	}
	if len(opts.Backends) == 0 {
		opts.Backends = DefaultBackends
	}
	if opts.Root == "" {
		opts.Root = "yuki-sync"
	}

	tool, err := exec.LookPath(opts.Tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrToolNotAvailable, opts.Tool, err)
	}

	output, err := ExecContext(ctx, opts.Timeout, tool, "listremotes")
	if err != nil {
		return nil, fmt.Errorf("%w: listremotes failed: %v", ErrNoRemote, err)
	}

	backend, ok := selectBackend(ParseLines(output), opts.Backends)
	if !ok {
		return nil, fmt.Errorf("%w: wanted one of %s", ErrNoRemote, strings.Join(opts.Backends, ", "))
	}

	return &Rclone{
		tool:    tool,
		backend: backend,
		root:    strings.Trim(opts.Root, "/"),
		timeout: opts.Timeout,
	}, nil
}

// selectBackend returns the first preferred name present in the
// `listremotes` output ("name:" per line).
func selectBackend(configured, preferred []string) (string, bool) {
	have := make(map[string]bool, len(configured))
	for _, line := range configured {
		have[strings.TrimSuffix(line, ":")] = true
	}
	for _, name := range preferred {
		if have[name] {
			return name, true
		}
	}
	return "", false
}

// Name implements Store.
func (r *Rclone) Name() string {
	return r.backend
}

// RemoteString implements Store: "<backend>:<root>/<path>".
func (r *Rclone) RemoteString(p string) string {
	return r.backend + ":" + path.Join(r.root, p)
}

// CopyTo implements Store.
func (r *Rclone) CopyTo(ctx context.Context, localPath, remotePath string) error {
	return r.run(ctx, "copyto", localPath, r.RemoteString(remotePath))
}

// CopyFrom implements Store.
func (r *Rclone) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	return r.run(ctx, "copyto", r.RemoteString(remotePath), localPath)
}

// CopyDirTo implements Store.
func (r *Rclone) CopyDirTo(ctx context.Context, localDir, remoteDir string) error {
	return r.run(ctx, "copy", localDir, r.RemoteString(remoteDir))
}

// CopyDirFrom implements Store.
func (r *Rclone) CopyDirFrom(ctx context.Context, remoteDir, localDir string) error {
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", localDir, err)
	}
	err := r.run(ctx, "copy", r.RemoteString(remoteDir), localDir)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Purge implements Store.
func (r *Rclone) Purge(ctx context.Context, remoteDir string) error {
	err := r.run(ctx, "purge", r.RemoteString(remoteDir))
	if IsNotFound(err) {
		return nil
	}
	return err
}

// run invokes the tool and classifies missing-path exits as ErrNotFound.
func (r *Rclone) run(ctx context.Context, args ...string) error {
	_, err := ExecContext(ctx, r.timeout, r.tool, args...)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("rclone %s: %w", args[0], errors.Join(ctxErr, err))
	}

	switch ExitCode(err) {
	case exitDirNotFound, exitFileNotFound:
		return fmt.Errorf("rclone %s: %w: %v", args[0], ErrNotFound, err)
	}
	return fmt.Errorf("rclone %s failed: %w", args[0], err)
}
