// Package sandbox mounts generated file trees and spawns commands for a
// project workspace.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/internal/envelope"
)

// ErrExecDisabled is returned by Spawn when command execution is turned off.
var ErrExecDisabled = errors.New("command execution is disabled")

// Spec describes a command to spawn.
type Spec struct {
	ProjectID string
	Command   string
	Args      []string
	// Dir is relative to the project workspace. Empty means the workspace root.
	Dir string
	// Shell runs the command line through the platform shell.
	Shell bool
	Env   []string
}

// CommandLine renders the spec the way it is echoed to the console.
func (s Spec) CommandLine() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

// Process is a spawned command. Stdout and Stderr must be drained before
// Wait is called.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (int, error)
	Kill() error
}

// Runtime mounts file trees and spawns processes.
type Runtime interface {
	Mount(ctx context.Context, projectID string, tree envelope.FileTree) error
	Spawn(ctx context.Context, spec Spec) (Process, error)
	Workdir(projectID string) string
}

// Local runs commands on the host inside per-project directories under Root.
// Commands run with the server's privileges; only the process group is
// separated. NoExec keeps mounting but refuses every Spawn.
type Local struct {
	Root   string
	NoExec bool
}

// NewLocal creates a local runtime rooted at dir.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Local{Root: abs}, nil
}

// Workdir returns the workspace directory of a project.
func (l *Local) Workdir(projectID string) string {
	return filepath.Join(l.Root, filepath.Base(filepath.Clean("/"+projectID)))
}

// resolve joins a tree relative path onto the project workspace.
func (l *Local) resolve(projectID, rel string) (string, error) {
	base := l.Workdir(projectID)
	if rel == "" {
		return base, nil
	}
	clean, ok := envelope.CleanPath(rel)
	if !ok {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return filepath.Join(base, filepath.FromSlash(clean)), nil
}

// Mount writes every file of the tree into the project workspace. Existing
// files outside the tree are left in place.
func (l *Local) Mount(ctx context.Context, projectID string, tree envelope.FileTree) error {
	for _, f := range tree.Files() {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst, err := l.resolve(projectID, f.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dst, []byte(f.Contents), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	log.Debug().
		Str("projectId", projectID).
		Int("files", tree.Len()).
		Msg("Mounted file tree")
	return nil
}

// Spawn starts the command in its own process group.
func (l *Local) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if l.NoExec {
		return nil, ErrExecDisabled
	}
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}
	dir, err := l.resolve(spec.ProjectID, spec.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	var cmd *exec.Cmd
	switch {
	case spec.Shell && runtime.GOOS == "windows":
		cmd = exec.Command("cmd", "/C", spec.CommandLine())
	case spec.Shell:
		cmd = exec.Command("sh", "-c", spec.CommandLine())
	default:
		cmd = exec.Command(spec.Command, spec.Args...)
	}
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	return &localProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *localProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

// Wait returns the exit code. A process killed by a signal reports -1.
func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Kill terminates the whole process group.
func (p *localProcess) Kill() error {
	return killProcessGroup(p.cmd)
}
