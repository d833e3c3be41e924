package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Local runs tasks as shell commands on the machine the engine runs on.
// Each task executes through a launcher script written into the scratch
// directory's metadata subdir, with workflow:// references in the command
// rewritten to the staged-in input paths.
type Local struct {
	log    logrus.FieldLogger
	remote *SSHConfig
}

type LocalOption func(*Local)

// WithRemoteAuth supplies the credentials Local uses to pull inputs down from
// remote producers over ssh. The Host of the supplied config is ignored; the
// producer's handle names the host to dial.
func WithRemoteAuth(cfg SSHConfig) LocalOption {
	return func(l *Local) { l.remote = &cfg }
}

func NewLocal(logger logrus.FieldLogger, opts ...LocalOption) *Local {
	l := &Local{log: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Host() string { return "" }

func (l *Local) Prepare(ctx context.Context, task *models.Task) error {
	if task.WorkingDir == "" {
		return errors.Errorf("task %q has no working directory", task.ID)
	}
	return os.MkdirAll(filepath.Join(task.WorkingDir, MetaDir, "inputs"), 0o755)
}

// inputPath is where a staged-in reference lands inside the consumer scratch
// dir, keyed by producer so two producers can export the same relative path.
func inputPath(task *models.Task, ref models.DataRef) string {
	return filepath.Join(task.WorkingDir, MetaDir, "inputs", ref.TaskID, filepath.FromSlash(ref.Path))
}

func (l *Local) Execute(ctx context.Context, task *models.Task) (Result, error) {
	command := task.Command
	for _, ref := range task.Inputs {
		if ref.Opaque {
			continue
		}
		command = replaceRef(command, ref, inputPath(task, ref))
	}

	script := fmt.Sprintf("#!/bin/bash\nset -o pipefail\ncd %q\n%s\n", task.WorkingDir, command)
	scriptPath := filepath.Join(task.WorkingDir, MetaDir, "launcher.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return Result{}, errors.Wrap(err, "write launcher script")
	}

	l.log.Debugf("task %s: running launcher %s", task.ID, scriptPath)
	var stdout, stderr strings.Builder
	cmd := exec.CommandContext(ctx, "bash", scriptPath)
	cmd.Dir = task.WorkingDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, errors.Wrapf(err, "run task %q", task.ID)
	}
	return res, nil
}

func (l *Local) ExportOutput(ctx context.Context, task *models.Task, path string) (TransferHandle, error) {
	abs := filepath.Join(task.WorkingDir, filepath.FromSlash(path))
	if _, err := os.Stat(abs); err != nil {
		return TransferHandle{}, errors.Wrapf(err, "output %q of task %q", path, task.ID)
	}
	return TransferHandle{Mechanism: MechanismLink, Path: abs}, nil
}

func (l *Local) ImportInput(ctx context.Context, task *models.Task, ref models.DataRef, handle TransferHandle) error {
	if handle.Host != "" {
		return l.importRemote(ctx, task, ref, handle)
	}
	dest := inputPath(task, ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	if handle.Mechanism == MechanismLink {
		if err := os.Link(handle.Path, dest); err == nil {
			return nil
		}
		// Hard link fails across filesystems; fall back to a copy.
		l.log.Debugf("task %s: link %s failed, copying", task.ID, handle.Path)
	}
	return copyFile(handle.Path, dest)
}

// importRemote pulls a remote producer's output down over ssh, the mirror of
// SSH.ImportInput's local-producer path.
func (l *Local) importRemote(ctx context.Context, task *models.Task, ref models.DataRef, handle TransferHandle) error {
	if l.remote == nil {
		return errors.Errorf("local backend has no remote access configured for host %q", handle.Host)
	}
	peer := NewSSH(SSHConfig{
		Host: handle.Host, Port: l.remote.Port, User: l.remote.User, KeyPath: l.remote.KeyPath,
		DialRetries: l.remote.DialRetries, RetryInterval: l.remote.RetryInterval,
	}, l.log)
	res, err := peer.run(ctx, fmt.Sprintf("cat %q", handle.Path), nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.Errorf("read %s on %s: %s", handle.Path, handle.Host, res.Stderr)
	}
	dest := inputPath(task, ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(res.Stdout), 0o644)
}

func (l *Local) Cleanup(ctx context.Context, task *models.Task) error {
	return nil
}

// replaceRef rewrites a workflow:// reference in a command to the concrete
// path the reference was staged to.
func replaceRef(command string, ref models.DataRef, path string) string {
	return strings.ReplaceAll(command, ref.String(), path)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
