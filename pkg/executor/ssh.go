package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// SSHConfig holds the connection parameters for a remote execution host.
type SSHConfig struct {
	Host          string
	Port          int
	User          string
	KeyPath       string
	DialRetries   int           // extra dial attempts on failure
	RetryInterval time.Duration // base interval for linear backoff between attempts
}

// SSH runs tasks on a remote host over a secure shell connection. Import and
// export stream file contents through the session rather than requiring any
// transfer tooling on the remote side.
type SSH struct {
	cfg SSHConfig
	log logrus.FieldLogger
}

func NewSSH(cfg SSHConfig, logger logrus.FieldLogger) *SSH {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &SSH{cfg: cfg, log: logger}
}

func (s *SSH) Host() string { return s.cfg.Host }

func (s *SSH) dial(ctx context.Context) (*ssh.Client, error) {
	key, err := os.ReadFile(s.cfg.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read ssh key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse ssh key")
	}
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var client *ssh.Client
	for attempt := 0; ; attempt++ {
		client, err = ssh.Dial("tcp", addr, clientCfg)
		if err == nil {
			return client, nil
		}
		if attempt >= s.cfg.DialRetries {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		// Linear backoff: the remote host may still be coming up.
		wait := time.Duration(attempt+1) * s.cfg.RetryInterval
		s.log.Infof("dial %s failed (attempt %d), retrying in %s: %v", addr, attempt+1, wait, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *SSH) run(ctx context.Context, command string, stdin []byte) (Result, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, errors.Wrap(err, "open ssh session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, errors.Wrapf(err, "run on %s", s.cfg.Host)
	}
	return res, nil
}

func (s *SSH) Prepare(ctx context.Context, task *models.Task) error {
	if task.WorkingDir == "" {
		return errors.Errorf("task %q has no working directory", task.ID)
	}
	res, err := s.run(ctx, fmt.Sprintf("mkdir -p %q", path.Join(task.WorkingDir, MetaDir, "inputs")), nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.Errorf("create scratch directory on %s: %s", s.cfg.Host, res.Stderr)
	}
	return nil
}

func (s *SSH) Execute(ctx context.Context, task *models.Task) (Result, error) {
	command := task.Command
	for _, ref := range task.Inputs {
		if ref.Opaque {
			continue
		}
		command = replaceRef(command, ref, remoteInputPath(task, ref))
	}
	script := fmt.Sprintf("#!/bin/bash\nset -o pipefail\ncd %q\n%s\n", task.WorkingDir, command)
	scriptPath := path.Join(task.WorkingDir, MetaDir, "launcher.sh")

	res, err := s.run(ctx, fmt.Sprintf("cat > %q && chmod +x %q", scriptPath, scriptPath), []byte(script))
	if err != nil {
		return Result{}, err
	}
	if res.ExitCode != 0 {
		return res, errors.Errorf("write launcher on %s: %s", s.cfg.Host, res.Stderr)
	}
	return s.run(ctx, fmt.Sprintf("bash %q", scriptPath), nil)
}

func (s *SSH) ExportOutput(ctx context.Context, task *models.Task, p string) (TransferHandle, error) {
	abs := path.Join(task.WorkingDir, p)
	res, err := s.run(ctx, fmt.Sprintf("test -e %q", abs), nil)
	if err != nil {
		return TransferHandle{}, err
	}
	if res.ExitCode != 0 {
		return TransferHandle{}, errors.Errorf("output %q of task %q missing on %s", p, task.ID, s.cfg.Host)
	}
	return TransferHandle{Mechanism: MechanismSecureCopy, Host: s.cfg.Host, Path: abs}, nil
}

func (s *SSH) ImportInput(ctx context.Context, task *models.Task, ref models.DataRef, handle TransferHandle) error {
	dest := remoteInputPath(task, ref)
	mkdir := fmt.Sprintf("mkdir -p %q && ", path.Dir(dest))

	var content []byte
	switch {
	case handle.Host == "" || handle.Host == s.cfg.Host:
		// Producer data already reachable from this host.
		if handle.Host == s.cfg.Host {
			res, err := s.run(ctx, mkdir+fmt.Sprintf("cp %q %q", handle.Path, dest), nil)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return errors.Errorf("copy %s on %s: %s", handle.Path, s.cfg.Host, res.Stderr)
			}
			return nil
		}
		local, err := os.ReadFile(handle.Path)
		if err != nil {
			return errors.Wrapf(err, "read local output %s", handle.Path)
		}
		content = local
	default:
		// Producer lives on a third host; stream the file through the engine.
		peer := NewSSH(SSHConfig{
			Host: handle.Host, Port: s.cfg.Port, User: s.cfg.User, KeyPath: s.cfg.KeyPath,
			DialRetries: s.cfg.DialRetries, RetryInterval: s.cfg.RetryInterval,
		}, s.log)
		res, err := peer.run(ctx, fmt.Sprintf("cat %q", handle.Path), nil)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return errors.Errorf("read %s on %s: %s", handle.Path, handle.Host, res.Stderr)
		}
		content = []byte(res.Stdout)
	}

	res, err := s.run(ctx, mkdir+fmt.Sprintf("cat > %q", dest), content)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.Errorf("write %s on %s: %s", dest, s.cfg.Host, res.Stderr)
	}
	return nil
}

func (s *SSH) Cleanup(ctx context.Context, task *models.Task) error {
	return nil
}

func remoteInputPath(task *models.Task, ref models.DataRef) string {
	return path.Join(task.WorkingDir, MetaDir, "inputs", ref.TaskID, ref.Path)
}
