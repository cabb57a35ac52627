package resource_manager

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"go.uber.org/zap"
)

// SSHForwarder runs `ssh -N -L` as the forwarding process
type SSHForwarder struct {
	binary string
	log    *zap.Logger
}

// NewSSHForwarder creates a forwarder using the given ssh binary ("ssh" when empty)
func NewSSHForwarder(binary string, log *zap.Logger) *SSHForwarder {
	if binary == "" {
		binary = "ssh"
	}
	return &SSHForwarder{binary: binary, log: log}
}

func (f *SSHForwarder) args(target Target, localPort int) []string {
	port := target.Port
	if port == 0 {
		port = 22
	}
	args := []string{
		"-N",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ServerAliveInterval=30",
		"-L", fmt.Sprintf("%d:localhost:%d", localPort, target.RemotePort),
		"-p", strconv.Itoa(port),
	}
	if target.IdentityFile != "" {
		args = append(args, "-i", target.IdentityFile)
	}
	dest := target.Host
	if target.User != "" {
		dest = target.User + "@" + target.Host
	}
	return append(args, dest)
}

// Start launches the forwarder. The process is not bound to ctx: a tunnel outlives the request that opened it.
func (f *SSHForwarder) Start(ctx context.Context, target Target, localPort int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(f.binary, f.args(target, localPort)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", f.binary, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
		f.log.Debug("Forwarder exited",
			zap.String("tunnel", target.Key()),
			zap.Int("pid", cmd.Process.Pid),
			zap.NamedError("exit", p.err))
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}
