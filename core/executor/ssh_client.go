package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"workflow-orchestrator/core/models"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHClient implements RemoteAccess over a single reused SSH connection
type SSHClient struct {
	conn   models.Connection
	config *ssh.ClientConfig
	log    *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHClient creates a new SSH client. An empty knownHostsFile disables host key checking.
func NewSSHClient(conn models.Connection, privateKey []byte, knownHostsFile string, timeout time.Duration, log *zap.Logger) (*SSHClient, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if knownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SSHClient{
		conn: conn,
		config: &ssh.ClientConfig{
			User:            conn.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
		log: log.With(zap.String("host", conn.String())),
	}, nil
}

// NewSSHClientFromConnection loads the connection's identity file
func NewSSHClientFromConnection(conn models.Connection, knownHostsFile string, timeout time.Duration, log *zap.Logger) (*SSHClient, error) {
	if conn.IdentityFile == "" {
		return nil, fmt.Errorf("connection %s has no identity file", conn.String())
	}
	key, err := os.ReadFile(conn.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	return NewSSHClient(conn, key, knownHostsFile, timeout, log)
}

func (sc *SSHClient) dial(ctx context.Context) (*ssh.Client, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.client != nil {
		return sc.client, nil
	}

	addr := sc.conn.Address()
	d := net.Dialer{Timeout: sc.config.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sc.config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sc.client = ssh.NewClient(c, chans, reqs)
	sc.log.Debug("SSH connection established")
	return sc.client, nil
}

// drop forgets a broken client so the next call redials
func (sc *SSHClient) drop(client *ssh.Client) {
	sc.mu.Lock()
	if sc.client == client {
		sc.client = nil
	}
	sc.mu.Unlock()
	client.Close()
}

func (sc *SSHClient) session(ctx context.Context) (*ssh.Session, error) {
	for attempt := 0; ; attempt++ {
		client, err := sc.dial(ctx)
		if err != nil {
			return nil, err
		}
		sess, err := client.NewSession()
		if err == nil {
			return sess, nil
		}
		sc.drop(client)
		if attempt > 0 {
			return nil, fmt.Errorf("failed to open ssh session: %w", err)
		}
	}
}

// run executes command, stopping it when ctx ends
func (sc *SSHClient) run(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) error {
	sess, err := sc.session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(command); err != nil {
		return fmt.Errorf("failed to start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return ctx.Err()
	}
}

// UploadFile streams localPath to remotePath, creating the parent directory
func (sc *SSHClient) UploadFile(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransfer, err)
	}
	defer f.Close()

	var stderr bytes.Buffer
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(path.Dir(remotePath)), shellQuote(remotePath))
	if err := sc.run(ctx, cmd, f, io.Discard, &stderr); err != nil {
		return fmt.Errorf("%w: upload %s -> %s: %v %s", models.ErrTransfer, localPath, remotePath, err, bytes.TrimSpace(stderr.Bytes()))
	}
	sc.log.Debug("Uploaded file", zap.String("local", localPath), zap.String("remote", remotePath))
	return nil
}

// DownloadFile copies remotePath into localPath through a temp file renamed into place
func (sc *SSHClient) DownloadFile(ctx context.Context, remotePath, localPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrTransfer, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrTransfer, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	counter := &countingWriter{w: tmp}
	var stderr bytes.Buffer
	runErr := sc.run(ctx, "cat "+shellQuote(remotePath), nil, counter, &stderr)
	closeErr := tmp.Close()
	if runErr != nil {
		return 0, fmt.Errorf("%w: download %s: %v %s", models.ErrTransfer, remotePath, runErr, bytes.TrimSpace(stderr.Bytes()))
	}
	if closeErr != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrTransfer, closeErr)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrTransfer, err)
	}
	return counter.n, nil
}

// ExecRemoteCommand runs command with its own timeout
func (sc *SSHClient) ExecRemoteCommand(ctx context.Context, command string, timeout time.Duration) (string, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	err := sc.run(ctx, command, nil, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

// FileExists reports whether remotePath is a regular file
func (sc *SSHClient) FileExists(ctx context.Context, remotePath string) (bool, error) {
	err := sc.run(ctx, "test -f "+shellQuote(remotePath), nil, io.Discard, io.Discard)
	if err == nil {
		return true, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// Close closes the underlying connection
func (sc *SSHClient) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.client == nil {
		return nil
	}
	err := sc.client.Close()
	sc.client = nil
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
