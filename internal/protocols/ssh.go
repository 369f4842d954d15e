package protocols

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/nmslite/collector/internal/connector"
)

const (
	defaultSSHTimeout  = 30 * time.Second
	defaultStepTimeout = 10 * time.Second
	promptQuietPeriod  = 500 * time.Millisecond
)

type sshClient struct {
	logger zerolog.Logger
}

// NewSSHClient returns an SSHClient backed by golang.org/x/crypto/ssh.
func NewSSHClient(logger zerolog.Logger) SSHClient {
	return &sshClient{logger: logger.With().Str("component", "ssh_client").Logger()}
}

// dial opens an SSH connection with password or key auth.
func (c *sshClient) dial(ctx context.Context, hostname string, cfg *SSHConfig, port int) (*ssh.Client, error) {
	if cfg == nil {
		return nil, ErrProtocolNotConfigured
	}
	if port <= 0 {
		port = GetRegistry().MustProtocol(ProtocolSSH).Port(cfg.Port, false)
	}
	address := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))

	var authMethods []ssh.AuthMethod
	if cfg.Password != "" {
		authMethods = append(authMethods, ssh.Password(cfg.Password))
	}
	if cfg.PrivateKey != "" {
		var (
			key ssh.Signer
			err error
		)
		if cfg.Passphrase != "" {
			key, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cfg.PrivateKey), []byte(cfg.Passphrase))
		} else {
			key, err = ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(key))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("%w: no authentication method provided (password or private_key required)", ErrAuthentication)
	}

	timeout := Seconds(cfg.TimeoutSeconds, defaultSSHTimeout)
	config := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("SSH connection failed: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (c *sshClient) RunCommand(ctx context.Context, hostname string, cfg *SSHConfig, command string, timeout time.Duration) (string, error) {
	client, err := c.dial(ctx, hostname, cfg, 0)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	if timeout <= 0 {
		timeout = Seconds(cfg.TimeoutSeconds, defaultSSHTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		return "", fmt.Errorf("command timed out after %v: %w", timeout, ctx.Err())
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) && stdout.Len() > 0 {
			// Many tools exit non-zero after printing usable output.
			c.logger.Debug().Str("hostname", hostname).Int("exit_code", exitErr.ExitStatus()).Msg("Command exited with non-zero status")
			return stdout.String(), nil
		}
		return "", fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Interactive drives a shell with the given steps and returns the output
// captured by the steps that ask for it.
func (c *sshClient) Interactive(ctx context.Context, hostname string, cfg *SSHConfig, port int, steps []connector.Step) (string, error) {
	client, err := c.dial(ctx, hostname, cfg, port)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	modes := ssh.TerminalModes{ssh.ECHO: 0, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
	if err := session.RequestPty("vt100", 200, 500, modes); err != nil {
		return "", fmt.Errorf("failed to request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return "", err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := session.Shell(); err != nil {
		return "", fmt.Errorf("failed to start shell: %w", err)
	}

	return RunSteps(ctx, NewExpectBuffer(stdout), stdin, cfg, steps)
}

// RunSteps plays steps against an interactive stream.
func RunSteps(ctx context.Context, out *ExpectBuffer, in io.Writer, cfg *SSHConfig, steps []connector.Step) (string, error) {
	var captured strings.Builder
	prompt := ""

	for i, step := range steps {
		timeout := Seconds(step.TimeoutSeconds, defaultStepTimeout)
		var (
			text string
			err  error
		)
		switch step.Kind {
		case connector.StepSendText:
			_, err = io.WriteString(in, strings.ReplaceAll(step.Text, `\n`, "\n"))
		case connector.StepSendUsername:
			_, err = io.WriteString(in, cfg.Username+"\n")
		case connector.StepSendPassword:
			_, err = io.WriteString(in, cfg.Password+"\n")
		case connector.StepWaitFor:
			text, err = out.WaitFor(ctx, step.Text, timeout)
		case connector.StepWaitForPrompt:
			if prompt == "" {
				text, err = out.WaitQuiet(ctx, promptQuietPeriod, timeout)
				prompt = lastLine(text)
			} else {
				text, err = out.WaitFor(ctx, prompt, timeout)
			}
		case connector.StepSleep:
			select {
			case <-time.After(timeout):
			case <-ctx.Done():
				err = ctx.Err()
			}
		case connector.StepGetAvailable:
			text, err = out.WaitQuiet(ctx, promptQuietPeriod, timeout)
		default:
			err = fmt.Errorf("unknown step kind %q", step.Kind)
		}
		if err != nil {
			return captured.String(), fmt.Errorf("step %d (%s): %w", i+1, step.Kind, err)
		}
		if step.Capture {
			captured.WriteString(text)
		}
	}
	return captured.String(), nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ExpectBuffer accumulates the output of an interactive stream.
type ExpectBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	notify  chan struct{}
	closed  bool
	readErr error
}

// NewExpectBuffer starts copying r into the buffer.
func NewExpectBuffer(r io.Reader) *ExpectBuffer {
	b := &ExpectBuffer{notify: make(chan struct{}, 1)}
	go func() {
		chunk := make([]byte, 4096)
		for {
			n, err := r.Read(chunk)
			b.mu.Lock()
			b.buf.Write(chunk[:n])
			if err != nil {
				b.closed = true
				if !errors.Is(err, io.EOF) {
					b.readErr = err
				}
			}
			b.mu.Unlock()
			select {
			case b.notify <- struct{}{}:
			default:
			}
			if err != nil {
				return
			}
		}
	}()
	return b
}

// WaitFor consumes output up to and including the first occurrence of text.
func (b *ExpectBuffer) WaitFor(ctx context.Context, text string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if i := strings.Index(b.buf.String(), text); i >= 0 {
			out := string(b.buf.Next(i + len(text)))
			b.mu.Unlock()
			return out, nil
		}
		closed, readErr := b.closed, b.readErr
		b.mu.Unlock()
		if closed {
			if readErr != nil {
				return "", readErr
			}
			return "", fmt.Errorf("stream closed before %q", text)
		}

		select {
		case <-b.notify:
		case <-deadline.C:
			return "", fmt.Errorf("timed out waiting for %q", text)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// WaitQuiet consumes output until nothing new arrives for quiet, bounded by
// timeout.
func (b *ExpectBuffer) WaitQuiet(ctx context.Context, quiet, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		idle := time.NewTimer(quiet)
		select {
		case <-b.notify:
			idle.Stop()
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				continue
			}
		case <-idle.C:
		case <-deadline.C:
			idle.Stop()
		case <-ctx.Done():
			idle.Stop()
			return "", ctx.Err()
		}
		b.mu.Lock()
		out := b.buf.String()
		b.buf.Reset()
		b.mu.Unlock()
		return out, nil
	}
}
