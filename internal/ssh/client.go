// Package ssh runs commands on, and copies files to, guests over SSH.
//
// Connection failures that look transient are retried with a fixed backoff
// up to a capped number of attempts. Remote command failures are never
// retried.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 10
	DefaultBackoff     = 3 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// Target identifies a guest SSH endpoint.
type Target struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Result holds the output of a remote command.
type Result struct {
	Stdout string
	Stderr string
}

// Options configures a Client.
type Options struct {
	// MaxAttempts caps connection attempts per call. Zero selects DefaultMaxAttempts.
	MaxAttempts int

	// Backoff is the fixed delay between attempts. Zero selects DefaultBackoff.
	Backoff time.Duration

	// DialTimeout bounds TCP connect plus handshake. Zero selects DefaultDialTimeout.
	DialTimeout time.Duration

	// CommandTimeout bounds a single remote command. Zero means no limit.
	CommandTimeout time.Duration

	Log *zap.SugaredLogger
}

// conn is an established SSH connection.
type conn interface {
	// Exec runs command in a new session.
	Exec(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) error

	Close() error
}

type dialFunc func(ctx context.Context, addr string, config *ssh.ClientConfig) (conn, error)

// Client is a stateless SSH client with bounded retry.
type Client struct {
	opts  Options
	log   *zap.SugaredLogger
	dial  dialFunc
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{opts: opts, log: log, dial: dialSSH, sleep: sleepContext}
}

// Exec runs command on the guest and returns its output. A non-zero exit or
// any stderr output yields a *RemoteExecError.
func (c *Client) Exec(ctx context.Context, target Target, command string) (Result, error) {
	var result Result
	err := c.withConn(ctx, target, func(cn conn) error {
		var stdout, stderr bytes.Buffer
		runErr := c.run(ctx, cn, command, nil, &stdout, &stderr)
		result = Result{Stdout: stdout.String(), Stderr: stderr.String()}
		return classifyRun(command, runErr, result)
	})
	return result, err
}

// Copy writes the local file to remotePath on the guest.
func (c *Client) Copy(ctx context.Context, target Target, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &TransferError{Local: localPath, Remote: remotePath, Err: err}
	}

	command := "cat > " + Quote(remotePath)
	err = c.withConn(ctx, target, func(cn conn) error {
		var stdout, stderr bytes.Buffer
		runErr := c.run(ctx, cn, command, bytes.NewReader(data), &stdout, &stderr)
		return classifyRun(command, runErr, Result{Stdout: stdout.String(), Stderr: stderr.String()})
	})
	if err != nil {
		return &TransferError{Local: localPath, Remote: remotePath, Err: err}
	}
	return nil
}

func (c *Client) run(ctx context.Context, cn conn, command string, stdin io.Reader, stdout, stderr io.Writer) error {
	if c.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CommandTimeout)
		defer cancel()
	}
	c.log.Debugw("running remote command", "command", command)
	return cn.Exec(ctx, command, stdin, stdout, stderr)
}

func classifyRun(command string, runErr error, result Result) error {
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return &RemoteExecError{Command: command, ExitStatus: exitErr.ExitStatus(), Stdout: result.Stdout, Stderr: result.Stderr}
		}
		return runErr
	}
	if strings.TrimSpace(result.Stderr) != "" {
		return &RemoteExecError{Command: command, Stdout: result.Stdout, Stderr: result.Stderr}
	}
	return nil
}

// withConn dials target and runs fn, retrying transient connection failures.
func (c *Client) withConn(ctx context.Context, target Target, fn func(conn) error) error {
	config, err := c.clientConfig(target)
	if err != nil {
		return err
	}
	addr := target.Addr()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.opts.Backoff); err != nil {
				return &ConnectionError{Addr: addr, Attempts: attempt - 1, Err: err}
			}
		}

		lastErr = c.attempt(ctx, addr, config, fn)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			var execErr *RemoteExecError
			if errors.As(lastErr, &execErr) {
				return lastErr
			}
			return &ConnectionError{Addr: addr, Attempts: attempt, Err: lastErr}
		}
		c.log.Debugw("transient ssh failure", "addr", addr, "attempt", attempt, "maxAttempts", c.opts.MaxAttempts, "err", lastErr)
	}

	return &ConnectionError{Addr: addr, Attempts: c.opts.MaxAttempts, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, addr string, config *ssh.ClientConfig, fn func(conn) error) error {
	cn, err := c.dial(ctx, addr, config)
	if err != nil {
		return err
	}
	defer runFuncAndLogErr(c.log, cn.Close)
	return fn(cn)
}

func (c *Client) clientConfig(target Target) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(target.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key %s: %w", target.PrivateKeyPath, err)
	}

	return &ssh.ClientConfig{
		User: target.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
			ssh.KeyboardInteractive(refuseInteractive),
		},
		// Guests are throwaway machines reached through a local NAT forward.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.opts.DialTimeout,
	}, nil
}

func refuseInteractive(string, string, []string, []bool) ([]string, error) {
	return nil, ErrInteractiveAuth
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func runFuncAndLogErr(log *zap.SugaredLogger, f func() error) {
	if err := f(); err != nil {
		log.Debugw("error closing ssh session or connection", "err", err)
	}
}
