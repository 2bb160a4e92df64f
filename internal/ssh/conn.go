package ssh

import (
	"context"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

type clientConn struct {
	client *ssh.Client
}

func dialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (conn, error) {
	d := net.Dialer{Timeout: config.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if config.Timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(config.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	return &clientConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

func (c *clientConn) Exec(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = c.client.Close()
		return ctx.Err()
	}
}

func (c *clientConn) Close() error {
	return c.client.Close()
}
