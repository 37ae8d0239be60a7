package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// TunnelConfig is the resolved target for an interactive tunnel
type TunnelConfig struct {
	Host     string
	Port     int
	Username string
	Secret   string
}

// Tunnel is an open interactive channel to a leased resource
type Tunnel interface {
	Write(data []byte) error
	Close() error
}

// Dialer opens tunnels. onOutput receives remote output as it arrives;
// onClose fires once when the remote side ends the channel.
type Dialer interface {
	Dial(ctx context.Context, cfg TunnelConfig, onOutput func([]byte), onClose func(error)) (Tunnel, error)
}

// SSHDialer opens an interactive shell over SSH
type SSHDialer struct {
	Timeout time.Duration
}

type sshTunnel struct {
	client    *ssh.Client
	session   *ssh.Session
	stdin     io.WriteCloser
	closeOnce sync.Once
}

// Dial connects, requests a pty and starts a shell. Stdout and stderr are
// streamed through onOutput from separate readers.
func (d *SSHDialer) Dial(ctx context.Context, cfg TunnelConfig, onOutput func([]byte), onClose func(error)) (Tunnel, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	clientConfig := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cfg.Secret),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTunnelFailed, err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrTunnelFailed, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 40, 120, modes); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrTunnelFailed, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrTunnelFailed, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrTunnelFailed, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrTunnelFailed, err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrTunnelFailed, err)
	}

	t := &sshTunnel{client: client, session: session, stdin: stdin}

	go pumpOutput(stdout, onOutput)
	go pumpOutput(stderr, onOutput)
	go func() {
		err := session.Wait()
		t.Close()
		onClose(err)
	}()

	return t, nil
}

func pumpOutput(r io.Reader, onOutput func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			onOutput(data)
		}
		if err != nil {
			return
		}
	}
}

func (t *sshTunnel) Write(data []byte) error {
	_, err := t.stdin.Write(data)
	return err
}

func (t *sshTunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.session.Close()
		err = t.client.Close()
	})
	return err
}
