// Package remote opens the SSH/SFTP session the monitor lists through,
// optionally tunnelled through an HTTP CONNECT proxy.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	gosync "sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/koga2020a/sftp-watch/internal/logging"
)

var (
	// ErrInvalidCredential is returned when key material cannot be decoded or parsed.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrSessionClosed reports a session whose SSH connection has ended.
	ErrSessionClosed = errors.New("ssh session closed")
)

// settleTimeout bounds how long ReadDir waits for the connection to be
// declared dead after a listing fails with a non-protocol error.
const settleTimeout = 500 * time.Millisecond

// Auth types.
const (
	AuthPassword = "password"
	AuthKey      = "pkey"
)

// Options describes how to reach the server.
type Options struct {
	Host string
	Port int
	User string

	AuthType      string
	Password      string
	KeyBase64     string
	KeyPassphrase string

	// KnownHosts is a known_hosts file. Empty skips host key verification.
	KnownHosts string

	ProxyHost string
	ProxyPort int

	Timeout time.Duration
}

func (o Options) target() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Session is an open SFTP session. Health turns non-nil once the SSH
// connection underneath has ended.
type Session struct {
	ssh  *ssh.Client
	sftp *sftp.Client

	done chan struct{}
	mu   gosync.Mutex
	err  error

	closeOnce gosync.Once
}

// Dial connects, authenticates and starts the SFTP subsystem. Any failure
// after the TCP connection is up closes it.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	l := logging.Sub("remote")
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	target := opts.target()

	var (
		conn net.Conn
		err  error
	)
	if opts.ProxyHost != "" && opts.ProxyPort != 0 {
		proxy := net.JoinHostPort(opts.ProxyHost, strconv.Itoa(opts.ProxyPort))
		l.Info("connecting via proxy", "proxy", proxy, "target", target)
		conn, err = DialProxy(ctx, proxy, target, opts.Timeout)
	} else {
		l.Info("connecting directly", "target", target)
		d := &net.Dialer{Timeout: opts.Timeout}
		conn, err = d.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}

	cfg, err := clientConfig(opts)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, target, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", target, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}
	l.Info("sftp session established", "target", target, "user", opts.User)

	s := &Session{ssh: client, sftp: sc, done: make(chan struct{})}
	go s.wait()
	return s, nil
}

func clientConfig(opts Options) (*ssh.ClientConfig, error) {
	l := logging.Sub("remote")
	auth, err := authMethods(opts)
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if opts.KnownHosts != "" {
		hostKey, err = knownhosts.New(opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", opts.KnownHosts, err)
		}
	} else {
		l.Warn("known_hosts not configured, host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         opts.Timeout,
	}, nil
}

// authMethods builds the SSH auth list. Key material is decoded into a
// scratch buffer that is zeroed before returning.
func authMethods(opts Options) ([]ssh.AuthMethod, error) {
	switch opts.AuthType {
	case AuthPassword:
		pw := opts.Password
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, nil
	case AuthKey:
		signer, err := ParseKey(opts.KeyBase64, opts.KeyPassphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", opts.AuthType)
	}
}

// ParseKey decodes a base64-encoded private key and parses it, using
// passphrase when it is non-empty.
func ParseKey(b64, passphrase string) (ssh.Signer, error) {
	if b64 == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrInvalidCredential)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not valid base64: %v", ErrInvalidCredential, err)
	}
	defer clear(raw)

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return signer, nil
}

func (s *Session) wait() {
	err := s.ssh.Wait()
	s.mu.Lock()
	if err == nil {
		s.err = ErrSessionClosed
	} else {
		s.err = fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	s.mu.Unlock()
	close(s.done)
	logging.Sub("remote").Debug("ssh connection ended", "err", err)
}

// Client returns the underlying SFTP client.
func (s *Session) Client() *sftp.Client { return s.sftp }

// ReadDir lists p. A failure the server did not report itself (a status
// packet) usually means the connection is going down, so ReadDir waits
// briefly for that and then reports ErrSessionClosed instead, keeping
// Health and the returned error in agreement.
func (s *Session) ReadDir(p string) ([]os.FileInfo, error) {
	infos, err := s.sftp.ReadDir(p)
	if err == nil {
		return infos, nil
	}
	var status *sftp.StatusError
	if errors.As(err, &status) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return nil, err
	}

	timer := time.NewTimer(settleTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil, fmt.Errorf("list %s: %w", p, s.Health())
	case <-timer.C:
		return nil, err
	}
}

// Health returns nil while the SSH connection is up.
func (s *Session) Health() error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	default:
		return nil
	}
}

// Done is closed when the SSH connection ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the SFTP session and the SSH connection. Safe to call twice.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		l := logging.Sub("remote")
		if cerr := s.sftp.Close(); cerr != nil {
			l.Debug("sftp close", "err", cerr)
		}
		err = s.ssh.Close()
		l.Info("session closed")
	})
	return err
}
