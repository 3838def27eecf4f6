package remote

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/koga2020a/sftp-watch/internal/watch"
)

// testServer is a minimal SSH server exposing the sftp subsystem.
type testServer struct {
	ln       net.Listener
	password string

	mu    gosync.Mutex
	conns []net.Conn
}

func startTestServer(t *testing.T, password string) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == password {
				return nil, nil
			}
			return nil, errors.New("bad password")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{ln: ln, password: password}
	t.Cleanup(func() { s.close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, nc)
			s.mu.Unlock()
			go s.serve(nc, cfg)
		}
	}()
	return s
}

func (s *testServer) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
				if ok {
					go func() {
						srv, err := sftp.NewServer(ch)
						if err != nil {
							ch.Close()
							return
						}
						srv.Serve() //nolint:errcheck
						ch.Close()
					}()
				}
			}
		}()
	}
}

func (s *testServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// dropConnections severs every accepted connection.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *testServer) close() {
	s.ln.Close()
	s.dropConnections()
}

func TestDial_PasswordAndList(t *testing.T) {
	srv := startTestServer(t, "secret")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))

	sess, err := Dial(context.Background(), Options{
		Host: "127.0.0.1", Port: srv.port(), User: "watcher",
		AuthType: AuthPassword, Password: "secret", Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer sess.Close()

	infos, err := sess.Client().ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "a.txt", infos[0].Name())
	assert.Equal(t, int64(5), infos[0].Size())
	assert.NoError(t, sess.Health())

	_, err = sess.Client().ReadDir(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDial_WrongPassword(t *testing.T) {
	srv := startTestServer(t, "secret")
	_, err := Dial(context.Background(), Options{
		Host: "127.0.0.1", Port: srv.port(), User: "watcher",
		AuthType: AuthPassword, Password: "nope", Timeout: 5 * time.Second,
	})
	assert.Error(t, err)
}

func TestSession_HealthAfterConnectionLoss(t *testing.T) {
	srv := startTestServer(t, "secret")
	sess, err := Dial(context.Background(), Options{
		Host: "127.0.0.1", Port: srv.port(), User: "watcher",
		AuthType: AuthPassword, Password: "secret", Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer sess.Close()

	srv.dropConnections()

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not notice the dropped connection")
	}
	assert.ErrorIs(t, sess.Health(), ErrSessionClosed)
	sess.Close()
	assert.NoError(t, sess.Close())
}

// dropAfter lists through the session and severs the server side of the
// connection right before the listing numbered n (1-based).
type dropAfter struct {
	sess *Session
	srv  *testServer
	n    int

	mu    gosync.Mutex
	calls int
}

func (d *dropAfter) ReadDir(p string) ([]os.FileInfo, error) {
	d.mu.Lock()
	d.calls++
	drop := d.calls == d.n
	d.mu.Unlock()
	if drop {
		d.srv.dropConnections()
	}
	return d.sess.ReadDir(p)
}

func TestCollect_ConnectionDroppedMidScan(t *testing.T) {
	root := t.TempDir()
	for _, sub := range []string{"a", "b", "c"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, sub, "deeper"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, sub, "f.txt"), []byte("x"), 0644))
	}

	// dropping before the root listing or before the last queued directory
	// must never yield an empty or partial snapshot
	for _, n := range []int{1, 2, 7} {
		t.Run("listing "+strconv.Itoa(n), func(t *testing.T) {
			srv := startTestServer(t, "secret")
			sess, err := Dial(context.Background(), Options{
				Host: "127.0.0.1", Port: srv.port(), User: "watcher",
				AuthType: AuthPassword, Password: "secret", Timeout: 5 * time.Second,
			})
			require.NoError(t, err)
			defer sess.Close()

			c := &watch.Collector{
				Lister: &dropAfter{sess: sess, srv: srv, n: n},
				Roots:  []string{filepath.ToSlash(root)},
				Health: sess.Health,
			}
			snap, err := c.Collect()
			require.ErrorIs(t, err, watch.ErrSessionLost)
			assert.Zero(t, snap.Len())
		})
	}
}

func TestSession_ReadDirKeepsServerErrors(t *testing.T) {
	srv := startTestServer(t, "secret")
	sess, err := Dial(context.Background(), Options{
		Host: "127.0.0.1", Port: srv.port(), User: "watcher",
		AuthType: AuthPassword, Password: "secret", Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer sess.Close()

	start := time.Now()
	_, err = sess.ReadDir(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Less(t, time.Since(start), settleTimeout)
	assert.NoError(t, sess.Health())
}

// startProxy runs a CONNECT proxy answering with status. For a 200 status
// it tunnels to the requested target.
func startProxy(t *testing.T, status string) (addr string, requests <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	reqCh := make(chan string, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				var head strings.Builder
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					head.WriteString(line)
					if line == "\r\n" {
						break
					}
				}
				reqCh <- head.String()

				if !strings.Contains(status, "200") {
					io.WriteString(c, "HTTP/1.1 "+status+"\r\n\r\n") //nolint:errcheck
					return
				}
				target := strings.Fields(head.String())[1]
				up, err := net.Dial("tcp", target)
				if err != nil {
					io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n") //nolint:errcheck
					return
				}
				defer up.Close()
				io.WriteString(c, "HTTP/1.1 "+status+"\r\nProxy-Agent: test\r\n\r\n") //nolint:errcheck
				go io.Copy(up, br) //nolint:errcheck
				io.Copy(c, up)     //nolint:errcheck
			}(c)
		}
	}()
	return ln.Addr().String(), reqCh
}

func TestDial_ThroughProxy(t *testing.T) {
	srv := startTestServer(t, "secret")
	proxyAddr, requests := startProxy(t, "200 Connection established")
	host, portStr, err := net.SplitHostPort(proxyAddr)
	require.NoError(t, err)
	proxyPort, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	sess, err := Dial(context.Background(), Options{
		Host: "127.0.0.1", Port: srv.port(), User: "watcher",
		AuthType: AuthPassword, Password: "secret",
		ProxyHost: host, ProxyPort: proxyPort, Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer sess.Close()

	req := <-requests
	target := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.port()))
	assert.True(t, strings.HasPrefix(req, "CONNECT "+target+" HTTP/1.1\r\n"), req)
	assert.Contains(t, req, "Host: "+target+"\r\n")

	_, err = sess.Client().ReadDir(t.TempDir())
	assert.NoError(t, err)
}

func TestDialProxy_Rejected(t *testing.T) {
	proxyAddr, _ := startProxy(t, "403 Forbidden")
	_, err := DialProxy(context.Background(), proxyAddr, "example.com:22", 5*time.Second)
	assert.ErrorIs(t, err, ErrProxyRejected)
	assert.Contains(t, err.Error(), "403")
}

func TestDialProxy_KeepsBytesAfterHead(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		// head and the server banner arrive in one segment
		io.WriteString(c, "HTTP/1.1 200 OK\r\n\r\nSSH-2.0-test\r\n") //nolint:errcheck
		time.Sleep(100 * time.Millisecond)
	}()

	conn, err := DialProxy(context.Background(), ln.Addr().String(), "example.com:22", 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "SSH-2.0-test\r\n", line)
}

func TestDialProxy_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = DialProxy(context.Background(), addr, "example.com:22", time.Second)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrProxyRejected)
}

func encodeKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(block))
}

func TestParseKey(t *testing.T) {
	signer, err := ParseKey(encodeKey(t, ""), "")
	require.NoError(t, err)
	assert.Equal(t, ssh.KeyAlgoED25519, signer.PublicKey().Type())

	_, err = ParseKey(encodeKey(t, "pw"), "pw")
	assert.NoError(t, err)

	tests := []struct {
		name, b64, passphrase string
	}{
		{"empty", "", ""},
		{"not base64", "!!!", ""},
		{"not a key", base64.StdEncoding.EncodeToString([]byte("hello")), ""},
		{"wrong passphrase", encodeKey(t, "pw"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.b64, tt.passphrase)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestAuthMethods(t *testing.T) {
	methods, err := authMethods(Options{AuthType: AuthPassword, Password: "pw"})
	require.NoError(t, err)
	assert.Len(t, methods, 2)

	methods, err = authMethods(Options{AuthType: AuthKey, KeyBase64: encodeKey(t, "")})
	require.NoError(t, err)
	assert.Len(t, methods, 1)

	_, err = authMethods(Options{AuthType: "kerberos"})
	assert.Error(t, err)
}
