package config

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

const yamlBody = `
host: sftp.example.com
port: 2222
user: watcher
password: secret
auth_type: password
dirs:
  - /srv/in
  - /srv/out
interval: 30
exclude:
  - "*.tmp"
  - cache/
string_colors:
  exact_matches:
    - string: ERROR
      color: RED
  regex_matches:
    - pattern: "\\d{4}-\\d{2}-\\d{2}"
      color: GREEN
`

func TestLoad_YAML(t *testing.T) {
	c, err := Load(writeConfig(t, "config.yaml", yamlBody))
	require.NoError(t, err)

	assert.Equal(t, BackendSFTP, c.Backend)
	assert.Equal(t, "sftp.example.com", c.Host)
	assert.Equal(t, 2222, c.Port)
	assert.Equal(t, "watcher", c.User)
	assert.Equal(t, "secret", c.Password)
	assert.Equal(t, []string{"/srv/in", "/srv/out"}, c.Dirs)
	assert.Equal(t, 30*time.Second, c.PollInterval())
	assert.Equal(t, []string{"*.tmp", "cache/"}, c.Exclude)
	assert.Equal(t, 'm', c.MemoTrigger())
	assert.Equal(t, 1, c.MaxParallelRoots)

	require.Len(t, c.StringColors.ExactMatches, 1)
	assert.Equal(t, ColorRule{String: "ERROR", Color: "RED"}, c.StringColors.ExactMatches[0])
	require.Len(t, c.StringColors.RegexMatches, 1)
	assert.Equal(t, `\d{4}-\d{2}-\d{2}`, c.StringColors.RegexMatches[0].Pattern)

	rules, err := c.RuleSet()
	require.NoError(t, err)
	assert.Equal(t, 2, rules.Len())
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"toml", "config.toml", `
host = "h"
user = "u"
password = "p"
auth_type = "password"
dirs = ["/a", "/b"]
interval = 5
`},
		{"json", "config.json", `{"host":"h","user":"u","password":"p","auth_type":"password","dirs":["/a","/b"],"interval":5}`},
		{"ini", "config.ini", `
[default]
host = h
user = u
password = p
auth_type = password
dirs = /a, /b
interval = 5
`},
		{"yaml default section", "config.yml", `
default:
  host: h
  user: u
  password: p
  auth_type: password
  dirs: /a,/b
  interval: 5
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load(writeConfig(t, tt.file, tt.body))
			require.NoError(t, err)
			assert.Equal(t, "h", c.Host)
			assert.Equal(t, 22, c.Port)
			assert.Equal(t, "u", c.User)
			assert.Equal(t, "p", c.Password)
			assert.Equal(t, []string{"/a", "/b"}, c.Dirs)
			assert.Equal(t, 5, c.Interval)
		})
	}
}

func TestLoad_INIWithoutSection(t *testing.T) {
	c, err := Load(writeConfig(t, "config.ini", "backend = local\ndirs = /data\ninterval = 2\n"))
	require.NoError(t, err)
	assert.Equal(t, BackendLocal, c.Backend)
	assert.Equal(t, []string{"/data"}, c.Dirs)
}

func TestLoad_EnvOverridesCredentials(t *testing.T) {
	t.Setenv(EnvPassword, "from-env")
	c, err := Load(writeConfig(t, "config.yaml", yamlBody))
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Password)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want error
	}{
		{"unsupported extension", "config.txt", "host: h", ErrUnsupportedFormat},
		{"missing host", "c.yaml", "user: u\nauth_type: password\ndirs: [/a]\n", ErrMissingField},
		{"missing dirs", "c.yaml", "host: h\nuser: u\nauth_type: password\n", ErrMissingField},
		{"local still needs dirs", "c.yaml", "backend: local\n", ErrMissingField},
		{"unknown auth", "c.yaml", "host: h\nuser: u\nauth_type: kerberos\ndirs: [/a]\n", ErrInvalidValue},
		{"pkey without key", "c.yaml", "host: h\nuser: u\nauth_type: pkey\ndirs: [/a]\n", ErrMissingField},
		{"pkey not base64", "c.yaml", "host: h\nuser: u\nauth_type: pkey\npkey_base64: '!!!'\ndirs: [/a]\n", ErrInvalidCredential},
		{"interval zero", "c.yaml", "backend: local\ndirs: [/a]\ninterval: 0\n", ErrInvalidValue},
		{"memo key too long", "c.yaml", "backend: local\ndirs: [/a]\nmemo_key: ab\n", ErrInvalidValue},
		{"unknown backend", "c.yaml", "backend: ftp\ndirs: [/a]\n", ErrInvalidValue},
		{"bad exclude glob", "c.yaml", "backend: local\ndirs: [/a]\nexclude: ['[abc']\n", ErrInvalidValue},
		{"bad regex", "c.yaml", "backend: local\ndirs: [/a]\nstring_colors:\n  regex_matches:\n    - pattern: '('\n      color: RED\n", ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_Pkey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	key := base64.StdEncoding.EncodeToString(pem.EncodeToMemory(block))

	c, err := Load(writeConfig(t, "c.yaml", "host: h\nuser: u\nauth_type: pkey\ndirs: [/a]\npkey_base64: "+key+"\n"))
	require.NoError(t, err)

	opts := c.RemoteOptions()
	assert.Equal(t, "pkey", opts.AuthType)
	assert.Equal(t, key, opts.KeyBase64)

	r := c.Redacted()
	assert.Equal(t, "**********... ("+strconv.Itoa(len(key))+" chars)", r.PkeyBase64)
	assert.Equal(t, key, c.PkeyBase64)
}

func TestRedactedAndSummary(t *testing.T) {
	c, err := Load(writeConfig(t, "config.yaml", yamlBody+"proxy_host: proxy.local\nproxy_port: 8080\n"))
	require.NoError(t, err)

	r := c.Redacted()
	assert.Equal(t, "********", r.Password)
	assert.Equal(t, "secret", c.Password)

	summary := map[string]string{}
	for _, it := range c.Summary() {
		summary[it.Key] = it.Value
	}
	assert.Equal(t, "********", summary["password"])
	assert.Equal(t, "/srv/in, /srv/out", summary["dirs"])
	assert.Equal(t, "30s", summary["interval"])
	assert.Equal(t, "proxy.local", summary["proxy_host"])
	assert.Equal(t, "8080", summary["proxy_port"])
	assert.NotContains(t, summary, "pkey_base64")
}

func TestSummary_Local(t *testing.T) {
	c, err := Load(writeConfig(t, "c.yaml", "backend: local\ndirs: [/a]\n"))
	require.NoError(t, err)
	keys := make([]string, 0)
	for _, it := range c.Summary() {
		keys = append(keys, it.Key)
	}
	assert.Equal(t, []string{"backend", "dirs", "interval"}, keys)
}

func TestJournalPaths(t *testing.T) {
	c, err := Load(writeConfig(t, "c.yaml", "backend: local\ndirs: [/a]\noutput_dir: /var/watch\nmemo_log: /tmp/memo.txt\ndigest_log: ''\n"))
	require.NoError(t, err)

	p := c.JournalPaths()
	assert.Equal(t, filepath.Join("/var/watch", "log.csv"), p.ChangeLog)
	assert.Equal(t, filepath.Join("/var/watch", "log"), p.DailyDir)
	assert.Equal(t, filepath.Join("/var/watch", "log.json"), p.StateFile)
	assert.Equal(t, "/tmp/memo.txt", p.MemoLog)
	assert.Empty(t, p.DigestLog)
	assert.Equal(t, filepath.Join("/var/watch", "history.db"), c.HistoryPath())
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: local\ndirs: [/a]\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { reloaded <- c }) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	// an invalid edit is skipped
	require.NoError(t, os.WriteFile(path, []byte("backend: local\ndirs: [/a]\ninterval: 0\n"), 0644))
	time.Sleep(2 * debounceInterval)
	select {
	case <-reloaded:
		t.Fatal("invalid config was delivered")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(`
backend: local
dirs: [/a]
string_colors:
  exact_matches:
    - string: WARN
      color: YELLOW
`), 0644))

	select {
	case c := <-reloaded:
		require.Len(t, c.StringColors.ExactMatches, 1)
		assert.Equal(t, "WARN", c.StringColors.ExactMatches[0].String)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	assert.NoError(t, <-done)
}
