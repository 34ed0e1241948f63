package cmd

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fzft/go-amted/config"
	"github.com/fzft/go-amted/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, in string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(&out, &out)
	root.SetIn(strings.NewReader(in))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUsageOnWrongArity(t *testing.T) {
	for _, args := range [][]string{{}, {"127.0.0.1"}, {"127.0.0.1", "9009", "extra"}} {
		out, err := run(t, "", args...)
		assert.NoError(t, err)
		assert.Contains(t, out, "Must provide an IP address and port")
		assert.Contains(t, out, "Usage:")
	}
}

func TestInvalidPort(t *testing.T) {
	_, err := run(t, "", "127.0.0.1", "http")
	assert.Error(t, err)
}

func TestInvalidFlagValue(t *testing.T) {
	_, err := run(t, "", "--workers", "0", "127.0.0.1", "0")
	assert.ErrorContains(t, err, "Workers")
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "amted.yaml")
	out, err := run(t, "", "init-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sha="+GitSHA1())
	assert.Contains(t, out, "id="+BuildIdRaw()+"\n")
}

func TestCliBatch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello from disk"), 0644))

	cfg := config.Default()
	cfg.Port = 0
	srv := node.NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	_, err = strconv.Atoi(port)
	require.NoError(t, err)

	input := strings.Join([]string{
		"help",
		file,
		filepath.Join(dir, "missing"),
		"connect nowhere",
		"quit",
		file,
	}, "\n")
	out, err := run(t, input, "cli", host, port)
	require.NoError(t, err)

	assert.Contains(t, out, "connect <ip> <port>")
	assert.Equal(t, 1, strings.Count(out, "hello from disk"))
	assert.Contains(t, out, "(empty)")
	assert.Contains(t, out, "usage: connect")
}

func TestGetDotfilePath(t *testing.T) {
	t.Setenv(CliHisFileEnv, "")
	t.Setenv("HOME", "/home/amted")
	assert.Equal(t, "/home/amted/"+CliHisFileDefault, getDotfilePath(CliHisFileEnv, CliHisFileDefault))

	t.Setenv(CliHisFileEnv, "/tmp/hist")
	assert.Equal(t, "/tmp/hist", getDotfilePath(CliHisFileEnv, CliHisFileDefault))

	t.Setenv(CliHisFileEnv, "/dev/null")
	assert.Equal(t, "", getDotfilePath(CliHisFileEnv, CliHisFileDefault))
}
