package main

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ghostlink/internal/config"
	"ghostlink/internal/metrics"
)

func TestConfigCommandPrintsDefaults(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 0, run([]string{"config"}, strings.NewReader(""), &out, &errOut))
	cfg, err := config.Load(out.Bytes())
	require.NoError(t, err)
	require.Equal(t, 5051, cfg.Discovery.Port)
	require.Equal(t, 5005, cfg.Chat.Port)
}

func TestVersionFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 0, run([]string{"--version"}, strings.NewReader(""), &out, &errOut))
	require.True(t, strings.HasPrefix(out.String(), "ghostlink version "), out.String())
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 1, run([]string{"frobnicate"}, strings.NewReader(""), &out, &errOut))
	require.Contains(t, errOut.String(), "unknown command")
}

func TestRunRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Chat]\nCipher = \"rot13\"\n"), 0600))
	var out, errOut bytes.Buffer
	require.Equal(t, 1, run([]string{"run", "--config", path}, strings.NewReader(""), &out, &errOut))
	require.Contains(t, errOut.String(), "failed to load config file")
}

func freePort(t *testing.T, network string) int {
	t.Helper()
	switch network {
	case "udp":
		c, err := net.ListenPacket("udp4", "127.0.0.1:0")
		require.NoError(t, err)
		defer c.Close()
		return c.LocalAddr().(*net.UDPAddr).Port
	default:
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		return l.Addr().(*net.TCPAddr).Port
	}
}

func TestRunShellSession(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "metrics.json")
	body := fmt.Sprintf(`Username = "alice"

[Logging]
Disable = true

[Discovery]
Port = %d
ListenAddr = "127.0.0.1"
BroadcastAddr = "127.0.0.1"

[Chat]
Port = %d
ListenAddr = "127.0.0.1"

[Metrics]
SnapshotFile = %q
`, freePort(t, "udp"), freePort(t, "tcp"), snap)
	path := filepath.Join(dir, "ghostlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	var out, errOut bytes.Buffer
	in := strings.NewReader("/discover\n/peers\n/quit\n")
	require.Equal(t, 0, run([]string{"run", "--config", path}, in, &out, &errOut), errOut.String())
	require.Contains(t, out.String(), `GhostLink as "alice"`)
	require.Contains(t, out.String(), "Discovery request sent")
	require.Contains(t, out.String(), "no peers")

	b, err := os.ReadFile(snap)
	require.NoError(t, err)
	require.Contains(t, string(b), `"requests_sent": 1`)
}

func TestMetricsServerMountsPprof(t *testing.T) {
	for _, withPprof := range []bool{false, true} {
		srv, err := serveMetrics(&config.Metrics{Address: "127.0.0.1:0", Pprof: withPprof}, metrics.New())
		require.NoError(t, err)

		resp, err := http.Get("http://" + srv.Addr + "/metrics")
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Get("http://" + srv.Addr + "/debug/pprof/cmdline")
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		if withPprof {
			require.Equal(t, http.StatusOK, resp.StatusCode)
		} else {
			require.Equal(t, http.StatusNotFound, resp.StatusCode)
		}
		require.NoError(t, srv.Close())
	}
}
