package wg_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgmond/wgmond/internal/wg"
)

type fakeExec struct {
	calls [][]string
	out   []byte
	err   error
}

func (f *fakeExec) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.out, f.err
}

func newTestClient(t *testing.T, exec *fakeExec) *wg.Client {
	t.Helper()
	client, err := wg.NewClient(&wg.Config{
		Logger:    logger,
		Interface: "wg0",
		Exec:      exec.run,
	})
	require.NoError(t, err)
	return client
}

func TestWG_Config_Validate(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		_, err := wg.NewClient(&wg.Config{Interface: "wg0"})
		require.Error(t, err)
	})

	t.Run("missing interface", func(t *testing.T) {
		t.Parallel()
		_, err := wg.NewClient(&wg.Config{Logger: logger})
		require.Error(t, err)
	})
}

func TestWG_DumpPeers(t *testing.T) {
	t.Parallel()

	key1 := strings.Repeat("A", 43) + "="
	key2 := strings.Repeat("B", 43) + "="
	key3 := strings.Repeat("C", 43) + "="

	t.Run("parses peer rows and skips the interface header", func(t *testing.T) {
		t.Parallel()
		dump := strings.Join([]string{
			"privkey\tpubkey\t51820\toff",
			key1 + "\t(none)\t203.0.113.9:51820\t10.0.0.2/32\t1724500000\t1000\t2000",
			key2 + "\t(none)\t(none)\t10.0.0.3/32\t0\t0\t0",
			"",
		}, "\n")
		exec := &fakeExec{out: []byte(dump)}
		client := newTestClient(t, exec)

		peers, err := client.DumpPeers(context.Background())
		require.NoError(t, err)
		require.Len(t, peers, 2)

		p1 := peers[key1]
		assert.Equal(t, key1, p1.PublicKey)
		assert.Equal(t, "203.0.113.9:51820", p1.Endpoint)
		assert.Equal(t, time.Unix(1724500000, 0), p1.LatestHandshake)
		assert.Equal(t, int64(1000), p1.RxBytes)
		assert.Equal(t, int64(2000), p1.TxBytes)

		p2 := peers[key2]
		assert.Empty(t, p2.Endpoint)
		assert.True(t, p2.LatestHandshake.IsZero())

		require.Len(t, exec.calls, 1)
		assert.Equal(t, []string{"wg", "show", "wg0", "dump"}, exec.calls[0])
	})

	t.Run("skips short and malformed rows", func(t *testing.T) {
		t.Parallel()
		dump := strings.Join([]string{
			"privkey\tpubkey\t51820\toff",
			"too\tfew\tfields",
			key3 + "\t(none)\t(none)\t10.0.0.4/32\tnotanumber\t1\t2",
			key1 + "\t(none)\t(none)\t10.0.0.2/32\t1724500000\t5\t6",
		}, "\n")
		exec := &fakeExec{out: []byte(dump)}
		client := newTestClient(t, exec)

		peers, err := client.DumpPeers(context.Background())
		require.NoError(t, err)
		require.Len(t, peers, 1)
		assert.Contains(t, peers, key1)
	})

	t.Run("empty peer table", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExec{out: []byte("privkey\tpubkey\t51820\toff\n")}
		client := newTestClient(t, exec)

		peers, err := client.DumpPeers(context.Background())
		require.NoError(t, err)
		assert.Empty(t, peers)
	})

	t.Run("command failure", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExec{err: errors.New("no such device")}
		client := newTestClient(t, exec)

		_, err := client.DumpPeers(context.Background())
		require.Error(t, err)
	})
}

func TestWG_AddRemovePeer(t *testing.T) {
	t.Parallel()

	key := strings.Repeat("A", 43) + "="

	t.Run("add", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExec{}
		client := newTestClient(t, exec)

		require.NoError(t, client.AddPeer(context.Background(), key, "10.0.0.7"))
		require.Len(t, exec.calls, 1)
		assert.Equal(t, []string{"wg", "set", "wg0", "peer", key, "allowed-ips", "10.0.0.7/32"}, exec.calls[0])
	})

	t.Run("remove", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExec{}
		client := newTestClient(t, exec)

		require.NoError(t, client.RemovePeer(context.Background(), key))
		require.Len(t, exec.calls, 1)
		assert.Equal(t, []string{"wg", "set", "wg0", "peer", key, "remove"}, exec.calls[0])
	})

	t.Run("add failure includes command output", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExec{out: []byte("Unable to modify interface: Operation not permitted\n"), err: errors.New("exit status 1")}
		client := newTestClient(t, exec)

		err := client.AddPeer(context.Background(), key, "10.0.0.7")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Operation not permitted")
	})
}

func TestWG_Status(t *testing.T) {
	t.Parallel()

	t.Run("up", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExec{out: []byte("interface: wg0\n")}
		client := newTestClient(t, exec)
		require.NoError(t, client.Status(context.Background()))
	})

	t.Run("down", func(t *testing.T) {
		t.Parallel()
		exec := &fakeExec{err: errors.New("no such device")}
		client := newTestClient(t, exec)
		require.Error(t, client.Status(context.Background()))
	})
}

func TestWG_ValidKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"valid padded", strings.Repeat("A", 43) + "=", true},
		{"valid unpadded", strings.Repeat("A", 44), true},
		{"too short", strings.Repeat("A", 43), false},
		{"too long", strings.Repeat("A", 45), false},
		{"bad characters", strings.Repeat("!", 44), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, wg.ValidKey(tt.key))
		})
	}
}

func TestWG_ShortKey(t *testing.T) {
	t.Parallel()

	key := strings.Repeat("A", 43) + "="
	assert.Equal(t, strings.Repeat("A", 16)+"...", wg.ShortKey(key))
	assert.Equal(t, "short", wg.ShortKey("short"))
	assert.Equal(t, "", wg.ShortKey(""))
}

func TestWG_RenderClientConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg := wg.RenderClientConfig(wg.ClientConfigParams{ClientIP: "10.0.0.5"})
		assert.Contains(t, cfg, "Address = 10.0.0.5/32")
		assert.Contains(t, cfg, "PublicKey = SERVER_PUBLIC_KEY")
		assert.Contains(t, cfg, "Endpoint = server.example.com:51820")
		assert.Contains(t, cfg, "PersistentKeepalive = 25")
	})

	t.Run("overrides", func(t *testing.T) {
		t.Parallel()
		cfg := wg.RenderClientConfig(wg.ClientConfigParams{
			ServerPublicKey: "srvkey",
			ServerEndpoint:  "vpn.test:443",
			ClientIP:        "10.0.0.8",
			DNS:             "1.1.1.1",
		})
		assert.Contains(t, cfg, "PublicKey = srvkey")
		assert.Contains(t, cfg, "Endpoint = vpn.test:443")
		assert.Contains(t, cfg, "DNS = 1.1.1.1")
	})
}
