package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDirectory serves the fixture's directory on a loopback port until
// the test ends.
func startDirectory(t *testing.T, f *fixture) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveDirectory(ctx, lis, f.dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("directory did not stop")
		}
	})
	return lis.Addr().String()
}

func TestDirectoryQuery_JSON(t *testing.T) {
	f := newFixture(t)
	addr := startDirectory(t, f)

	out, err := execute(t, "directory", "query", "--addr", addr, "--entity", "bob", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   QueryReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "bob", resp.Data.Entity)
	assert.NotEmpty(t, resp.Data.Anchor)
	require.Len(t, resp.Data.Publications, 1)

	pub := resp.Data.Publications[0]
	assert.Equal(t, "alice", pub.From)
	assert.Equal(t, uint64(2), pub.StateNumber)
	assert.Equal(t, int64(5), pub.Amount)
}

func TestDirectoryQuery_Text(t *testing.T) {
	f := newFixture(t)
	addr := startDirectory(t, f)

	out, err := execute(t, "directory", "query", "--addr", addr, "--entity", "carol")
	require.NoError(t, err)
	assert.Contains(t, out, "carol: 0 pending publications, no anchor")
}

func TestDirectoryQuery_AfterSync(t *testing.T) {
	f := newFixture(t)
	addr := startDirectory(t, f)

	report, err := f.bob.RecipientSync(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Applied, 1)

	out, err := execute(t, "directory", "query", "--addr", addr, "--entity", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "bob: 0 pending publications, anchor ")
}
