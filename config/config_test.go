package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[association]
called-ae-title = "TEST_SCP"
calling-ae-title = "TEST_SCU"

[[association.presentation-context]]
abstract-syntax = "1.2.840.10008.1.1"
transfer-syntaxes = ["1.2.840.10008.1.2"]

[dispatcher]
addr = "127.0.0.1:11112"
request-timeout = "15s"
max-pdu-length = 32768
max-requests-per-association = 4
async-ops-invoked = 2
linger = "2s"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dicomassoc.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:11112", cfg.Dispatcher.Addr)
	require.EqualValues(t, 32768, cfg.Dispatcher.MaxPDULength)
	require.Len(t, cfg.Association.PresentationContexts, 1)
	require.Equal(t, "1.2.840.10008.1.1", cfg.Association.PresentationContexts[0].AbstractSyntax)
}

func TestPresentationContextItemsAssignsOddIDs(t *testing.T) {
	path := writeTempConfig(t, sampleTOML+`
[[association.presentation-context]]
abstract-syntax = "1.2.840.10008.5.1.4.1.1.7"
transfer-syntaxes = ["1.2.840.10008.1.2.1"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	items := cfg.presentationContextItems()
	require.Len(t, items, 2)
	require.EqualValues(t, 1, items[0].ID)
	require.EqualValues(t, 3, items[1].ID)
}

func TestDispatcherOptionsParsesDurations(t *testing.T) {
	path := writeTempConfig(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)

	opts, err := cfg.DispatcherOptions()
	require.NoError(t, err)
	require.NotEmpty(t, opts)
}

func TestDispatcherOptionsRejectsBadDuration(t *testing.T) {
	path := writeTempConfig(t, `
[dispatcher]
addr = "127.0.0.1:11112"
request-timeout = "not-a-duration"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.DispatcherOptions()
	require.Error(t, err)
}

func TestNewDispatcherRequiresAddr(t *testing.T) {
	path := writeTempConfig(t, `
[association]
called-ae-title = "TEST_SCP"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.NewDispatcher()
	require.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleTOML)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config, err error) {
		if err == nil {
			reloaded <- c
		}
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case cfg := <-reloaded:
		require.Equal(t, "127.0.0.1:11112", cfg.Dispatcher.Addr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial load")
	}

	rewritten := `
[dispatcher]
addr = "127.0.0.1:22222"
`
	require.NoError(t, os.WriteFile(path, []byte(rewritten), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "127.0.0.1:22222", cfg.Dispatcher.Addr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reload after write")
	}
}
