package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePIDFile_Lifecycle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "eve-service.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// A second watch on the same data directory is refused while the
	// first holds the lock.
	again, err := writePIDFile(path)
	require.Error(t, err)
	assert.Nil(t, again)
	assert.Contains(t, err.Error(), "another watch is already running")

	cleanup()

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Once released the lock can be taken again.
	cleanup, err = writePIDFile(path)
	require.NoError(t, err)
	cleanup()
}

func TestWritePIDFile_EmptyPath(t *testing.T) {
	t.Parallel()

	cleanup, err := writePIDFile("")
	require.Error(t, err)
	assert.Nil(t, cleanup)
}

func TestReadPIDFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr string
	}{
		{"plain", "4242", 4242, ""},
		{"trailing newline", "4242\n", 4242, ""},
		{"surrounding space", "  17 \n", 17, ""},
		{"garbage", "esi:2112625428\n", 0, "invalid PID"},
		{"empty", "", 0, "invalid PID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "eve-service.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			pid, err := readPIDFile(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}
}

func TestSendSIGHUP_Failures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := sendSIGHUP(filepath.Join(dir, "missing.pid"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running watch found")

	// Max PID on Linux is far below this value.
	stale := filepath.Join(dir, "stale.pid")
	require.NoError(t, os.WriteFile(stale, []byte("999999999\n"), 0o600))

	_, err = sendSIGHUP(stale)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale PID file removed")

	_, err = os.Stat(stale)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSendSIGHUP_ReachesWatch(t *testing.T) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	defer signal.Stop(hup)

	path := filepath.Join(t.TempDir(), "eve-service.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600))

	pid, err := sendSIGHUP(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, syscall.SIGHUP, <-hup)
}
