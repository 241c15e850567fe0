package process

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManagerPipes(t *testing.T) {
	m := NewManager(zap.NewNop())

	proc, err := m.Start("echo", "cat", nil)
	require.NoError(t, err)
	assert.True(t, m.IsRunning("echo"))
	require.Len(t, m.List(), 1)

	_, err = proc.Stdin.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, proc.Stdin.Close())

	out, err := io.ReadAll(proc.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	require.NoError(t, proc.Err())
	assert.False(t, m.IsRunning("echo"))
}

func TestManagerOutputSurvivesExit(t *testing.T) {
	const size = 4 << 20
	m := NewManager(zap.NewNop())

	proc, err := m.Start("head", "sh", []string{"-c", "head -c 4194304 /dev/zero"})
	require.NoError(t, err)
	defer proc.Stdout.Close()

	// 느린 소비자: 프로세스가 먼저 끝나도 남은 출력은 그대로 읽혀야 함
	var total int
	chunk := make([]byte, 32*1024)
	for {
		n, err := proc.Stdout.Read(chunk)
		total += n
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		time.Sleep(100 * time.Microsecond)
	}
	assert.Equal(t, size, total)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	require.NoError(t, proc.Err())
}

func TestManagerOutputAfterDone(t *testing.T) {
	m := NewManager(zap.NewNop())

	proc, err := m.Start("short", "sh", []string{"-c", "printf tail; echo oops >&2"})
	require.NoError(t, err)
	defer proc.Stdout.Close()

	<-proc.Done()
	require.NoError(t, proc.Err())

	out, err := io.ReadAll(proc.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(out))
}

func TestManagerDuplicateID(t *testing.T) {
	m := NewManager(zap.NewNop())
	defer m.StopAll()

	_, err := m.Start("dup", "cat", nil)
	require.NoError(t, err)

	_, err = m.Start("dup", "cat", nil)
	require.Error(t, err)
}

func TestManagerStop(t *testing.T) {
	m := NewManager(zap.NewNop())

	proc, err := m.Start("sleeper", "cat", nil)
	require.NoError(t, err)

	require.NoError(t, m.Stop("sleeper"))
	<-proc.Done()
	assert.Empty(t, m.List())

	require.ErrorIs(t, m.Stop("sleeper"), ErrNotFound)
}

func TestManagerUnknownCommand(t *testing.T) {
	m := NewManager(zap.NewNop())

	_, err := m.Start("x", "definitely-not-a-real-binary-xyz", nil)
	require.Error(t, err)
	assert.Empty(t, m.List())
}
