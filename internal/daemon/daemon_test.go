package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/config"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/logger"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/agent"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModel struct {
	mu      sync.Mutex
	replies []string
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Dispatch(ctx context.Context, req agent.ModelRequest) (*agent.ModelReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return nil, errors.New("no reply left")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return &agent.ModelReply{Content: r}, nil
}

func useModel(t *testing.T, model agent.ModelClient) {
	prev := newModelClient
	newModelClient = func(agent.FailoverConfig) (agent.ModelClient, error) { return model, nil }
	t.Cleanup(func() { newModelClient = prev })
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Storage.MemoryDir = filepath.Join(dir, "memory")
	cfg.Storage.ExecutionLogPath = filepath.Join(dir, "executions.db")
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Orchestration.ShutdownTimeout = 5 * time.Second
	cfg.AI.Profiles = []config.AIProfile{{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test"}}
	return cfg
}

func createTestDaemon(t *testing.T, model agent.ModelClient) *Daemon {
	useModel(t, model)

	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prevLevel) })

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(testConfig(t), log)
	require.NoError(t, err)
	return d
}

func dialDaemon(t *testing.T, d *Daemon) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+d.Status().Addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func receive(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func receiveTerminal(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	for {
		env := receive(t, conn)
		if env.Type.IsTerminal() {
			return env
		}
	}
}

func TestNew(t *testing.T) {
	t.Run("should wire the turn pipeline", func(t *testing.T) {
		d := createTestDaemon(t, &stubModel{})
		defer d.closeStores()

		assert.NotNil(t, d.orchestrator)
		assert.NotNil(t, d.gatewayServer)
		assert.NotNil(t, d.maintenance)
		assert.NotNil(t, d.lifecycle)
		assert.False(t, d.Status().Running)
	})

	t.Run("should fail when the model client cannot be built", func(t *testing.T) {
		prev := newModelClient
		newModelClient = func(agent.FailoverConfig) (agent.ModelClient, error) { return nil, errors.New("no profiles") }
		defer func() { newModelClient = prev }()

		log, err := logger.New(logger.Config{Level: "info"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(testConfig(t), log)
		assert.Error(t, err)
	})

	t.Run("should fail on an invalid sweep schedule", func(t *testing.T) {
		useModel(t, &stubModel{})
		log, err := logger.New(logger.Config{Level: "info"})
		require.NoError(t, err)
		defer log.Close()

		cfg := testConfig(t)
		cfg.Orchestration.SweepSchedule = "whenever"
		_, err = New(cfg, log)
		assert.Error(t, err)
	})
}

func TestDaemonLifecycle(t *testing.T) {
	d := createTestDaemon(t, &stubModel{replies: []string{"hi there"}})

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Addr)

	pid, err := ReadPID(PIDFilePath(d.GetConfig().Storage.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	conn := dialDaemon(t, d)

	t.Run("should answer ping", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "PING", "requestId": "p1"}))
		assert.Equal(t, protocol.TypePong, receive(t, conn).Type)
	})

	t.Run("should run slash commands without the model", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": "USER_MESSAGE", "sessionCode": "s1", "requestId": "r1", "content": "/help",
		}))
		env := receiveTerminal(t, conn)
		assert.Equal(t, protocol.TypeComplete, env.Type)
		assert.Equal(t, "r1", env.RequestID)
		assert.Contains(t, env.Content, "/clear")
	})

	t.Run("should complete a model turn", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": "USER_MESSAGE", "sessionCode": "s1", "requestId": "r2", "content": "hello",
		}))
		env := receiveTerminal(t, conn)
		assert.Equal(t, protocol.TypeComplete, env.Type)
		assert.Equal(t, "hi there", env.Content)
	})

	t.Run("should apply reloaded settings", func(t *testing.T) {
		next := testConfig(t)
		next.Logging.Level = "debug"
		next.Orchestration.ToolCallTimeout = 42 * time.Second

		d.Reload(next)
		assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
		assert.Equal(t, 42*time.Second, d.correlator.Timeout())
		assert.Equal(t, 42*time.Second, d.GetConfig().Orchestration.ToolCallTimeout)
	})

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())

	_, err = os.Stat(PIDFilePath(d.GetConfig().Storage.DataDir))
	assert.True(t, os.IsNotExist(err))
}
