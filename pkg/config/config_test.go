package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nstogner/aichat/pkg/model"
	"github.com/nstogner/aichat/pkg/relay"
)

// isolateEnv clears variables the loader reads and skips .env files from the
// working directory.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())

	// Every key is registered with t.Setenv so values a .env file sets are
	// rolled back too.
	keys := []string{
		"AICHAT_ADDR", "AICHAT_DB_PATH", "AICHAT_LOG_LEVEL", "AICHAT_DEMO_TOKEN",
		"AICHAT_THINKING_FAMILIES", "AICHAT_CONNECT_TIMEOUT", "AICHAT_READ_TIMEOUT",
		"AICHAT_CHAT_RATE", "AICHAT_CHAT_BURST", ZhipuKeyName, QwenKeyName,
	}
	for i := 1; i <= model.MaxSlots; i++ {
		keys = append(keys, fmt.Sprintf("MODEL_%d_NAME", i), fmt.Sprintf("MODEL_%d_URL", i), fmt.Sprintf("MODEL_%d_KEY", i))
	}
	for _, key := range keys {
		unsetenv(t, key)
	}
}

// unsetenv removes key for the duration of the test.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(name, []byte(content), 0o600))
	return name
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, relay.DefaultConnectTimeout, cfg.Relay.ConnectTimeout)
	require.Equal(t, relay.DefaultReadTimeout, cfg.Relay.ReadTimeout)
	require.Equal(t, []string{"qwen", "qianwen"}, cfg.ThinkingFamilies)
	require.Equal(t, slog.LevelInfo, cfg.Level())
	require.Equal(t, 0, model.Load(cfg.Slots()).Len())
}

func TestLoadTOML(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, filepath.Join(t.TempDir(), "aichat.toml"), `
addr = ":9000"
log_level = "debug"
thinking_families = ["qwen", "gemini"]

[relay]
connect_timeout = "5s"
read_timeout = "2m"

[chat]
rate = 2.0
burst = 10

[models.1]
name = "glm-4.5v"
url = "https://open.bigmodel.cn/api/paas/v4"
key = "file-key-1234"

[models.3]
name = "qwen3-max"
url = "https://dashscope.aliyuncs.com/compatible-mode/v1"
key = "file-key-5678"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, slog.LevelDebug, cfg.Level())
	require.Equal(t, 5*time.Second, cfg.Relay.ConnectTimeout)
	require.Equal(t, 2*time.Minute, cfg.Relay.ReadTimeout)
	require.Equal(t, 2.0, cfg.Chat.Rate)
	require.Equal(t, 10, cfg.Chat.Burst)
	require.Equal(t, []string{"qwen", "gemini"}, cfg.ThinkingFamilies)

	reg := model.Load(cfg.Slots())
	require.Equal(t, 2, reg.Len())
	def, _ := reg.Default()
	require.Equal(t, "glm-4.5v", def.ID)
}

func TestEnvOverridesFile(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, filepath.Join(t.TempDir(), "aichat.toml"), `
[models.1]
name = "glm-4.5v"
url = "https://open.bigmodel.cn/api/paas/v4"
key = "file-key"
`)
	t.Setenv("MODEL_1_KEY", "env-key")
	t.Setenv("MODEL_2_NAME", "m2")
	t.Setenv("MODEL_2_URL", "https://x/v1")
	t.Setenv("MODEL_2_KEY", "abc123")
	t.Setenv("AICHAT_READ_TIMEOUT", "90")
	t.Setenv("AICHAT_THINKING_FAMILIES", "qwen, deepseek ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Relay.ReadTimeout)
	require.Equal(t, []string{"qwen", "deepseek"}, cfg.ThinkingFamilies)

	reg := model.Load(cfg.Slots())
	d, ok := reg.Get("glm-4.5v")
	require.True(t, ok)
	require.Equal(t, "env-key", d.APIKey)

	_, ok = reg.Get("m2")
	require.True(t, ok)
}

func TestSingleSlotScenario(t *testing.T) {
	isolateEnv(t)
	t.Setenv("MODEL_1_NAME", "m1")
	t.Setenv("MODEL_1_URL", "https://x/v1")
	t.Setenv("MODEL_1_KEY", "abc123")

	cfg, err := Load("")
	require.NoError(t, err)

	list := model.Load(cfg.Slots()).ListAvailable()
	require.Len(t, list, 1)
	require.Equal(t, "m1", list[0].ID)
	require.True(t, list[0].Available)
}

func TestDotenvFile(t *testing.T) {
	isolateEnv(t)
	unsetenv(t, "DOTENV_PROBE")
	writeFile(t, ".env", "QWEN_API_KEY=sk-from-dotenv\nAICHAT_ADDR=:7070\nDOTENV_PROBE=1\n")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Addr)
	require.Equal(t, "sk-from-dotenv", cfg.QwenAPIKey)

	reg := model.Load(cfg.Slots())
	d, ok := reg.Get("qwen3-max")
	require.True(t, ok, "fallback model should load from the dotenv key")
	require.Equal(t, "sk-from-dotenv", d.APIKey)
}

func TestDotenvDoesNotOverrideEnvironment(t *testing.T) {
	isolateEnv(t)
	t.Setenv("AICHAT_ADDR", ":6060")
	writeFile(t, ".env", "AICHAT_ADDR=:7070\n")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":6060", cfg.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"AICHAT_CONNECT_TIMEOUT", "0s"},
		{"AICHAT_READ_TIMEOUT", "-1s"},
		{"AICHAT_CHAT_RATE", "0"},
		{"AICHAT_CHAT_BURST", "-3"},
		{"AICHAT_LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			isolateEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load("")
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidateSlotRange(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, filepath.Join(t.TempDir(), "aichat.toml"), `
[models.21]
name = "too-far"
url = "https://x"
key = "k"
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "models.21")
}

func TestLoadMissingFile(t *testing.T) {
	isolateEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("TRACE")
	require.NoError(t, err)
	require.Equal(t, relay.LevelTrace, l)

	l, err = ParseLevel("warning")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, l)
}
