package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seglab/framecut/internal/config"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "framecut", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["serve"], "should have 'serve' command")
	assert.True(t, commandNames["work"], "should have 'work' command")
	assert.True(t, commandNames["plan"], "should have 'plan' command")
	assert.True(t, commandNames["status"], "should have 'status' command")
}

func TestWorkCommandFlags(t *testing.T) {
	cmd := buildWorkCommand()

	flag := cmd.Flags().Lookup("count")
	require.NotNil(t, flag)
	assert.Equal(t, "1", flag.DefValue)
	assert.Equal(t, "n", flag.Shorthand)
}

func TestRunWorkRejectsBadCount(t *testing.T) {
	assert.Error(t, runWork(0))
	assert.Error(t, runWork(-3))
}

func TestBuildBackendFixed(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "fixed"

	b, err := buildBackend(cfg)
	require.NoError(t, err)
	assert.Equal(t, "fixed", b.Name())
}

func TestBuildBackendOpenAIRequiresKey(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "openai"
	cfg.Backend.APIKey = ""

	_, err := buildBackend(cfg)
	assert.Error(t, err)

	cfg.Backend.APIKey = "sk-test"
	b, err := buildBackend(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai", b.Name())
}

func TestBuildBackendUnknownType(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "carrier-pigeon"

	_, err := buildBackend(cfg)
	assert.Error(t, err)
}

func TestPlanCommand(t *testing.T) {
	dir := t.TempDir()
	videoDir := filepath.Join(dir, "videos", "vid_a")
	require.NoError(t, os.MkdirAll(videoDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(videoDir, "meta.yaml"),
		[]byte("nframes: 16\nfps: 30\n"), 0o644))

	cfgPath := filepath.Join(dir, "framecut.yaml")
	body := "data:\n  videos_dir: " + filepath.Join(dir, "videos") + "\nplan:\n  window_size: 8\n  stride: 4\n  frames_per_window: 4\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	cmd := BuildCLI()
	cmd.SetArgs([]string{"plan", "-c", cfgPath})
	assert.NoError(t, cmd.Execute())
}

func TestStatusCommandUnreachable(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "framecut.yaml")
	require.NoError(t, os.WriteFile(cfgPath,
		[]byte("worker:\n  server_url: http://127.0.0.1:1\n"), 0o644))

	cmd := BuildCLI()
	cmd.SetArgs([]string{"status", "-c", cfgPath})
	assert.Error(t, cmd.Execute())
}

func TestLoadConfigMissingFile(t *testing.T) {
	configFile = filepath.Join(t.TempDir(), "nope.yaml")
	_, err := loadConfig()
	assert.Error(t, err)
}
