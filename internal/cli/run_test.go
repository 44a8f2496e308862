package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CreatesAndRestoresShapes(t *testing.T) {
	cfg := testConfig(t)

	out, err := execute(t, "--config", cfg, "--format", "json",
		"run", "--owner", owner1, "--shapes", "2", "--duration", "150ms")
	require.NoError(t, err)
	resp := decode(t, out)
	require.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, owner1, data["owner"])
	created := data["shapes"].([]any)
	require.Len(t, created, 2)

	// The shapes were recorded under the owner and persisted.
	out, err = execute(t, "--config", cfg, "--format", "json", "shapes", "list", "--owner", owner1)
	require.NoError(t, err)
	assert.ElementsMatch(t, created, decode(t, out).Data.(map[string]any)["shapes"])

	out, err = execute(t, "--config", cfg, "--format", "json", "position", "--shape", created[0].(string))
	require.NoError(t, err)
	assert.Equal(t, "ok", decode(t, out).Status)

	// A second session restores them without creating new ones.
	out, err = execute(t, "--config", cfg, "--format", "json",
		"run", "--owner", owner1, "--duration", "50ms")
	require.NoError(t, err)
	assert.ElementsMatch(t, created, decode(t, out).Data.(map[string]any)["shapes"])
}

func TestRun_TextOutput(t *testing.T) {
	out, err := execute(t, "--config", testConfig(t),
		"run", "--owner", owner1, "--shapes", "1", "--duration", "20ms", "--tick-interval", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Running 1 shapes for owner "+owner1)
}

func TestRun_InvalidOwner(t *testing.T) {
	_, err := execute(t, "--config", testConfig(t), "run", "--owner", "not-a-uuid")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun_NegativeShapes(t *testing.T) {
	_, err := execute(t, "--config", testConfig(t), "run", "--shapes", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseOwner_GeneratesV7(t *testing.T) {
	owner, err := parseOwner("")
	require.NoError(t, err)
	assert.EqualValues(t, 7, owner.Version())
}
