package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testConfig writes a config file that keeps every file under a temp dir.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "shapefabric.toml")
	data := fmt.Sprintf(`database = %q
log_level = "error"

[runtime]
tick_interval = "5ms"

[events]
lease = "200ms"

[replicas]
dir = %q
count = 3
`, filepath.Join(dir, "shapes.db"), filepath.Join(dir, "replicas"))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

// execute runs the root command and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// decode parses the first JSON response in out.
func decode(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.NewDecoder(bytes.NewBufferString(out)).Decode(&resp), "output: %s", out)
	return resp
}
