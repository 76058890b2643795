package cli_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/cmd/memlink/cli"
	"github.com/frobware/go-memlink/codec"
)

type cliEnv struct {
	descDir string
	globals []string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	base := t.TempDir()
	descDir := filepath.Join(base, "desc")
	return cliEnv{descDir: descDir, globals: []string{
		"--config", filepath.Join(base, "memlink.toml"),
		"--runtime-dir", filepath.Join(base, "run"),
		"--desc-dir", descDir,
	}}
}

func (e cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := cli.Run(context.Background(), append(append([]string{}, e.globals...), args...), strings.NewReader(stdin), &out)
	return out.String(), err
}

func (e cliEnv) mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := e.run(t, stdin, args...)
	require.NoError(t, err, "memlink %s", strings.Join(args, " "))
	return out
}

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, jsoniter.Unmarshal([]byte(s), &v))
	return v
}

func TestCLI_ExportImportRoundTrip(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun(t, "", "export", "--node", "1=128MiB", "--priv", "OCHIP | CACHEABLE", "--owner", "cli-test", "-o", "json")
	exp := decodeJSON(t, out)
	handle := exp["handle"].(map[string]any)
	exportID := fmt.Sprintf("%.0f", handle["id"])
	assert.Equal(t, "exported", handle["state"])
	assert.Equal(t, "cli-test", handle["owner"])
	assert.FileExists(t, exp["path"].(string))

	state := env.mustRun(t, "", "get", exportID, "-o", "jsonpath={.state}")
	assert.Equal(t, "exported\n", state)

	text := env.mustRun(t, "", "desc", "encode", exportID)
	assert.NotContains(t, strings.TrimSpace(text), "\n", "compact form is a single line")

	canonical := env.mustRun(t, text, "desc", "decode")
	assert.Contains(t, canonical, `"priv_len": 2`)

	out = env.mustRun(t, text, "import", "--stdin", "-o", "json")
	imp := decodeJSON(t, out)
	importID := fmt.Sprintf("%.0f", imp["handle"].(map[string]any)["id"])
	assert.NotEqual(t, exportID, importID)

	out = env.mustRun(t, "", "list", "--role", "import", "-o", "json")
	var imports []map[string]any
	require.NoError(t, jsoniter.Unmarshal([]byte(out), &imports))
	require.Len(t, imports, 1)
	assert.Equal(t, "imported", imports[0]["state"])

	_, err := env.run(t, "", "unexport", exportID)
	require.Error(t, err, "export stays busy while imported")

	assert.Equal(t, "Unimported "+importID+"\n", env.mustRun(t, "", "unimport", importID))
	assert.Equal(t, "Unexported "+exportID+"\n", env.mustRun(t, "", "unexport", exportID))

	assert.Equal(t, "No handles found\n", env.mustRun(t, "", "list"))

	out = env.mustRun(t, "", "doctor")
	assert.Contains(t, out, "All checks passed")
}

func TestCLI_ImportByID(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun(t, "", "export", "--node", "0=2MiB", "-o", "jsonpath={.handle.id}")
	exportID := strings.TrimSpace(out)

	out = env.mustRun(t, "", "import", exportID, "--persist")
	assert.Contains(t, out, "MEMID")
	assert.Contains(t, out, exportID)

	out = env.mustRun(t, "", "list")
	assert.Contains(t, out, "export")
	assert.Contains(t, out, "import")
}

func TestCLI_ImportRequiresOneSource(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "", "import")
	assert.ErrorContains(t, err, "exactly one of")

	_, err = env.run(t, "{}", "import", "7", "--stdin")
	assert.ErrorContains(t, err, "exactly one of")
}

func TestCLI_UnimportFlags(t *testing.T) {
	env := newCLIEnv(t)

	exportID := strings.TrimSpace(env.mustRun(t, "", "export", "--node", "1=4MiB", "-o", "jsonpath={.handle.id}"))
	importID := strings.TrimSpace(env.mustRun(t, "", "import", exportID, "-o", "jsonpath={.handle.id}"))

	_, err := env.run(t, "", "unimport", importID, "--flags", "SHARED")
	require.Error(t, err)
	state := env.mustRun(t, "", "get", importID, "-o", "jsonpath={.state}")
	assert.Equal(t, "imported\n", state, "rejected flags leave the import alone")

	assert.Equal(t, "Unimported "+importID+"\n", env.mustRun(t, "", "unimport", importID, "--flags", "ALLOWMMAP"))
	assert.Equal(t, "Unexported "+exportID+"\n", env.mustRun(t, "", "unexport", exportID))
}

func TestCLI_SecondUnexportReportsReleased(t *testing.T) {
	env := newCLIEnv(t)

	exportID := strings.TrimSpace(env.mustRun(t, "", "export", "--node", "1=4MiB", "-o", "jsonpath={.handle.id}"))
	env.mustRun(t, "", "unexport", exportID)

	_, err := env.run(t, "", "unexport", exportID)
	assert.ErrorContains(t, err, "released")
}

func TestCLI_QueryRoundTrip(t *testing.T) {
	env := newCLIEnv(t)

	exportID := strings.TrimSpace(env.mustRun(t, "", "export", "--node", "1=4MiB", "-o", "jsonpath={.handle.id}"))
	res := decodeJSON(t, env.mustRun(t, "", "query", "pa", exportID, "0x1000", "-o", "json"))
	pa := fmt.Sprintf("%.0f", res["pa"])

	res = decodeJSON(t, env.mustRun(t, "", "query", "memid", pa, "-o", "json"))
	assert.Equal(t, exportID, fmt.Sprintf("%.0f", res["mem_id"]))
	assert.EqualValues(t, 0x1000, res["offset"])
}

func TestCLI_DescDecodeRejectsInvalid(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, `{"addr": 1}`, "desc", "decode")
	assert.Error(t, err)
}

func TestCLI_InvalidFlags(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "", "export", "--node", "1=128MiB", "--flags", "SHARED")
	assert.Error(t, err)

	_, err = env.run(t, "", "get", "not-a-number")
	assert.Error(t, err)

	_, err = env.run(t, "", "--provider", "rdma", "list")
	assert.Error(t, err)
}

func TestCLI_Prune(t *testing.T) {
	env := newCLIEnv(t)

	exportID := strings.TrimSpace(env.mustRun(t, "", "export", "--node", "1=4MiB", "-o", "jsonpath={.handle.id}"))
	env.mustRun(t, "", "unexport", exportID)

	assert.Equal(t, "Pruned 0 released record(s)\n", env.mustRun(t, "", "prune"))
	assert.Equal(t, "Pruned 1 released record(s)\n", env.mustRun(t, "", "prune", "--older-than", "0s"))
}

func TestCLI_GCReleasedDescriptor(t *testing.T) {
	env := newCLIEnv(t)

	exportID := strings.TrimSpace(env.mustRun(t, "", "export", "--node", "1=4MiB", "-o", "jsonpath={.handle.id}"))
	text := env.mustRun(t, "", "desc", "encode", exportID)
	env.mustRun(t, "", "unexport", exportID)

	// Put the file back as if the release crashed before removing it.
	id, err := memlink.ParseMemID(exportID)
	require.NoError(t, err)
	descs := codec.NewFileStore(env.descDir, nil)
	require.NoError(t, descs.Put(id, []byte(text)))

	out := env.mustRun(t, "", "gc")
	assert.Contains(t, out, "released_descriptor")
	assert.Contains(t, out, "Dry run: 1 file(s)")
	assert.FileExists(t, descs.Path(id))

	out = env.mustRun(t, "", "gc", "--apply")
	assert.Contains(t, out, "Removed 1, failed 0, skipped 0")
	assert.NoFileExists(t, descs.Path(id))

	assert.Equal(t, "Nothing to collect.\n", env.mustRun(t, "", "gc"))
}
