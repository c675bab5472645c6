package discovery

import (
    "context"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestStaticAndParse(t *testing.T) {
    assert.Equal(t, []string{"a:1", "b:2"}, Parse(" b:2, a:1,,a:1 "))
    assert.Empty(t, Parse(""))
    d := Static("n2:7946", " ", "n1:7946")
    got := d.Seeds(context.Background())
    assert.Equal(t, []string{"n1:7946", "n2:7946"}, got)
    got[0] = "mutated"
    assert.Equal(t, "n1:7946", d.Seeds(context.Background())[0])
}

func TestMerge(t *testing.T) {
    d := Merge(Static("b:1", "a:1"), nil, Func(func(context.Context) []string { return []string{"a:1", "c:1"} }))
    assert.Equal(t, []string{"a:1", "b:1", "c:1"}, d.Seeds(context.Background()))
}

func TestExclude(t *testing.T) {
    assert.Equal(t, []string{"b:1"}, Exclude([]string{"a:1", "b:1"}, "a:1", ""))
}

func TestFile_EnvOverridesAndGlob(t *testing.T) {
    dir := t.TempDir()
    require.NoError(t, os.WriteFile(filepath.Join(dir, "a.seeds"), []byte("# seeds\nn1:7946, n2:7946\n"), 0o600))
    require.NoError(t, os.WriteFile(filepath.Join(dir, "b.seeds"), []byte("n3:7946\nn1:7946\n"), 0o600))

    d := File(FileOptions{Path: filepath.Join(dir, "*.seeds"), Env: "FLOWCLUSTER_TEST_SEEDS", Refresh: time.Millisecond})
    assert.Equal(t, []string{"n1:7946", "n2:7946", "n3:7946"}, d.Seeds(context.Background()))

    t.Setenv("FLOWCLUSTER_TEST_SEEDS", "x:1,y:2")
    assert.Equal(t, []string{"x:1", "y:2"}, d.Seeds(context.Background()))
}

func TestDNS_LiteralsAndLocalhost(t *testing.T) {
    d := DNS(DNSOptions{Names: []string{"10.0.0.5:7000", "localhost"}, Port: 7946})
    got := d.Seeds(context.Background())
    assert.Contains(t, got, "10.0.0.5:7000")
    assert.Contains(t, got, "127.0.0.1:7946")
}
