package version

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingGate(dir string) (*Gate, *int) {
	n := 0
	g := New(dir, nil)
	g.Invalidator = InvalidatorFunc(func(context.Context) error {
		n++
		return nil
	})
	return g, &n
}

func TestReconcile_FirstRunPersistsOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "userData")
	g, n := countingGate(dir)
	res := g.Reconcile(context.Background(), "1.2.0")
	assert.True(t, res.FirstRun)
	assert.False(t, res.Invalidated)
	assert.Equal(t, 0, *n)

	b, err := os.ReadFile(g.MarkerPath())
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", string(b))
}

func TestReconcile_IdempotentForSameVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerFile), []byte("1.0.0\n"), 0o600))
	g, n := countingGate(dir)

	res := g.Reconcile(context.Background(), "1.1.0")
	assert.Equal(t, "1.0.0", res.Previous)
	assert.True(t, res.Invalidated)

	res = g.Reconcile(context.Background(), "1.1.0")
	assert.Equal(t, "1.1.0", res.Previous)
	assert.False(t, res.Invalidated)
	assert.Equal(t, 1, *n)
}

func TestReconcile_InvalidatorFailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerFile), []byte("1.0.0"), 0o600))
	g := New(dir, nil)
	g.Invalidator = InvalidatorFunc(func(context.Context) error { return errors.New("busy") })

	res := g.Reconcile(context.Background(), "2.0.0")
	assert.False(t, res.Invalidated)
	b, err := os.ReadFile(g.MarkerPath())
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", string(b))
}

func TestReconcile_UnwritableDirIsNonFatal(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	g, _ := countingGate(filepath.Join(file, "sub"))
	assert.NotPanics(t, func() { g.Reconcile(context.Background(), "1.0.0") })
}

func TestDirInvalidator_RemovesCacheDirs(t *testing.T) {
	root := t.TempDir()
	for _, d := range DefaultCacheDirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o750))
		require.NoError(t, os.WriteFile(filepath.Join(root, d, "entry"), []byte("x"), 0o600))
	}
	keep := filepath.Join(root, "Local Storage")
	require.NoError(t, os.MkdirAll(keep, 0o750))

	require.NoError(t, DirInvalidator{Root: root}.Invalidate(context.Background()))
	for _, d := range DefaultCacheDirs {
		assert.NoDirExists(t, filepath.Join(root, d))
	}
	assert.DirExists(t, keep)
	assert.DirExists(t, filepath.Join(root, "Service Worker"))
}

func TestReconcile_EmptyMarkerIsFirstRun(t *testing.T) {
	for _, content := range []string{"", "  \n"} {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerFile), []byte(content), 0o600))
		g, n := countingGate(dir)
		res := g.Reconcile(context.Background(), "1.0.0")
		assert.True(t, res.FirstRun)
		assert.False(t, res.Invalidated)
		assert.Equal(t, 0, *n)

		b, err := os.ReadFile(g.MarkerPath())
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", string(b))
	}
}

func TestReconcile_GateLiteralWithoutLogger(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerFile), []byte("0.9.0"), 0o600))
	calls := 0
	g := &Gate{Dir: dir, Invalidator: InvalidatorFunc(func(context.Context) error {
		calls++
		return nil
	})}
	var res Result
	require.NotPanics(t, func() { res = g.Reconcile(context.Background(), "1.0.0") })
	assert.True(t, res.Invalidated)
	assert.Equal(t, 1, calls)
}
