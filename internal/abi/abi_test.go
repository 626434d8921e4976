package abi

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const binary = "better_sqlite3.node"

func resourceTree(t *testing.T) (string, string) {
	t.Helper()
	res := t.TempDir()
	p := filepath.Join(res, "standalone", "node_modules", "better-sqlite3", "build", "Release", binary)
	writeFile(t, p)
	return res, p
}

func guardWith(l Loader) *Guard {
	return &Guard{
		Binary:    binary,
		SearchDir: filepath.Join("standalone", "node_modules"),
		Signature: "NODE_MODULE_VERSION",
		Loader:    l,
	}
}

func TestGuard_Compatible(t *testing.T) {
	res, p := resourceTree(t)
	var probed string
	g := guardWith(LoaderFunc(func(_ context.Context, path string) error {
		probed = path
		return nil
	}))
	r := g.Check(context.Background(), res)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, p, r.Path)
	assert.Equal(t, p, probed)
	assert.NoError(t, r.Err())
}

func TestGuard_MismatchIsFatal(t *testing.T) {
	res, p := resourceTree(t)
	g := guardWith(LoaderFunc(func(context.Context, string) error {
		return errors.New("was compiled against a different Node.js version using NODE_MODULE_VERSION 127. This version requires NODE_MODULE_VERSION 143")
	}))
	r := g.Check(context.Background(), res)
	require.Equal(t, StatusMismatch, r.Status)
	var me *MismatchError
	require.ErrorAs(t, r.Err(), &me)
	assert.Equal(t, p, me.Path)
	assert.Contains(t, me.Detail, "NODE_MODULE_VERSION 127")
}

func TestGuard_OtherLoadFailureIsUnknown(t *testing.T) {
	res, _ := resourceTree(t)
	g := guardWith(LoaderFunc(func(context.Context, string) error {
		return errors.New("libstdc++.so.6: cannot open shared object file")
	}))
	r := g.Check(context.Background(), res)
	assert.Equal(t, StatusUnknown, r.Status)
	assert.NoError(t, r.Err())
}

func TestGuard_MissingBinaryIsUnknown(t *testing.T) {
	g := guardWith(LoaderFunc(func(context.Context, string) error {
		t.Fatal("loader must not run without a binary")
		return nil
	}))
	r := g.Check(context.Background(), t.TempDir())
	assert.Equal(t, StatusUnknown, r.Status)
	assert.Empty(t, r.Path)
}

func TestGuard_SkippedInDevMode(t *testing.T) {
	g := guardWith(nil)
	g.DevMode = true
	r := g.Check(context.Background(), "/does/not/matter")
	assert.Equal(t, StatusSkipped, r.Status)
	assert.Equal(t, "skipped", r.Status.String())
}

func TestCommandLoader(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	res, p := resourceTree(t)

	ok := CommandLoader{Command: []string{"/bin/sh", "-c", `test -f "$1"`, "probe"}}
	assert.NoError(t, ok.Load(context.Background(), p))

	bad := CommandLoader{Command: []string{"/bin/sh", "-c", `echo "Error: $1 was compiled against NODE_MODULE_VERSION 127" >&2; exit 1`, "probe"}}
	r := guardWith(bad).Check(context.Background(), res)
	assert.Equal(t, StatusMismatch, r.Status)
	assert.Contains(t, r.Detail, p)

	missing := CommandLoader{Command: []string{filepath.Join(t.TempDir(), "no-runtime")}}
	r = guardWith(missing).Check(context.Background(), res)
	assert.Equal(t, StatusUnknown, r.Status)

	assert.Error(t, CommandLoader{}.Load(context.Background(), p))
}
