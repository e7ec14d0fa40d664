package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/revmigrate/internal/graph"
	"github.com/example/revmigrate/internal/revision"
	"github.com/example/revmigrate/internal/testfixtures"
)

func collect(t *testing.T, r *Repository) []revision.Revision {
	t.Helper()
	revs, err := revision.Collect(r.Discover(context.Background()))
	require.NoError(t, err)
	return revs
}

func ids(revs []revision.Revision) []string {
	out := make([]string, len(revs))
	for i, rev := range revs {
		out[i] = rev.ID
	}
	return out
}

func TestDiscoverReadsMetadataAndScripts(t *testing.T) {
	fsys := fstest.MapFS{
		"a/revision":   {Data: []byte("Label: create users\n")},
		"a/deploy.sql": {Data: []byte("CREATE TABLE users (id INTEGER);")},
		"a/revert.sql": {Data: []byte("DROP TABLE users;")},
		"b/revision":   {Data: []byte("Parent: a\n\nX-Reviewed: yes\n")},
		"m/revision":   {Data: []byte("Parent: a\nParent: b\n")},
		"notes.txt":    {Data: []byte("ignored")},
	}

	revs := collect(t, NewFS(fsys))
	require.Equal(t, []string{"a", "b", "m"}, ids(revs))

	a := revs[0]
	assert.Equal(t, "create users", a.Label)
	assert.Empty(t, a.Parents)
	assert.Equal(t, revision.SQLProcedure{Deploy: "CREATE TABLE users (id INTEGER);", Revert: "DROP TABLE users;"}, a.Procedure)
	assert.Equal(t, revision.Checksum([]byte("CREATE TABLE users (id INTEGER);"), []byte("DROP TABLE users;")), a.Checksum)
	assert.Equal(t, "a", a.Source)

	assert.Equal(t, []string{"a"}, revs[1].Parents)
	assert.Equal(t, revision.SQLProcedure{}, revs[1].Procedure)
	assert.Equal(t, []string{"a", "b"}, revs[2].Parents)
}

func TestDiscoverReportsReadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		msg  string
		line int
	}{
		{"malformed line", "Parent a\n", "malformed line", 1},
		{"duplicate label", "Label: one\nLabel: two\n", "duplicate property", 2},
		{"duplicate parent", "Parent: a\n\nParent: a\n", "duplicate parent", 3},
		{"malformed parent", "Parent: a b\n", "malformed parent", 1},
		{"empty value", "Label:\n", "malformed line", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{
				"a/revision": {Data: []byte("")},
				"x/revision": {Data: []byte(tt.data)},
			}
			_, err := revision.Collect(NewFS(fsys).Discover(context.Background()))

			var readErr *ReadError
			require.True(t, errors.As(err, &readErr), "got %v", err)
			assert.Contains(t, readErr.Msg, tt.msg)
			assert.Equal(t, "x/revision", readErr.Path)
			assert.Equal(t, tt.line, readErr.Line)
			assert.Regexp(t, regexp.MustCompile(`\(x/revision:\d+\)$`), err.Error())
		})
	}
}

func TestDiscoverSkipsHiddenDirectories(t *testing.T) {
	fsys := fstest.MapFS{
		".git/revision": {Data: []byte("garbage")},
		"a/revision":    {Data: []byte("")},
	}
	assert.Equal(t, []string{"a"}, ids(collect(t, NewFS(fsys))))
}

func TestDiscoverHonoursCancellation(t *testing.T) {
	fsys := fstest.MapFS{"a/revision": {Data: []byte("")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := revision.Collect(NewFS(fsys).Discover(ctx))
	require.ErrorIs(t, err, context.Canceled)
}

func TestReadOnlyRepositoryRejectsMutations(t *testing.T) {
	r := NewFS(fstest.MapFS{})
	_, err := r.Add(context.Background(), AddOptions{ID: "a"})
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestOpenRequiresDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	var fsErr *FileSystemError
	require.True(t, errors.As(err, &fsErr))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAddWritesRevisionFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "revisions")
	gen := testfixtures.NewIDGenerator("rev")
	r, err := Init(dir, WithIDGenerator(gen.NextFunc()))
	require.NoError(t, err)
	ctx := context.Background()

	root, err := r.Add(ctx, AddOptions{Label: "initial", Deploy: "CREATE TABLE t (id INTEGER);", Revert: "DROP TABLE t;"})
	require.NoError(t, err)
	assert.Equal(t, "rev-0001", root.ID)

	child, err := r.Add(ctx, AddOptions{Parents: []string{root.ID, root.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{"rev-0001"}, child.Parents)

	meta, err := os.ReadFile(filepath.Join(dir, "rev-0002", MetadataFile))
	require.NoError(t, err)
	assert.Equal(t, "Parent: rev-0001\n", string(meta))

	deploy, err := os.ReadFile(filepath.Join(dir, "rev-0001", DeployFile))
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id INTEGER);", string(deploy))

	revs := collect(t, r)
	require.Equal(t, []string{"rev-0001", "rev-0002"}, ids(revs))
	assert.Equal(t, root.Checksum, revs[0].Checksum)
	assert.Equal(t, "initial", revs[0].Label)
}

func TestAddGeneratesRandomIDs(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)

	rev, err := r.Add(context.Background(), AddOptions{})
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{12}$`, rev.ID)
}

func TestAddRejectsInvalidInput(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Add(ctx, AddOptions{ID: "a"})
	require.NoError(t, err)

	_, err = r.Add(ctx, AddOptions{ID: "a"})
	assert.ErrorIs(t, err, revision.ErrDuplicateID)

	_, err = r.Add(ctx, AddOptions{ID: "b", Parents: []string{"missing"}})
	assert.ErrorIs(t, err, graph.ErrUnknownParent)

	_, err = r.Add(ctx, AddOptions{ID: "../escape"})
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = r.Add(ctx, AddOptions{ID: "c", Label: "two\nlines"})
	assert.ErrorIs(t, err, ErrInvalidLabel)

	assert.Equal(t, []string{"a"}, ids(collect(t, r)))
}

func TestMergeJoinsAllHeads(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, opts := range []AddOptions{
		{ID: "r"},
		{ID: "x", Parents: []string{"r"}},
		{ID: "y", Parents: []string{"r"}},
	} {
		_, err := r.Add(ctx, opts)
		require.NoError(t, err)
	}

	merge, err := r.Merge(ctx, AddOptions{ID: "m", Label: "join"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, merge.Parents)

	g, err := graph.BuildFrom(r.Discover(ctx))
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, g.Heads())

	_, err = r.Merge(ctx, AddOptions{})
	assert.ErrorIs(t, err, ErrNothingToMerge)
}

func TestRebaseOntoHead(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, opts := range []AddOptions{
		{ID: "a"},
		{ID: "b", Parents: []string{"a"}},
		{ID: "c", Parents: []string{"a"}, Label: "side"},
	} {
		_, err := r.Add(ctx, opts)
		require.NoError(t, err)
	}

	rev, err := r.Rebase(ctx, "c", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, rev.Parents)
	assert.Equal(t, "side", rev.Label)

	g, err := graph.BuildFrom(r.Discover(ctx))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, g.Heads())

	seq, err := g.Sequence("", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seq)
}

func TestRebaseRejections(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, opts := range []AddOptions{
		{ID: "a"},
		{ID: "b", Parents: []string{"a"}},
		{ID: "c", Parents: []string{"b"}},
		{ID: "d", Parents: []string{"a"}},
		{ID: "m", Parents: []string{"c", "d"}},
	} {
		_, err := r.Add(ctx, opts)
		require.NoError(t, err)
	}

	_, err = r.Rebase(ctx, "b", "m")
	require.ErrorIs(t, err, graph.ErrCycle)
	var graphErr *graph.Error
	require.True(t, errors.As(err, &graphErr))
	assert.Equal(t, []string{"b", "c", "m"}, graphErr.Cycle)

	_, err = r.Rebase(ctx, "m", "m")
	assert.ErrorIs(t, err, ErrMergeRebase)

	_, err = r.Rebase(ctx, "d", "c")
	assert.ErrorIs(t, err, ErrNotHead)

	_, err = r.Rebase(ctx, "zz", "m")
	assert.ErrorIs(t, err, graph.ErrUnknownRevision)

	meta, err := os.ReadFile(filepath.Join(r.Root(), "b", MetadataFile))
	require.NoError(t, err)
	assert.Equal(t, "Parent: a\n", string(meta))
}

func TestRebaseOntoItselfIsACycle(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Add(ctx, AddOptions{ID: "a"})
	require.NoError(t, err)

	_, err = r.Rebase(ctx, "a", "a")
	require.ErrorIs(t, err, graph.ErrCycle)
}

func TestRepositoryFeedsGraph(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Add(ctx, AddOptions{ID: "a"})
	require.NoError(t, err)

	// A second writer edits metadata by hand and introduces an unknown parent.
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root(), "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), "b", MetadataFile), []byte("Parent: ghost\n"), 0o644))

	_, err = graph.BuildFrom(r.Discover(ctx))
	require.ErrorIs(t, err, graph.ErrUnknownParent)
}
