// Package repository stores revisions as plain files so they can be tracked
// in version control.
//
// Each revision is a directory named after its id holding a metadata file
// and the two scripts:
//
//	<root>/<id>/revision    Key: value lines (Parent, repeatable; Label)
//	<root>/<id>/deploy.sql  upgrade script
//	<root>/<id>/revert.sql  downgrade script
package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/facebookgo/atomicfile"
	"github.com/google/uuid"
	fslock "github.com/ipfs/go-fs-lock"

	"github.com/example/revmigrate/internal/graph"
	"github.com/example/revmigrate/internal/revision"
)

const (
	// MetadataFile holds the parent links and label of a revision.
	MetadataFile = "revision"
	// DeployFile is the upgrade script.
	DeployFile = "deploy.sql"
	// RevertFile is the downgrade script.
	RevertFile = "revert.sql"
	// LockFile keeps concurrent authoring commands off the same directory.
	LockFile = ".revmigrate.lock"
)

var (
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	linePattern = regexp.MustCompile(`^([^:\s]+):\s+(\S.*)$`)
)

// Repository is a revision store over a directory tree.
type Repository struct {
	fsys  fs.FS
	root  string // empty for read-only file systems
	newID func() string
}

// Option customises a Repository.
type Option func(*Repository)

// WithIDGenerator replaces the random id source used by Add.
func WithIDGenerator(next func() string) Option {
	return func(r *Repository) {
		if next != nil {
			r.newID = next
		}
	}
}

// NewFS returns a read-only repository over fsys, for instance embedded
// scripts.
func NewFS(fsys fs.FS, opts ...Option) *Repository {
	r := &Repository{fsys: fsys, newID: randomID}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open returns a writable repository rooted at dir.
func Open(dir string, opts ...Option) (*Repository, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, NewFileSystemError(dir, "open repository", err)
	}
	if !info.IsDir() {
		return nil, NewFileSystemError(dir, "open repository", errors.New("not a directory"))
	}

	r := NewFS(os.DirFS(dir), opts...)
	r.root = dir
	return r, nil
}

// Init creates dir when missing and opens it.
func Init(dir string, opts ...Option) (*Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewFileSystemError(dir, "create repository", err)
	}
	return Open(dir, opts...)
}

// Root returns the directory backing the repository, or "" when read-only.
func (r *Repository) Root() string {
	return r.root
}

// randomID returns 12 random hex digits.
func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Discover yields every revision in ascending id order.
func (r *Repository) Discover(ctx context.Context) iter.Seq2[revision.Revision, error] {
	return func(yield func(revision.Revision, error) bool) {
		paths, err := fs.Glob(r.fsys, "*/"+MetadataFile)
		if err != nil {
			yield(revision.Revision{}, NewFileSystemError(r.display("."), "scan repository", err))
			return
		}

		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				yield(revision.Revision{}, err)
				return
			}
			if strings.HasPrefix(p, ".") {
				continue
			}
			rev, err := r.read(p)
			if err != nil {
				yield(revision.Revision{}, err)
				return
			}
			if !yield(rev, nil) {
				return
			}
		}
	}
}

func (r *Repository) read(metaPath string) (revision.Revision, error) {
	dir := path.Dir(metaPath)
	if !idPattern.MatchString(dir) {
		return revision.Revision{}, fmt.Errorf("%w: %q", ErrInvalidID, r.display(dir))
	}

	data, err := fs.ReadFile(r.fsys, metaPath)
	if err != nil {
		return revision.Revision{}, NewFileSystemError(r.display(metaPath), "read metadata", err)
	}
	rev, err := parseMetadata(data, r.display(metaPath))
	if err != nil {
		return revision.Revision{}, err
	}

	deploy, err := r.readScript(path.Join(dir, DeployFile))
	if err != nil {
		return revision.Revision{}, err
	}
	revert, err := r.readScript(path.Join(dir, RevertFile))
	if err != nil {
		return revision.Revision{}, err
	}

	rev.ID = dir
	rev.Procedure = revision.SQLProcedure{Deploy: string(deploy), Revert: string(revert)}
	rev.Checksum = revision.Checksum(deploy, revert)
	rev.Source = r.display(dir)
	return rev, nil
}

// readScript treats a missing script as empty.
func (r *Repository) readScript(name string) ([]byte, error) {
	data, err := fs.ReadFile(r.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, NewFileSystemError(r.display(name), "read script", err)
	}
	return data, nil
}

func (r *Repository) display(name string) string {
	if r.root == "" {
		return name
	}
	return filepath.Join(r.root, filepath.FromSlash(name))
}

// parseMetadata reads Key: value lines. Parent may repeat; any other key may
// appear once. Unknown keys are ignored.
func parseMetadata(data []byte, source string) (revision.Revision, error) {
	var rev revision.Revision
	seen := make(map[string]bool)

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}

		match := linePattern.FindStringSubmatch(line)
		if match == nil {
			return revision.Revision{}, &ReadError{Msg: fmt.Sprintf("malformed line: %q", line), Path: source, Line: i + 1}
		}
		key, value := match[1], match[2]

		switch key {
		case "Parent":
			if !idPattern.MatchString(value) {
				return revision.Revision{}, &ReadError{Msg: fmt.Sprintf("malformed parent: %q", value), Path: source, Line: i + 1}
			}
			if slices.Contains(rev.Parents, value) {
				return revision.Revision{}, &ReadError{Msg: fmt.Sprintf("duplicate parent: %q", value), Path: source, Line: i + 1}
			}
			rev.Parents = append(rev.Parents, value)
			continue
		case "Label":
			rev.Label = value
		}

		if seen[key] {
			return revision.Revision{}, &ReadError{Msg: fmt.Sprintf("duplicate property: %q", key), Path: source, Line: i + 1}
		}
		seen[key] = true
	}

	return rev, nil
}

func encodeMetadata(rev revision.Revision) []byte {
	var b strings.Builder
	for _, parent := range rev.Parents {
		fmt.Fprintf(&b, "Parent: %s\n", parent)
	}
	if rev.Label != "" {
		fmt.Fprintf(&b, "Label: %s\n", rev.Label)
	}
	return []byte(b.String())
}

// ----------------------------- Authoring -----------------------------

// AddOptions describes a new revision. An empty ID is replaced by a random
// one. Deploy and Revert seed the scripts, which are otherwise left empty.
type AddOptions struct {
	ID      string
	Label   string
	Parents []string
	Deploy  string
	Revert  string
}

// Add creates a revision directory.
func (r *Repository) Add(ctx context.Context, opts AddOptions) (revision.Revision, error) {
	unlock, err := r.lock()
	if err != nil {
		return revision.Revision{}, err
	}
	defer unlock()

	revs, err := revision.Collect(r.Discover(ctx))
	if err != nil {
		return revision.Revision{}, err
	}
	return r.add(revs, opts)
}

// Merge adds a revision whose parents are all current heads.
func (r *Repository) Merge(ctx context.Context, opts AddOptions) (revision.Revision, error) {
	unlock, err := r.lock()
	if err != nil {
		return revision.Revision{}, err
	}
	defer unlock()

	g, err := graph.BuildFrom(r.Discover(ctx))
	if err != nil {
		return revision.Revision{}, err
	}
	heads := g.Heads()
	if len(heads) < 2 {
		return revision.Revision{}, fmt.Errorf("%w: %v", ErrNothingToMerge, heads)
	}

	revs := make([]revision.Revision, 0, g.Len())
	for _, id := range g.TopologicalOrder() {
		rev, _ := g.Revision(id)
		revs = append(revs, rev)
	}
	opts.Parents = heads
	return r.add(revs, opts)
}

func (r *Repository) add(existing []revision.Revision, opts AddOptions) (revision.Revision, error) {
	id := opts.ID
	if id == "" {
		id = r.newID()
	}
	if !idPattern.MatchString(id) {
		return revision.Revision{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if strings.ContainsAny(opts.Label, "\r\n") {
		return revision.Revision{}, fmt.Errorf("%w: %q must be a single line", ErrInvalidLabel, opts.Label)
	}

	known := make(map[string]struct{}, len(existing))
	for _, rev := range existing {
		known[rev.ID] = struct{}{}
	}
	if _, dup := known[id]; dup {
		return revision.Revision{}, fmt.Errorf("%w: %s", revision.ErrDuplicateID, id)
	}

	var parents []string
	for _, parent := range opts.Parents {
		if _, ok := known[parent]; !ok {
			return revision.Revision{}, &graph.Error{Kind: graph.KindUnknownParent, Revision: id, Parent: parent}
		}
		if !slices.Contains(parents, parent) {
			parents = append(parents, parent)
		}
	}

	dir := filepath.Join(r.root, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return revision.Revision{}, NewFileSystemError(dir, "create revision", err)
	}

	rev := revision.Revision{
		ID:        id,
		Label:     opts.Label,
		Parents:   parents,
		Procedure: revision.SQLProcedure{Deploy: opts.Deploy, Revert: opts.Revert},
		Checksum:  revision.Checksum([]byte(opts.Deploy), []byte(opts.Revert)),
		Source:    dir,
	}

	files := []struct {
		name string
		data []byte
	}{
		{DeployFile, []byte(opts.Deploy)},
		{RevertFile, []byte(opts.Revert)},
		// Metadata goes last so a half-written revision is never discovered.
		{MetadataFile, encodeMetadata(rev)},
	}
	for _, f := range files {
		if err := writeFile(filepath.Join(dir, f.name), f.data); err != nil {
			return revision.Revision{}, err
		}
	}
	return rev, nil
}

// Rebase moves a single-parent revision onto a current head. Rebasing onto
// the revision itself or one of its descendants fails with graph.ErrCycle.
func (r *Repository) Rebase(ctx context.Context, id, onto string) (revision.Revision, error) {
	unlock, err := r.lock()
	if err != nil {
		return revision.Revision{}, err
	}
	defer unlock()

	g, err := graph.BuildFrom(r.Discover(ctx))
	if err != nil {
		return revision.Revision{}, err
	}

	rev, ok := g.Revision(id)
	if !ok {
		return revision.Revision{}, fmt.Errorf("%w: %s", graph.ErrUnknownRevision, id)
	}
	if !g.Has(onto) {
		return revision.Revision{}, fmt.Errorf("%w: %s", graph.ErrUnknownRevision, onto)
	}
	if rev.IsMerge() {
		return revision.Revision{}, fmt.Errorf("%w: %s", ErrMergeRebase, id)
	}
	if !slices.Contains(g.Heads(), onto) {
		return revision.Revision{}, fmt.Errorf("%w: %s", ErrNotHead, onto)
	}
	if id == onto || g.IsAncestor(id, onto) {
		return revision.Revision{}, &graph.Error{Kind: graph.KindCycle, Revision: id, Cycle: lineage(g, id, onto)}
	}

	rev.Parents = []string{onto}
	if err := writeFile(filepath.Join(r.root, id, MetadataFile), encodeMetadata(rev)); err != nil {
		return revision.Revision{}, err
	}
	return rev, nil
}

// lineage returns one parent path from ancestor down to id, both included.
func lineage(g *graph.Graph, ancestor, id string) []string {
	if id == ancestor {
		return []string{id}
	}
	for _, parent := range g.Parents(id) {
		if parent == ancestor || g.IsAncestor(ancestor, parent) {
			return append(lineage(g, ancestor, parent), id)
		}
	}
	return nil
}

func (r *Repository) lock() (func(), error) {
	if r.root == "" {
		return nil, ErrReadOnly
	}
	closer, err := fslock.Lock(r.root, LockFile)
	if err != nil {
		return nil, NewFileSystemError(filepath.Join(r.root, LockFile), "lock repository", err)
	}
	return func() { _ = closer.Close() }, nil
}

// writeFile replaces name atomically.
func writeFile(name string, data []byte) error {
	f, err := atomicfile.New(name, 0o644)
	if err != nil {
		return NewFileSystemError(name, "create file", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Abort()
		return NewFileSystemError(name, "write file", err)
	}
	if err := f.Close(); err != nil {
		return NewFileSystemError(name, "commit file", err)
	}
	return nil
}
