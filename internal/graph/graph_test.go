package graph_test

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/example/revmigrate/internal/graph"
	"github.com/example/revmigrate/internal/revision"
	"github.com/example/revmigrate/internal/testfixtures"
)

var rev = testfixtures.Rev

func TestBuildRejectsDuplicateRevision(t *testing.T) {
	_, err := graph.Build([]revision.Revision{rev("a"), rev("b", "a"), rev("a")})
	require.ErrorIs(t, err, graph.ErrDuplicateRevision)

	var gErr *graph.Error
	require.True(t, errors.As(err, &gErr))
	assert.Equal(t, graph.KindDuplicate, gErr.Kind)
	assert.Equal(t, "a", gErr.Revision)
}

func TestBuildRejectsUnknownParent(t *testing.T) {
	_, err := graph.Build([]revision.Revision{rev("a"), rev("b", "missing")})
	require.ErrorIs(t, err, graph.ErrUnknownParent)

	var gErr *graph.Error
	require.True(t, errors.As(err, &gErr))
	assert.Equal(t, "b", gErr.Revision)
	assert.Equal(t, "missing", gErr.Parent)
}

func TestBuildReportsCyclePath(t *testing.T) {
	_, err := graph.Build([]revision.Revision{
		rev("root"),
		rev("a", "root", "c"),
		rev("b", "a"),
		rev("c", "b"),
		rev("tail", "c"),
	})
	require.ErrorIs(t, err, graph.ErrCycle)

	var gErr *graph.Error
	require.True(t, errors.As(err, &gErr))
	assert.Equal(t, []string{"b", "c", "a"}, gErr.Cycle)
	assert.Equal(t, "revision cycle: b -> c -> a -> b", gErr.Error())
}

func TestBuildRejectsSelfParent(t *testing.T) {
	_, err := graph.Build([]revision.Revision{rev("a", "a")})
	require.ErrorIs(t, err, graph.ErrCycle)
}

func TestBuildEmpty(t *testing.T) {
	g, err := graph.Build(nil)
	require.NoError(t, err)
	assert.Zero(t, g.Len())
	assert.Empty(t, g.Heads())
	assert.Empty(t, g.Roots())
}

func TestHeadsAndRoots(t *testing.T) {
	g := testfixtures.MustGraph(t,
		rev("r1"),
		rev("r2"),
		rev("a", "r1"),
		rev("b", "r1"),
		rev("c", "r2"),
	)
	assert.Equal(t, []string{"a", "b", "c"}, g.Heads())
	assert.Equal(t, []string{"r1", "r2"}, g.Roots())
	assert.Equal(t, []string{"a", "b"}, g.Children("r1"))
	assert.Equal(t, []string{"r1"}, g.Parents("a"))
}

func TestDepthIsLongestPath(t *testing.T) {
	g := testfixtures.MustGraph(t,
		rev("a"),
		rev("b", "a"),
		rev("c", "b"),
		rev("m", "a", "c"),
	)
	depth, ok := g.Depth("m")
	require.True(t, ok)
	assert.Equal(t, 3, depth)
	assert.Equal(t, []string{"a", "b", "c", "m"}, g.TopologicalOrder())
}

func TestTraversalsVisitDiamondOnce(t *testing.T) {
	g := testfixtures.MustGraph(t, testfixtures.Diamond()...)

	ancestors := slices.Collect(g.Ancestors("M"))
	assert.ElementsMatch(t, []string{"X", "Y", "R"}, ancestors)
	assert.Len(t, ancestors, 3)

	descendants := slices.Collect(g.Descendants("R"))
	assert.ElementsMatch(t, []string{"X", "Y", "M"}, descendants)
	assert.Len(t, descendants, 3)

	assert.Empty(t, slices.Collect(g.Ancestors("R")))
	assert.Empty(t, slices.Collect(g.Ancestors("unknown")))
}

func TestTraversalIsLazyAndRestartable(t *testing.T) {
	g := testfixtures.MustGraph(t, testfixtures.Linear("a", "b", "c", "d", "e")...)
	seq := g.Ancestors("e")

	var first []string
	for id := range seq {
		first = append(first, id)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"d", "c"}, first)
	assert.Equal(t, []string{"d", "c", "b", "a"}, slices.Collect(seq))
}

func TestIsAncestor(t *testing.T) {
	g := testfixtures.MustGraph(t, testfixtures.Diamond()...)
	assert.True(t, g.IsAncestor("R", "M"))
	assert.True(t, g.IsAncestor("X", "M"))
	assert.False(t, g.IsAncestor("M", "R"))
	assert.False(t, g.IsAncestor("X", "Y"))
	assert.False(t, g.IsAncestor("M", "M"))
}

func TestLowestCommonAncestor(t *testing.T) {
	g := testfixtures.MustGraph(t,
		rev("R"),
		rev("X", "R"),
		rev("X2", "X"),
		rev("Y", "R"),
		rev("M", "X2", "Y"),
		rev("Other"),
	)

	cases := []struct {
		a, b string
		want string
		ok   bool
	}{
		{"X2", "Y", "R", true},
		{"X2", "M", "X2", true},
		{"M", "M", "M", true},
		{"X", "X2", "X", true},
		{"X", "Other", "", false},
		{"X", "nope", "", false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_%s", tc.a, tc.b), func(t *testing.T) {
			got, ok := g.LowestCommonAncestor(tc.a, tc.b)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLowestCommonAncestorCrissCrossPrefersLowestID(t *testing.T) {
	// Both p and q are maximal common ancestors of m1 and m2.
	g := testfixtures.MustGraph(t,
		rev("r"),
		rev("p", "r"),
		rev("q", "r"),
		rev("m1", "p", "q"),
		rev("m2", "p", "q"),
	)
	got, ok := g.LowestCommonAncestor("m1", "m2")
	require.True(t, ok)
	assert.Equal(t, "p", got)
}

func TestSequence(t *testing.T) {
	g := testfixtures.MustGraph(t, testfixtures.Linear("a", "b", "c", "d")...)

	seq, err := g.Sequence("b", "d")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, seq)

	seq, err = g.Sequence("", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seq)

	_, err = g.Sequence("d", "b")
	require.ErrorIs(t, err, graph.ErrNoPath)

	_, err = g.Sequence("", "zzz")
	require.ErrorIs(t, err, graph.ErrUnknownRevision)
}

func TestEdges(t *testing.T) {
	g := testfixtures.MustGraph(t, testfixtures.Diamond()...)
	assert.Equal(t, [][2]string{{"R", "X"}, {"R", "Y"}, {"X", "M"}, {"Y", "M"}}, g.Edges())
}

func TestBuildAcceptsEveryAcyclicSet(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		revs := testfixtures.DAG().Draw(rt, "revisions")

		g, err := graph.Build(revs)
		if err != nil {
			rt.Fatalf("acyclic set rejected: %v", err)
		}
		if g.Len() != len(revs) {
			rt.Fatalf("expected %d revisions, got %d", len(revs), g.Len())
		}

		position := make(map[string]int)
		for i, id := range g.TopologicalOrder() {
			position[id] = i
		}
		for _, r := range revs {
			for _, p := range r.Parents {
				if position[p] >= position[r.ID] {
					rt.Fatalf("parent %s ordered after child %s", p, r.ID)
				}
			}
		}
	})
}

func TestBuildRejectsEveryCycle(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		revs := testfixtures.DAG().Draw(rt, "revisions")

		// Point an early revision at a later descendant-or-self to close a loop.
		from := rapid.IntRange(0, len(revs)-1).Draw(rt, "from")
		to := rapid.IntRange(from, len(revs)-1).Draw(rt, "to")

		g, err := graph.Build(revs)
		if err != nil {
			rt.Fatalf("acyclic set rejected: %v", err)
		}
		if to != from && !g.IsAncestor(revs[from].ID, revs[to].ID) {
			to = from
		}
		revs[from].Parents = append(slices.Clone(revs[from].Parents), revs[to].ID)

		_, err = graph.Build(revs)
		if !errors.Is(err, graph.ErrCycle) {
			rt.Fatalf("expected cycle error, got %v", err)
		}
	})
}
