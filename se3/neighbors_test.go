package se3

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// Four collinear points at x = 0, 1, 2, 10.
var lineCoords = [][][]float64{{
	{0, 0, 0},
	{1, 0, 0},
	{2, 0, 0},
	{10, 0, 0},
}}

// TestBuildEdges checks nearest-neighbor selection, self exclusion,
// deterministic tie-breaking towards the lower index, and edge geometry.
func TestBuildEdges(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		coords := Const(g, lineCoords)
		edges := BuildEdges(coords, nil, 2)
		require.Nil(t, edges.NeighborMask)
		require.NoError(t, edges.NeighborIndices.Shape().CheckDims(1, 4, 2))
		require.NoError(t, edges.RelPos.Shape().CheckDims(1, 4, 2, 3))
		require.NoError(t, edges.RelDist.Shape().CheckDims(1, 4, 2, 1))
		return []*Node{edges.NeighborIndices, edges.RelDist, edges.RelPos}
	})
	indices, relDist, relPos := outputs[0], outputs[1], outputs[2]

	// Point 1 is equidistant to 0 and 2; the lower index wins the first slot.
	require.Equal(t, [][][]int32{{
		{1, 2},
		{0, 2},
		{1, 0},
		{2, 1},
	}}, indices.Value())

	require.Equal(t, [][][][]float64{{
		{{1}, {2}},
		{{1}, {1}},
		{{1}, {2}},
		{{8}, {9}},
	}}, relDist.Value())

	// RelPos points from the neighbor towards the center.
	require.Equal(t, [][][][]float64{{
		{{-1, 0, 0}, {-2, 0, 0}},
		{{1, 0, 0}, {-1, 0, 0}},
		{{1, 0, 0}, {2, 0, 0}},
		{{8, 0, 0}, {9, 0, 0}},
	}}, relPos.Value())
}

// TestBuildEdgesMasked checks that padded points are never selected as
// neighbors and that edges touching a padded endpoint are marked invalid.
func TestBuildEdgesMasked(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		coords := Const(g, lineCoords)
		mask := Const(g, [][]bool{{true, false, true, true}})
		edges := BuildEdges(coords, mask, 2)
		require.NotNil(t, edges.NeighborMask)
		return []*Node{edges.NeighborIndices, edges.NeighborMask}
	})
	indices, neighborMask := outputs[0], outputs[1]

	// Point 1 is padded: point 0 skips it (its closest point) and selects
	// 2 and 3 instead. Point 1 itself still picks the closest valid points.
	require.Equal(t, [][][]int32{{
		{2, 3},
		{0, 2},
		{0, 3},
		{2, 0},
	}}, indices.Value())

	// All edges of the padded center (point 1) are invalid.
	require.Equal(t, [][][]bool{{
		{true, true},
		{false, false},
		{true, true},
		{true, true},
	}}, neighborMask.Value())
}

// TestBuildEdgesRigidMotion checks that neighbor selection depends only on
// distances: rotating the cloud with an explicit rotation matrix leaves the
// selected indices unchanged.
func TestBuildEdgesRigidMotion(t *testing.T) {
	// Random rotation: QR-factorize a fixed full-rank matrix and sign-fix
	// the orthogonal factor to determinant +1.
	var qr mat.QR
	qr.Factorize(mat.NewDense(3, 3, []float64{
		0.3, -1.2, 0.7,
		2.1, 0.4, -0.9,
		-0.5, 1.8, 1.1,
	}))
	var q mat.Dense
	qr.QTo(&q)
	if mat.Det(&q) < 0 {
		for row := range 3 {
			q.Set(row, 0, -q.At(row, 0))
		}
	}

	// Points with well-separated pairwise distances, so float error in the
	// rotation cannot reorder them.
	points := mat.NewDense(6, 3, []float64{
		0, 0, 0,
		1, 0, 0,
		0, 2, 0,
		0, 0, 4,
		3, 3, 0,
		5, 1, 2,
	})
	var rotated mat.Dense
	rotated.Mul(points, q.T())

	toCloud := func(m *mat.Dense) [][][]float64 {
		numPoints, _ := m.Dims()
		cloud := make([][]float64, numPoints)
		for ii := range cloud {
			cloud[ii] = []float64{m.At(ii, 0), m.At(ii, 1), m.At(ii, 2)}
		}
		return [][][]float64{cloud}
	}

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		edges1 := BuildEdges(Const(g, toCloud(points)), nil, 3)
		edges2 := BuildEdges(Const(g, toCloud(&rotated)), nil, 3)
		return []*Node{edges1.NeighborIndices, edges2.NeighborIndices}
	})
	require.Equal(t, outputs[0].Value(), outputs[1].Value())
}

// TestBuildEdgesClamping checks that the neighbor count is clamped to
// points-1 and that invalid arguments panic.
func TestBuildEdgesClamping(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		coords := Const(g, lineCoords)
		edges := BuildEdges(coords, nil, 10)
		require.NoError(t, edges.NeighborIndices.Shape().CheckDims(1, 4, 3))

		require.Panics(t, func() { BuildEdges(coords, nil, 0) })
		require.Panics(t, func() { BuildEdges(Const(g, [][]float64{{1, 2, 3}}), nil, 1) })
		// A single point has no possible neighbor.
		require.Panics(t, func() { BuildEdges(Const(g, [][][]float64{{{1, 2, 3}}}), nil, 1) })
		return edges.RelDist
	})
}
