package se3

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// EdgeSet is the realized neighborhood graph of a point cloud, as built by
// BuildEdges. All layers consuming edges take it read-only.
type EdgeSet struct {
	// NeighborIndices are the selected neighbor point indices, shaped
	// [batch, points, neighbors], dtype Int32.
	NeighborIndices *Node

	// NeighborMask marks edges whose neighbor is a real point, shaped
	// [batch, points, neighbors], dtype Bool. It is nil when every edge is
	// valid -- the unmasked case.
	NeighborMask *Node

	// RelPos is the relative position center minus neighbor, shaped
	// [batch, points, neighbors, 3].
	RelPos *Node

	// RelDist is the Euclidean length of RelPos, shaped
	// [batch, points, neighbors, 1], ready for the radial networks.
	RelDist *Node
}

// BuildEdges connects every point to its numNeighbors nearest other points
// by Euclidean distance. A point is never its own neighbor, and points
// masked out (mask false, for padded clouds) are never selected by any
// point. Ties are broken towards the lower point index, making the
// selection deterministic. numNeighbors is clamped to points-1.
//
// coordinates is [batch, points, 3]; mask is [batch, points] Bool or nil
// when all points are real. When fewer than numNeighbors valid candidates
// exist, the extra slots point at arbitrary invalid candidates and are
// marked false in NeighborMask -- pooled and attention layers ignore them.
func BuildEdges(coordinates, mask *Node, numNeighbors int) *EdgeSet {
	if coordinates.Rank() != 3 || coordinates.Shape().Dim(-1) != 3 {
		exceptions.Panicf("se3: BuildEdges coordinates must be [batch, points, 3], got shape %s",
			coordinates.Shape())
	}
	g := coordinates.Graph()
	dtype := coordinates.DType()
	batchSize, numPoints := coordinates.Shape().Dim(0), coordinates.Shape().Dim(1)
	if numPoints < 2 {
		exceptions.Panicf("se3: BuildEdges needs at least 2 points to form a neighborhood, got %d", numPoints)
	}
	if numNeighbors < 1 {
		exceptions.Panicf("se3: BuildEdges needs at least 1 neighbor, got %d", numNeighbors)
	}
	if numNeighbors > numPoints-1 {
		numNeighbors = numPoints - 1
	}
	if mask != nil {
		if mask.Rank() != 2 || mask.Shape().Dim(0) != batchSize || mask.Shape().Dim(1) != numPoints {
			exceptions.Panicf("se3: BuildEdges mask must be [batch, points] matching coordinates %s, got shape %s",
				coordinates.Shape(), mask.Shape())
		}
		if mask.DType() != dtypes.Bool {
			exceptions.Panicf("se3: BuildEdges mask must be boolean, got %s", mask.DType())
		}
	}

	// All-pairs geometry: relPosAll[b,i,j] points from j towards i.
	relPosAll := Sub(InsertAxes(coordinates, 2), InsertAxes(coordinates, 1))
	distAll := L2Norm(relPosAll, -1)

	// Candidate edges: never self, and never a padded neighbor.
	rowIdx := Iota(g, shapes.Make(dtypes.Int32, batchSize, numPoints, numPoints), 1)
	colIdx := Iota(g, shapes.Make(dtypes.Int32, batchSize, numPoints, numPoints), 2)
	candidates := NotEqual(rowIdx, colIdx)
	if mask != nil {
		candidates = LogicalAnd(candidates, BroadcastToDims(InsertAxes(mask, 1), batchSize, numPoints, numPoints))
	}
	inf := BroadcastToDims(Infinity(g, dtype, 1), batchSize, numPoints, numPoints)
	distAll = Where(candidates, distAll, inf)

	// Select the numNeighbors smallest distances per point by repeated
	// argmin, knocking out each winner before the next round. ArgMin breaks
	// ties towards the smallest index.
	selected := make([]*Node, numNeighbors)
	remaining := distAll
	for ii := range selected {
		idx := ArgMin(remaining, -1)
		selected[ii] = idx
		if ii < numNeighbors-1 {
			taken := OneHot(idx, numPoints, dtypes.Bool)
			remaining = Where(taken, inf, remaining)
		}
	}
	indices := Stack(selected, -1)

	// Gather edge geometry with explicit (batch, point, neighbor) coords.
	idxShape := shapes.Make(dtypes.Int32, batchSize, numPoints, numNeighbors, 1)
	fullIdx := Concatenate([]*Node{
		Iota(g, idxShape, 0),
		Iota(g, idxShape, 1),
		InsertAxes(indices, -1),
	}, -1)
	relPos := Gather(relPosAll, fullIdx)
	relDist := InsertAxes(L2Norm(relPos, -1), -1)

	edges := &EdgeSet{NeighborIndices: indices, RelPos: relPos, RelDist: relDist}
	if mask != nil {
		// An edge is valid when both endpoints are real points.
		centerValid := BroadcastToDims(InsertAxes(mask, -1), batchSize, numPoints, numNeighbors)
		edges.NeighborMask = LogicalAnd(Gather(candidates, fullIdx), centerValid)
	}
	return edges
}
