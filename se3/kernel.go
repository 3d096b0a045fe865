package se3

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"

	"github.com/molforge/se3former/fiber"
)

// PairwiseKernel assembles the dense per-edge operator between one input and
// one output degree: the radial coefficients (a learned function of distance
// and optional edge features) are multiplied against the supplied equivariant
// basis tensor and summed over the frequency axis.
//
// edgeScalars is [batch, points, neighbors, 1+edgeDim]; the result is
// [batch, points, neighbors, (2·out+1)·dimOut, (2·in+1)·dimIn], with rows and
// columns flattened channel-major to match the feature flattening used by
// Conv. The operator depends on geometry and learned radial scalars only,
// never on channel values, which is what makes the per-edge linear map
// equivariant.
func PairwiseKernel(ctx *context.Context, edgeScalars *Node, pair DegreePair, elIn, elOut fiber.Element, basis Basis) *Node {
	basisNode := basis.get(pair)
	numFreq := pair.NumFrequencies()
	spatialIn, spatialOut := elIn.SpatialDim(), elOut.SpatialDim()
	if basisNode.Rank() != 6 {
		exceptions.Panicf("se3: basis for pair (%d,%d) must be rank-6, got shape %s",
			pair.In, pair.Out, basisNode.Shape())
	}
	if basisNode.Shape().Dim(3) != spatialOut || basisNode.Shape().Dim(4) != spatialIn ||
		basisNode.Shape().Dim(5) != numFreq {
		exceptions.Panicf("se3: basis for pair (%d,%d) must end in [%d, %d, %d], got shape %s",
			pair.In, pair.Out, spatialOut, spatialIn, numFreq, basisNode.Shape())
	}

	// radial: [b, n, k, dimOut, 1, dimIn, 1, freq]
	radial := RadialProfile(ctx.Inf("pair_%d_%d", pair.In, pair.Out), edgeScalars, numFreq, elIn.Dim, elOut.Dim).Done()

	// basis: [b, n, k, spatialOut, spatialIn, freq] -> [b, n, k, 1, spatialOut, 1, spatialIn, freq]
	basisNode = InsertAxes(basisNode, 3, 4)

	// Broadcast product and frequency sum: [b, n, k, dimOut, spatialOut, dimIn, spatialIn].
	kernel := ReduceSum(Mul(radial, basisNode), -1)

	dims := kernel.Shape().Dimensions
	return Reshape(kernel, dims[0], dims[1], dims[2], elOut.Dim*spatialOut, elIn.Dim*spatialIn)
}
