package se3

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"

	"github.com/molforge/se3former/fiber"
)

// ConvConfig is created by Conv; call Done when configured.
type ConvConfig struct {
	ctx             *context.Context
	features        FeatureMap
	fiberOut        fiber.Fiber
	edges           *EdgeSet
	basis           Basis
	edgeFeatures    *Node
	pool            bool
	selfInteraction bool
}

// Conv builds a tensor-field convolution over the neighborhood graph: for
// every (input degree, output degree) pair a per-edge linear operator is
// assembled with PairwiseKernel, applied to the gathered neighbor features,
// and the contributions are summed over input degrees.
//
// By default the neighbor axis is mean-pooled (respecting the edge mask) and
// a self-interaction -- an equivariant Linear on each point's own features --
// is added for the degrees shared between input and output fibers. Disable
// pooling with Pool(false) to keep per-edge outputs, e.g. for attention keys
// and values; self-interaction is only defined on pooled output.
//
// The output fiber is taken from fiberOut in full: every output degree
// receives contributions from every input degree through the basis.
func Conv(ctx *context.Context, features FeatureMap, fiberOut fiber.Fiber, edges *EdgeSet, basis Basis) *ConvConfig {
	features.CheckValid()
	return &ConvConfig{
		ctx:             ctx,
		features:        features,
		fiberOut:        fiberOut,
		edges:           edges,
		basis:           basis,
		pool:            true,
		selfInteraction: true,
	}
}

// Pool sets whether the neighbor axis is mean-pooled. Default is true.
func (c *ConvConfig) Pool(pool bool) *ConvConfig {
	c.pool = pool
	return c
}

// SelfInteraction sets whether each point's own features are linearly mapped
// to the output fiber and added to the pooled result. Default is true.
func (c *ConvConfig) SelfInteraction(enabled bool) *ConvConfig {
	c.selfInteraction = enabled
	return c
}

// EdgeFeatures sets extra per-edge scalars, shaped
// [batch, points, neighbors, edgeDim], concatenated to the relative distance
// as input to the radial networks. They must be rotation-invariant for the
// convolution to stay equivariant.
func (c *ConvConfig) EdgeFeatures(edgeFeatures *Node) *ConvConfig {
	if edgeFeatures != nil && edgeFeatures.Rank() != 4 {
		exceptions.Panicf("se3: Conv edge features must be rank-4 [batch, points, neighbors, edgeDim], got shape %s",
			edgeFeatures.Shape())
	}
	c.edgeFeatures = edgeFeatures
	return c
}

// Done builds the convolution as configured and returns the new features:
// [batch, points, channels, 2d+1] per degree if pooled, with an extra
// neighbors axis after points if not.
func (c *ConvConfig) Done() FeatureMap {
	ctx := c.ctx.In("conv_se3")
	if c.selfInteraction && !c.pool {
		exceptions.Panicf("se3: Conv self-interaction requires pooling -- unpooled output has a neighbors axis " +
			"that the point's own features cannot align with")
	}
	fiberIn := c.features.FiberOf()

	edgeScalars := c.edges.RelDist
	if c.edgeFeatures != nil {
		edgeScalars = Concatenate([]*Node{edgeScalars, c.edgeFeatures}, -1)
	}

	// Gather neighbor features per input degree, flattened channel-major to
	// [batch, points, neighbors, channels·(2d+1)] to match the kernel columns.
	neighborFeats := make(map[int]*Node, fiberIn.NumElements())
	for _, elIn := range fiberIn.Elements() {
		x := gatherNeighbors(c.features[elIn.Degree], c.edges.NeighborIndices)
		dims := x.Shape().Dimensions
		neighborFeats[elIn.Degree] = Reshape(x, dims[0], dims[1], dims[2], dims[3]*dims[4])
	}

	output := make(FeatureMap, c.fiberOut.NumElements())
	for _, elOut := range c.fiberOut.Elements() {
		var pooled *Node
		for _, elIn := range fiberIn.Elements() {
			pair := DegreePair{In: elIn.Degree, Out: elOut.Degree}
			kernel := PairwiseKernel(ctx, edgeScalars, pair, elIn, elOut, c.basis)
			term := Einsum("bnkoi,bnki->bnko", kernel, neighborFeats[elIn.Degree])
			if pooled == nil {
				pooled = term
			} else {
				pooled = Add(pooled, term)
			}
		}
		dims := pooled.Shape().Dimensions
		if c.pool {
			pooled = MaskedReduceMean(pooled, c.edges.NeighborMask, 2)
			output[elOut.Degree] = Reshape(pooled, dims[0], dims[1], elOut.Dim, elOut.SpatialDim())
		} else {
			output[elOut.Degree] = Reshape(pooled, dims[0], dims[1], dims[2], elOut.Dim, elOut.SpatialDim())
		}
	}

	if c.selfInteraction {
		selfOut := Linear(ctx.In("self_interaction"), c.features, c.fiberOut)
		for d, node := range selfOut {
			output[d] = Add(output[d], node)
		}
	}
	return output
}

// gatherNeighbors selects each point's neighbor rows: features is
// [batch, points, channels, spatial] and indices is [batch, points,
// neighbors], giving [batch, points, neighbors, channels, spatial]. The
// batch coordinate is prepended so the gather never crosses examples.
func gatherNeighbors(features, indices *Node) *Node {
	g := features.Graph()
	dims := indices.Shape().Dimensions
	batchIdx := Iota(g, shapes.Make(indices.DType(), dims[0], dims[1], dims[2], 1), 0)
	fullIdx := Concatenate([]*Node{batchIdx, InsertAxes(indices, -1)}, -1)
	return Gather(features, fullIdx)
}
