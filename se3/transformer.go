package se3

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"

	"github.com/molforge/se3former/fiber"
)

const (
	// ParamNumDegrees is the hyperparameter with the number of degrees
	// (0..numDegrees-1) carried by the hidden layers. Default is 2.
	ParamNumDegrees = "se3_num_degrees"

	// ParamOutputDegrees is the hyperparameter with the number of degrees of
	// the output fiber. Default is 2.
	ParamOutputDegrees = "se3_output_degrees"

	// ParamDepth is the hyperparameter with the number of
	// attention + feed-forward layer pairs. Default is 2.
	ParamDepth = "se3_depth"

	// ParamNumNeighbors is the hyperparameter with the number of nearest
	// neighbors each point attends to. Default is 12; it is clamped to
	// points-1 at graph-building time.
	ParamNumNeighbors = "se3_num_neighbors"
)

// TransformerConfig is created by Transformer; call Done or DoneForDegree
// when configured.
type TransformerConfig struct {
	ctx          *context.Context
	features     FeatureMap
	coordinates  *Node
	mask         *Node
	basisFn      BasisFn
	edgeFeatures *Node
	dim          int
	depth        int
	heads        int
	dimHead      int
	numNeighbors int
	numDegrees   int
	outDegrees   int
	attendSelf   bool
	ffMult       int
}

// Transformer builds the full SE(3)-equivariant transformer over a point
// cloud: a k-nearest-neighbor graph is built from the coordinates, an input
// convolution lifts the features to the hidden fiber, depth pairs of
// pre-norm attention and feed-forward blocks transform them, and an output
// convolution projects to the output fiber.
//
// features must carry a contiguous degree set 0..inputDegrees-1, all with
// the same channel dim (lift a plain [batch, points, channels] tensor with
// ScalarFeatures). coordinates is [batch, points, 3] and shares the
// features' dtype. The whole pipeline commutes with rotating and
// translating the coordinates.
//
// Networks with NumDegrees or OutputDegrees above 1 must supply the
// equivariant basis with WithBasis; the default ScalarBasis only covers
// degree-0-only networks.
func Transformer(ctx *context.Context, features FeatureMap, coordinates *Node) *TransformerConfig {
	features.CheckValid()
	if coordinates.Rank() != 3 || coordinates.Shape().Dim(-1) != 3 {
		exceptions.Panicf("se3: Transformer coordinates must be [batch, points, 3], got shape %s",
			coordinates.Shape())
	}
	return &TransformerConfig{
		ctx:          ctx,
		features:     features,
		coordinates:  coordinates,
		basisFn:      ScalarBasis,
		dim:          features[features.Degrees()[0]].Shape().Dim(2),
		depth:        context.GetParamOr(ctx, ParamDepth, 2),
		heads:        context.GetParamOr(ctx, ParamAttentionHeads, 8),
		dimHead:      context.GetParamOr(ctx, ParamAttentionDimHead, 64),
		numNeighbors: context.GetParamOr(ctx, ParamNumNeighbors, 12),
		numDegrees:   context.GetParamOr(ctx, ParamNumDegrees, 2),
		outDegrees:   context.GetParamOr(ctx, ParamOutputDegrees, 2),
		attendSelf:   context.GetParamOr(ctx, ParamAttendSelf, false),
	}
}

// WithMask sets the [batch, points] boolean mask marking real (vs padded)
// points. Padded points are never selected as neighbors and receive no
// attention weight.
func (c *TransformerConfig) WithMask(mask *Node) *TransformerConfig {
	c.mask = mask
	return c
}

// WithBasis sets the provider of the equivariant basis tensors, invoked
// with the realized neighbor relative positions and numDegrees-1.
func (c *TransformerConfig) WithBasis(basisFn BasisFn) *TransformerConfig {
	if basisFn == nil {
		exceptions.Panicf("se3: Transformer basis function must not be nil")
	}
	c.basisFn = basisFn
	return c
}

// WithEdgeFeatures sets extra rotation-invariant per-edge scalars, shaped
// [batch, points, neighbors, edgeDim], forwarded to every convolution and
// attention layer. The neighbors axis must match NumNeighbors after
// clamping.
func (c *TransformerConfig) WithEdgeFeatures(edgeFeatures *Node) *TransformerConfig {
	c.edgeFeatures = edgeFeatures
	return c
}

// Dim sets the channel dim of the hidden and output fibers. It defaults to
// the input features' channel dim.
func (c *TransformerConfig) Dim(dim int) *TransformerConfig {
	if dim <= 0 {
		exceptions.Panicf("se3: Transformer dim must be positive, got %d", dim)
	}
	c.dim = dim
	return c
}

// Depth sets the number of attention + feed-forward layer pairs.
func (c *TransformerConfig) Depth(depth int) *TransformerConfig {
	if depth < 0 {
		exceptions.Panicf("se3: Transformer depth must be non-negative, got %d", depth)
	}
	c.depth = depth
	return c
}

// Heads sets the number of attention heads.
func (c *TransformerConfig) Heads(heads int) *TransformerConfig {
	c.heads = heads
	return c
}

// DimHead sets the per-head channel dimension of the attention layers.
func (c *TransformerConfig) DimHead(dimHead int) *TransformerConfig {
	c.dimHead = dimHead
	return c
}

// NumNeighbors sets how many nearest neighbors each point connects to.
func (c *TransformerConfig) NumNeighbors(numNeighbors int) *TransformerConfig {
	if numNeighbors < 1 {
		exceptions.Panicf("se3: Transformer needs at least 1 neighbor, got %d", numNeighbors)
	}
	c.numNeighbors = numNeighbors
	return c
}

// NumDegrees sets the number of degrees (0..numDegrees-1) of the hidden
// fiber.
func (c *TransformerConfig) NumDegrees(numDegrees int) *TransformerConfig {
	if numDegrees < 1 {
		exceptions.Panicf("se3: Transformer needs at least 1 degree, got %d", numDegrees)
	}
	c.numDegrees = numDegrees
	return c
}

// OutputDegrees sets the number of degrees of the output fiber.
func (c *TransformerConfig) OutputDegrees(outputDegrees int) *TransformerConfig {
	if outputDegrees < 1 {
		exceptions.Panicf("se3: Transformer needs at least 1 output degree, got %d", outputDegrees)
	}
	c.outDegrees = outputDegrees
	return c
}

// AttendSelf sets whether attention layers get a learned self key/value
// slot per point.
func (c *TransformerConfig) AttendSelf(attendSelf bool) *TransformerConfig {
	c.attendSelf = attendSelf
	return c
}

// FeedForwardMult sets the channel expansion factor of the feed-forward
// blocks. Zero picks the ParamFeedForwardMult hyperparameter.
func (c *TransformerConfig) FeedForwardMult(mult int) *TransformerConfig {
	c.ffMult = mult
	return c
}

// Done builds the transformer as configured and returns one
// [batch, points, dim, 2d+1] node per output degree.
func (c *TransformerConfig) Done() FeatureMap {
	ctx := c.ctx.In("se3_transformer")
	c.validate()

	numPoints := c.coordinates.Shape().Dim(1)
	numNeighbors := c.numNeighbors
	if numNeighbors > numPoints-1 {
		numNeighbors = numPoints - 1
	}
	edges := BuildEdges(c.coordinates, c.mask, numNeighbors)

	maxDegree := c.numDegrees - 1
	if c.outDegrees-1 > maxDegree {
		maxDegree = c.outDegrees - 1
	}
	basis := c.basisFn(edges.RelPos, maxDegree)

	fiberHidden := fiber.Uniform(c.numDegrees, c.dim)
	fiberOut := fiber.Uniform(c.outDegrees, c.dim)

	x := Conv(ctx.In("conv_in"), c.features, fiberHidden, edges, basis).
		EdgeFeatures(c.edgeFeatures).Done()
	for ii := range c.depth {
		layerCtx := ctx.Inf("layer_%d", ii)
		x = AttentionBlock(layerCtx, x, edges, basis).
			Heads(c.heads).DimHead(c.dimHead).AttendSelf(c.attendSelf).
			EdgeFeatures(c.edgeFeatures).Done()
		x = FeedForwardBlock(layerCtx, x, c.ffMult)
	}
	return Conv(ctx.In("conv_out"), x, fiberOut, edges, basis).
		EdgeFeatures(c.edgeFeatures).Done()
}

// DoneForDegree builds the transformer and returns only the given output
// degree.
func (c *TransformerConfig) DoneForDegree(degree int) *Node {
	output := c.Done()
	node, found := output[degree]
	if !found {
		exceptions.Panicf("se3: Transformer output has degrees %v, degree %d not among them",
			output.Degrees(), degree)
	}
	return node
}

func (c *TransformerConfig) validate() {
	fiberIn := c.features.FiberOf()
	for ii, d := range fiberIn.Degrees() {
		if d != ii {
			exceptions.Panicf("se3: Transformer input degrees must be contiguous from 0, got %v",
				fiberIn.Degrees())
		}
		if got := fiberIn.Dim(d); got != c.dim {
			exceptions.Panicf("se3: Transformer input degree %d has %d channels, want dim=%d on all degrees",
				d, got, c.dim)
		}
	}
	x := c.features[0]
	if x.Shape().Dim(0) != c.coordinates.Shape().Dim(0) || x.Shape().Dim(1) != c.coordinates.Shape().Dim(1) {
		exceptions.Panicf("se3: Transformer features %s and coordinates %s disagree on batch/points",
			x.Shape(), c.coordinates.Shape())
	}
	if c.coordinates.Shape().Dim(1) < 2 {
		exceptions.Panicf("se3: Transformer needs at least 2 points to form a neighborhood, got %d",
			c.coordinates.Shape().Dim(1))
	}
}
