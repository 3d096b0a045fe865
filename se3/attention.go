package se3

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"

	"github.com/molforge/se3former/fiber"
)

const (
	// ParamAttentionHeads is the hyperparameter with the number of attention
	// heads. Default is 8.
	ParamAttentionHeads = "se3_attention_heads"

	// ParamAttentionDimHead is the hyperparameter with the per-head channel
	// dimension. Default is 64.
	ParamAttentionDimHead = "se3_attention_dim_head"

	// ParamAttendSelf is the hyperparameter enabling a learned key/value slot
	// for the query point itself. Default is false.
	ParamAttendSelf = "se3_attend_self"
)

// AttentionConfig is created by Attention; call Done when configured.
type AttentionConfig struct {
	ctx          *context.Context
	features     FeatureMap
	edges        *EdgeSet
	basis        Basis
	edgeFeatures *Node
	heads        int
	dimHead      int
	attendSelf   bool
}

// Attention builds equivariant multi-head attention over the neighborhood
// graph. Queries come from an equivariant Linear on each point's own
// features; keys and values come from an unpooled Conv, so they depend on
// edge geometry. Each degree keeps its own set of key/value slots and its
// own softmax: the logits contract the head and spatial axes, making them
// rotation-invariant, and the values are mixed with those invariant weights,
// so the whole layer is equivariant.
//
// Every point also attends to a learned "null" key/value slot, initialized
// to zero, which lets it ignore all neighbors; with AttendSelf(true) a
// learned self slot is prepended as well. Masked-out neighbors never receive
// attention weight. The output fiber equals the input fiber.
func Attention(ctx *context.Context, features FeatureMap, edges *EdgeSet, basis Basis) *AttentionConfig {
	features.CheckValid()
	return &AttentionConfig{
		ctx:        ctx,
		features:   features,
		edges:      edges,
		basis:      basis,
		heads:      context.GetParamOr(ctx, ParamAttentionHeads, 8),
		dimHead:    context.GetParamOr(ctx, ParamAttentionDimHead, 64),
		attendSelf: context.GetParamOr(ctx, ParamAttendSelf, false),
	}
}

// Heads sets the number of attention heads.
func (c *AttentionConfig) Heads(heads int) *AttentionConfig {
	if heads <= 0 {
		exceptions.Panicf("se3: Attention heads must be positive, got %d", heads)
	}
	c.heads = heads
	return c
}

// DimHead sets the per-head channel dimension.
func (c *AttentionConfig) DimHead(dimHead int) *AttentionConfig {
	if dimHead <= 0 {
		exceptions.Panicf("se3: Attention head dim must be positive, got %d", dimHead)
	}
	c.dimHead = dimHead
	return c
}

// AttendSelf sets whether each point gets a learned key/value slot for its
// own features, in addition to the null slot and its neighbors.
func (c *AttentionConfig) AttendSelf(attendSelf bool) *AttentionConfig {
	c.attendSelf = attendSelf
	return c
}

// EdgeFeatures sets extra per-edge scalars forwarded to the key/value
// convolutions (see ConvConfig.EdgeFeatures).
func (c *AttentionConfig) EdgeFeatures(edgeFeatures *Node) *AttentionConfig {
	c.edgeFeatures = edgeFeatures
	return c
}

// Done builds the attention layer as configured and returns the new features.
func (c *AttentionConfig) Done() FeatureMap {
	ctx := c.ctx.In("attention_se3")
	fiberIn := c.features.FiberOf()
	hiddenDim := c.heads * c.dimHead
	hiddenElements := fiberIn.Elements()
	for ii := range hiddenElements {
		hiddenElements[ii].Dim = hiddenDim
	}
	hiddenFiber := fiber.New(hiddenElements...)

	queries := Linear(ctx.In("query"), c.features, hiddenFiber)
	keys := Conv(ctx.In("key"), c.features, hiddenFiber, c.edges, c.basis).
		Pool(false).SelfInteraction(false).EdgeFeatures(c.edgeFeatures).Done()
	values := Conv(ctx.In("value"), c.features, hiddenFiber, c.edges, c.basis).
		Pool(false).SelfInteraction(false).EdgeFeatures(c.edgeFeatures).Done()

	var selfKeys, selfValues FeatureMap
	numSlots := 1
	if c.attendSelf {
		selfKeys = Linear(ctx.In("self_key"), c.features, hiddenFiber)
		selfValues = Linear(ctx.In("self_value"), c.features, hiddenFiber)
		numSlots = 2
	}

	scale := math.Pow(float64(c.dimHead), -0.5)
	attended := make(FeatureMap, len(c.features))
	for _, el := range fiberIn.Elements() {
		d := el.Degree
		spatialDim := 2*d + 1
		q := splitHeads(queries[d], c.heads)          // [b, h, n, dimHead, m]
		k := splitHeadsPerEdge(keys[d], c.heads)      // [b, h, n, k, dimHead, m]
		v := splitHeadsPerEdge(values[d], c.heads)    // [b, h, n, k, dimHead, m]
		g := q.Graph()
		qDims := q.Shape().Dimensions

		// Learned null slot, one key/value per head, zero-initialized so a
		// fresh layer starts by averaging neighbors rather than ignoring them.
		degreeCtx := ctx.Inf("degree_%d", d).WithInitializer(initializers.Zero)
		nullShape := shapes.Make(q.DType(), c.heads, c.dimHead, spatialDim)
		nullKey := degreeCtx.VariableWithShape("null_key", nullShape).ValueGraph(g)
		nullValue := degreeCtx.VariableWithShape("null_value", nullShape).ValueGraph(g)
		slotDims := []int{qDims[0], c.heads, qDims[2], 1, c.dimHead, spatialDim}
		nullKey = BroadcastToDims(InsertAxes(nullKey, 0, 1, 1), slotDims...)
		nullValue = BroadcastToDims(InsertAxes(nullValue, 0, 1, 1), slotDims...)

		k = Concatenate([]*Node{nullKey, k}, 3)
		v = Concatenate([]*Node{nullValue, v}, 3)
		if c.attendSelf {
			selfK := InsertAxes(splitHeads(selfKeys[d], c.heads), 3)
			selfV := InsertAxes(splitHeads(selfValues[d], c.heads), 3)
			k = Concatenate([]*Node{selfK, k}, 3)
			v = Concatenate([]*Node{selfV, v}, 3)
		}

		// Logits contract head-channel and spatial axes: [b, h, n, slots+k].
		logits := MulScalar(Einsum("bhndm,bhnjdm->bhnj", q, k), scale)
		var attn *Node
		if c.edges.NeighborMask != nil {
			mask := InsertAxes(prefixAttentionMask(c.edges.NeighborMask, numSlots), 1)
			mask = BroadcastToDims(mask, logits.Shape().Dimensions...)
			attn = MaskedSoftmax(logits, mask, -1)
		} else {
			attn = Softmax(logits, -1)
		}
		out := Einsum("bhnj,bhnjdm->bhndm", attn, v)
		attended[d] = mergeHeads(out)
	}
	return Linear(ctx.In("output"), attended, fiberIn)
}

// prefixAttentionMask prepends numSlots always-valid columns to a
// [batch, points, neighbors] mask, covering the null (and optional self)
// key/value slots that precede the neighbor slots.
func prefixAttentionMask(mask *Node, numSlots int) *Node {
	g := mask.Graph()
	dims := mask.Shape().Dimensions
	slots := Ones(g, shapes.Make(mask.DType(), dims[0], dims[1], numSlots))
	return Concatenate([]*Node{slots, mask}, -1)
}

// splitHeads reshapes [batch, points, heads·dimHead, spatial] to
// [batch, heads, points, dimHead, spatial].
func splitHeads(x *Node, heads int) *Node {
	dims := x.Shape().Dimensions
	x = Reshape(x, dims[0], dims[1], heads, dims[2]/heads, dims[3])
	return TransposeAllDims(x, 0, 2, 1, 3, 4)
}

// splitHeadsPerEdge reshapes [batch, points, neighbors, heads·dimHead,
// spatial] to [batch, heads, points, neighbors, dimHead, spatial].
func splitHeadsPerEdge(x *Node, heads int) *Node {
	dims := x.Shape().Dimensions
	x = Reshape(x, dims[0], dims[1], dims[2], heads, dims[3]/heads, dims[4])
	return TransposeAllDims(x, 0, 3, 1, 2, 4, 5)
}

// mergeHeads inverts splitHeads: [batch, heads, points, dimHead, spatial]
// back to [batch, points, heads·dimHead, spatial].
func mergeHeads(x *Node) *Node {
	x = TransposeAllDims(x, 0, 2, 1, 3, 4)
	dims := x.Shape().Dimensions
	return Reshape(x, dims[0], dims[1], dims[2]*dims[3], dims[4])
}
