package se3

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// ParamFeedForwardMult is the hyperparameter with the channel expansion
// factor of the feed-forward hidden fiber. Default is 4.
const ParamFeedForwardMult = "se3_feed_forward_mult"

// Residual adds the skip connection per degree: degrees present in both maps
// are summed, degrees only in x pass through unchanged. Shapes of shared
// degrees must match exactly -- both maps are expected to carry the same
// fiber, as produced by the attention and feed-forward blocks.
func Residual(x, skip FeatureMap) FeatureMap {
	output := make(FeatureMap, len(x))
	for d, node := range x {
		if skipNode, found := skip[d]; found {
			if !node.Shape().Equal(skipNode.Shape()) {
				exceptions.Panicf("se3: Residual shapes for degree %d don't match: %s vs %s",
					d, node.Shape(), skipNode.Shape())
			}
			node = Add(node, skipNode)
		}
		output[d] = node
	}
	return output
}

// FeedForward builds the equivariant position-wise feed-forward network:
// an equivariant Linear expanding every degree's channels by mult, the
// norm nonlinearity, and a Linear projecting back to the input fiber.
//
// mult defaults to the ParamFeedForwardMult hyperparameter.
func FeedForward(ctx *context.Context, features FeatureMap, mult int) FeatureMap {
	ctx = ctx.In("feed_forward_se3")
	if mult <= 0 {
		mult = context.GetParamOr(ctx, ParamFeedForwardMult, 4)
	}
	fiberIn := features.FiberOf()
	fiberHidden := fiberIn.Scale(mult)
	hidden := Linear(ctx.In("project_in"), features, fiberHidden)
	hidden = Norm(ctx, hidden).Done()
	return Linear(ctx.In("project_out"), hidden, fiberIn)
}

// FeedForwardBlock is the pre-norm residual wrapper around FeedForward:
// features + FeedForward(Norm(features)).
func FeedForwardBlock(ctx *context.Context, features FeatureMap, mult int) FeatureMap {
	ctx = ctx.In("feed_forward_block")
	out := Norm(ctx.In("prenorm"), features).Done()
	out = FeedForward(ctx, out, mult)
	return Residual(out, features)
}

// AttentionBlock is the pre-norm residual wrapper around Attention:
// features + Attention(Norm(features)). The returned config forwards its
// setters to the inner Attention layer.
func AttentionBlock(ctx *context.Context, features FeatureMap, edges *EdgeSet, basis Basis) *AttentionBlockConfig {
	ctx = ctx.In("attention_block")
	normed := Norm(ctx.In("prenorm"), features).Done()
	return &AttentionBlockConfig{
		attn: Attention(ctx, normed, edges, basis),
		skip: features,
	}
}

// AttentionBlockConfig is created by AttentionBlock; call Done when
// configured.
type AttentionBlockConfig struct {
	attn *AttentionConfig
	skip FeatureMap
}

// Heads sets the number of attention heads.
func (c *AttentionBlockConfig) Heads(heads int) *AttentionBlockConfig {
	c.attn.Heads(heads)
	return c
}

// DimHead sets the per-head channel dimension.
func (c *AttentionBlockConfig) DimHead(dimHead int) *AttentionBlockConfig {
	c.attn.DimHead(dimHead)
	return c
}

// AttendSelf sets whether each point gets a learned self key/value slot.
func (c *AttentionBlockConfig) AttendSelf(attendSelf bool) *AttentionBlockConfig {
	c.attn.AttendSelf(attendSelf)
	return c
}

// EdgeFeatures sets extra per-edge scalars for the key/value convolutions.
func (c *AttentionBlockConfig) EdgeFeatures(edgeFeatures *Node) *AttentionBlockConfig {
	c.attn.EdgeFeatures(edgeFeatures)
	return c
}

// Done builds the block and returns the new features.
func (c *AttentionBlockConfig) Done() FeatureMap {
	return Residual(c.attn.Done(), c.skip)
}
