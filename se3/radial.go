package se3

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// ParamRadialHiddenDim is the hyperparameter with the hidden width of the
// radial profile networks. Default is 128.
const ParamRadialHiddenDim = "se3_radial_hidden_dim"

// RadialProfileConfig is created by RadialProfile; call Done when configured.
type RadialProfileConfig struct {
	ctx                    *context.Context
	input                  *Node
	numFreq, dimIn, dimOut int
	hiddenDim              int
}

// RadialProfile builds a learned radial function: a 3-layer feed-forward
// network mapping per-edge scalars -- the relative distance, optionally
// concatenated with edge features -- to numFreq·dimIn·dimOut radial
// coefficients per edge.
//
// input is shaped [batch, points, neighbors, 1+edgeDim]. The output is
// reshaped to [batch, points, neighbors, dimOut, 1, dimIn, 1, numFreq],
// ready to broadcast against a basis tensor (see PairwiseKernel).
//
// Because the network consumes only rotation-invariant scalars, any kernel
// assembled from its output and an equivariant basis stays equivariant.
func RadialProfile(ctx *context.Context, input *Node, numFreq, dimIn, dimOut int) *RadialProfileConfig {
	if input.Rank() != 4 {
		exceptions.Panicf("se3: RadialProfile input must be rank-4 [batch, points, neighbors, features], got %s",
			input.Shape())
	}
	if numFreq <= 0 || dimIn <= 0 || dimOut <= 0 {
		exceptions.Panicf("se3: RadialProfile dims must be positive, got numFreq=%d, dimIn=%d, dimOut=%d",
			numFreq, dimIn, dimOut)
	}
	return &RadialProfileConfig{
		ctx:       ctx,
		input:     input,
		numFreq:   numFreq,
		dimIn:     dimIn,
		dimOut:    dimOut,
		hiddenDim: context.GetParamOr(ctx, ParamRadialHiddenDim, 128),
	}
}

// HiddenDim sets the width of the two hidden layers.
func (c *RadialProfileConfig) HiddenDim(hiddenDim int) *RadialProfileConfig {
	if hiddenDim <= 0 {
		exceptions.Panicf("se3: RadialProfile hidden dim must be positive, got %d", hiddenDim)
	}
	c.hiddenDim = hiddenDim
	return c
}

// Done builds the radial network and returns the reshaped coefficients.
func (c *RadialProfileConfig) Done() *Node {
	ctx := c.ctx.In("radial").WithInitializer(initializers.HeFn(c.ctx))
	x := c.input
	for ii := range 2 {
		layerCtx := ctx.Inf("hidden_%d", ii)
		x = layers.Dense(layerCtx, x, true, c.hiddenDim)
		x = layers.LayerNormalization(layerCtx, x, -1).Done()
		x = activations.Relu(x)
	}
	x = layers.Dense(ctx.In("output"), x, true, c.numFreq*c.dimIn*c.dimOut)

	// [b, n, k, dimOut·dimIn·numFreq] -> [b, n, k, dimOut, 1, dimIn, 1, numFreq].
	dims := x.Shape().Dimensions
	x = Reshape(x, dims[0], dims[1], dims[2], c.dimOut, c.dimIn, c.numFreq)
	return InsertAxes(x, 4, 5)
}
