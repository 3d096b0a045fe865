package se3

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

const (
	// ParamNormActivation is the hyperparameter with the name of the
	// activation applied to the feature norms (see activations.FromName).
	// Default is "swish".
	ParamNormActivation = "se3_norm_activation"

	// ParamNormEpsilon is the hyperparameter with the epsilon floor applied
	// to feature norms before division. Default is 1e-12.
	ParamNormEpsilon = "se3_norm_epsilon"
)

// NormConfig is created by Norm; call Done when configured.
type NormConfig struct {
	ctx        *context.Context
	features   FeatureMap
	epsilon    float64
	activation activations.Type
}

// Norm builds the norm-based equivariant nonlinearity.
//
// Each degree is decomposed into norm (over the spatial axis) and phase
// (unit direction). A learned transform -- layer normalization over channels
// followed by a pointwise activation -- is applied to the norm, and the phase
// is rescaled by the result. The phase, which carries all rotation-dependent
// information, is only ever scaled by an invariant scalar, so the layer is
// equivariant for any choice of activation.
//
// Defaults can be overridden with the hyperparameters ParamNormActivation
// and ParamNormEpsilon, or with the config methods.
func Norm(ctx *context.Context, features FeatureMap) *NormConfig {
	features.CheckValid()
	return &NormConfig{
		ctx:        ctx,
		features:   features,
		epsilon:    context.GetParamOr(ctx, ParamNormEpsilon, 1e-12),
		activation: activations.FromName(context.GetParamOr(ctx, ParamNormActivation, "swish")),
	}
}

// Epsilon sets the floor applied to norms before division, avoiding a
// divide-by-zero on null features.
func (c *NormConfig) Epsilon(epsilon float64) *NormConfig {
	if epsilon <= 0 {
		exceptions.Panicf("se3: Norm epsilon must be positive, got %g", epsilon)
	}
	c.epsilon = epsilon
	return c
}

// Activation sets the pointwise activation applied to the transformed norms.
// activations.TypeNone disables it.
func (c *NormConfig) Activation(activation activations.Type) *NormConfig {
	c.activation = activation
	return c
}

// Done applies the nonlinearity as configured and returns the new features.
func (c *NormConfig) Done() FeatureMap {
	ctx := c.ctx.In("norm_se3")
	output := make(FeatureMap, len(c.features))
	for _, d := range c.features.Degrees() {
		x := c.features[d]

		// norm: [batch, points, channels], floored at epsilon.
		norm := MaxScalar(L2Norm(x, -1), c.epsilon)
		phase := Div(x, InsertAxes(norm, -1))

		// The transform sees only the rotation-invariant norms.
		transformed := layers.LayerNormalization(ctx.Inf("degree_%d", d), norm, -1).Done()
		transformed = activations.Apply(c.activation, transformed)

		output[d] = Mul(InsertAxes(transformed, -1), phase)
	}
	return output
}
