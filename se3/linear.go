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

// Linear applies an equivariant linear map: one learned [dimIn, dimOut]
// matrix per degree shared between the features' fiber and fiberOut, mixing
// channels only. The spatial axis (2d+1) is untouched, which is what keeps
// the map equivariant -- channel recombination commutes with a rotation
// acting on the spatial axis.
//
// Degrees absent from the intersection are dropped from the output. Weights
// are initialized with std 1/sqrt(dimIn).
func Linear(ctx *context.Context, features FeatureMap, fiberOut fiber.Fiber) FeatureMap {
	ctx = ctx.In("linear_se3")
	fiberIn := features.FiberOf()
	shared := fiber.Intersect(fiberIn, fiberOut)
	if len(shared) == 0 {
		exceptions.Panicf("se3: Linear from %s to %s has no shared degrees", fiberIn, fiberOut)
	}
	output := make(FeatureMap, len(shared))
	for _, tri := range shared {
		x := features[tri.Degree]
		g := x.Graph()
		degreeCtx := ctx.Inf("degree_%d", tri.Degree).
			WithInitializer(initializers.RandomNormalFn(ctx, 1.0/math.Sqrt(float64(tri.DimIn))))
		weights := degreeCtx.
			VariableWithShape("weights", shapes.Make(x.DType(), tri.DimIn, tri.DimOut)).
			ValueGraph(g)
		// b->batch, n->points, c/e->channels in/out, m->spatial (2d+1).
		output[tri.Degree] = Einsum("bncm,ce->bnem", x, weights)
	}
	return output
}
