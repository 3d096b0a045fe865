package se3

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/vnn"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

// constantBasis is a shape-correct stand-in for an equivariant basis
// provider, usable when only shapes and plumbing are under test. It is NOT
// equivariant for degrees above 0.
func constantBasis(relPos *Node, maxDegree int) Basis {
	g := relPos.Graph()
	dims := relPos.Shape().Dimensions
	basis := make(Basis)
	for in := 0; in <= maxDegree; in++ {
		for out := 0; out <= maxDegree; out++ {
			pair := DegreePair{In: in, Out: out}
			basis[pair] = Ones(g, shapes.Make(relPos.DType(),
				dims[0], dims[1], dims[2], 2*out+1, 2*in+1, pair.NumFrequencies()))
		}
	}
	return basis
}

// TestTransformerInvariance checks that a degree-0 transformer is invariant
// to rigid motion of the point cloud end to end.
func TestTransformerInvariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	rotDiff := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		feats := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 2, 5, 8))
		coords := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 2, 5, 3))
		roll, pitch, yaw := randomAngles(ctx, g)
		translation := Const(g, [][][]float64{{{1.0, -0.5, 3.0}}})

		ctx.SetParam(initializers.ParamInitialSeed, 42)
		ctx = ctx.Checked(false)
		modelFn := func(coords *Node) *Node {
			return Transformer(ctx, ScalarFeatures(feats), coords).
				NumDegrees(1).OutputDegrees(1).
				Depth(2).Heads(2).DimHead(4).NumNeighbors(3).
				DoneForDegree(0)
		}

		out1 := modelFn(coords)
		require.NoError(t, out1.Shape().CheckDims(2, 5, 8, 1))
		out2 := modelFn(Add(vnn.RotateOnOrigin(coords, roll, pitch, yaw), translation))
		return ReduceAllMax(Abs(Sub(out1, out2)))
	})
	fmt.Printf("\tRigid-motion abs difference: %s\n", rotDiff.GoStr())
	require.Less(t, tensors.ToScalar[float64](rotDiff), 1e-3)
}

// TestTransformerShapes runs a two-degree configuration with a stand-in
// basis and checks the output fiber shapes and degree selection.
func TestTransformerShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		feats := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 16))
		coords := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 3))

		ctx.SetParam(initializers.ParamInitialSeed, 42)
		ctx = ctx.Checked(false)
		config := Transformer(ctx, ScalarFeatures(feats), coords).
			WithBasis(constantBasis).
			NumDegrees(2).OutputDegrees(2).
			Depth(2).Heads(2).DimHead(4).NumNeighbors(3)

		out := config.Done()
		require.Equal(t, []int{0, 1}, out.Degrees())
		require.NoError(t, out[0].Shape().CheckDims(1, 4, 16, 1))
		require.NoError(t, out[1].Shape().CheckDims(1, 4, 16, 3))

		scalarOut := config.DoneForDegree(0)
		require.NoError(t, scalarOut.Shape().CheckDims(1, 4, 16, 1))
		require.Panics(t, func() { config.DoneForDegree(5) })
		return scalarOut
	})
}

// TestTransformerDeterminism checks that two runs of the same configured
// transformer on identical inputs and shared variables agree exactly.
func TestTransformerDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	maxDiff := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		feats := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 16))
		coords := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 3))

		ctx.SetParam(initializers.ParamInitialSeed, 42)
		ctx = ctx.Checked(false)
		modelFn := func() *Node {
			return Transformer(ctx, ScalarFeatures(feats), coords).
				WithBasis(constantBasis).
				NumDegrees(2).OutputDegrees(2).
				Depth(2).Heads(2).DimHead(4).NumNeighbors(3).
				DoneForDegree(1)
		}
		return ReduceAllMax(Abs(Sub(modelFn(), modelFn())))
	})
	require.Equal(t, 0.0, tensors.ToScalar[float64](maxDiff))
}

// TestTransformerMaskPadding checks that padded points are inert: running a
// 3-point cloud padded to 4 points gives the same outputs for the real
// points as running the unpadded 3-point cloud.
func TestTransformerMaskPadding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	maxDiff := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		feats4 := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 8))
		coords4 := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 3))
		mask := Const(g, [][]bool{{true, true, true, false}})
		feats3 := Slice(feats4, AxisRange(), AxisRange(0, 3))
		coords3 := Slice(coords4, AxisRange(), AxisRange(0, 3))

		ctx.SetParam(initializers.ParamInitialSeed, 42)
		ctx = ctx.Checked(false)
		modelFn := func(feats, coords, mask *Node) *Node {
			return Transformer(ctx, ScalarFeatures(feats), coords).
				WithMask(mask).
				NumDegrees(1).OutputDegrees(1).
				Depth(1).Heads(2).DimHead(4).NumNeighbors(2).
				DoneForDegree(0)
		}

		outPadded := modelFn(feats4, coords4, mask)
		outPlain := modelFn(feats3, coords3, nil)
		outPaddedReal := Slice(outPadded, AxisRange(), AxisRange(0, 3))
		return ReduceAllMax(Abs(Sub(outPaddedReal, outPlain)))
	})
	fmt.Printf("\tPadded vs unpadded abs difference: %s\n", maxDiff.GoStr())
	require.Less(t, tensors.ToScalar[float64](maxDiff), 1e-6)
}

// TestTransformerValidation checks the input contract: contiguous degrees,
// uniform channel dim, and matching coordinates.
func TestTransformerValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		coords := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 3))

		// Non-contiguous input degrees.
		require.Panics(t, func() {
			features := FeatureMap{1: ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 8, 3))}
			Transformer(ctx, features, coords).Done()
		})
		// Channel dims disagree across degrees.
		require.Panics(t, func() {
			features := FeatureMap{
				0: ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 8, 1)),
				1: ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 16, 3)),
			}
			Transformer(ctx, features, coords).Done()
		})
		// Coordinates don't match the features' points.
		require.Panics(t, func() {
			features := ScalarFeatures(ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 5, 8)))
			Transformer(ctx, features, coords).Done()
		})
		// Higher degrees need a real basis provider.
		require.Panics(t, func() {
			features := ScalarFeatures(ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 1, 4, 8)))
			Transformer(ctx, features, coords).NumDegrees(2).Done()
		})
		return ScalarZero(g, dtypes.Float64)
	})
}
