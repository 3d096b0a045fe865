// Package se3 implements SE(3)-equivariant neural-network layers over 3D
// point clouds, composed into a transformer on a k-nearest-neighbor graph.
//
// Features are organized by rotation order ("degree"): a degree-d feature is
// shaped [batch, points, channels, 2d+1]. Every layer here commutes with
// joint rotation/translation of the input coordinates: channel mixing never
// touches the spatial axis (Linear), nonlinearities act only on rotation
// invariant norms (Norm), and geometry enters solely through learned radial
// functions of the distance combined with an externally supplied equivariant
// basis (Conv, Attention).
//
// All layers are graph-building functions in the gomlx style: they take a
// *context.Context holding the learned variables and *graph.Node operands,
// and return new nodes. Configurable layers follow the builder idiom --
// construct, chain setters, call Done.
package se3

import (
	"sort"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"

	"github.com/molforge/se3former/fiber"
)

// FeatureMap maps a degree to its feature node, shaped
// [batch, points, channels, 2·degree+1].
//
// It is value-like: layers build fresh maps and never mutate their inputs.
type FeatureMap map[int]*Node

// ScalarFeatures lifts a plain [batch, points, channels] node into a
// FeatureMap holding it as degree 0 (trailing spatial axis of extent 1).
func ScalarFeatures(x *Node) FeatureMap {
	if x.Rank() != 3 {
		exceptions.Panicf("se3: ScalarFeatures expects a [batch, points, channels] node, got shape %s", x.Shape())
	}
	return FeatureMap{0: InsertAxes(x, -1)}
}

// Degrees returns the degrees present, in ascending order.
func (f FeatureMap) Degrees() []int {
	degrees := make([]int, 0, len(f))
	for d := range f {
		degrees = append(degrees, d)
	}
	sort.Ints(degrees)
	return degrees
}

// FiberOf recovers the fiber structure from the feature shapes. It validates
// the per-degree invariants on the way (see CheckValid).
func (f FeatureMap) FiberOf() fiber.Fiber {
	f.CheckValid()
	degrees := f.Degrees()
	elements := make([]fiber.Element, len(degrees))
	for ii, d := range degrees {
		elements[ii] = fiber.Element{Degree: d, Dim: f[d].Shape().Dim(2)}
	}
	return fiber.New(elements...)
}

// CheckValid panics unless every degree-d entry is rank-4 with trailing axis
// exactly 2d+1, and batch/points dimensions agree across degrees.
func (f FeatureMap) CheckValid() {
	if len(f) == 0 {
		exceptions.Panicf("se3: empty feature map")
	}
	var batchSize, numPoints int
	first := true
	for _, d := range f.Degrees() {
		x := f[d]
		if d < 0 {
			exceptions.Panicf("se3: feature map has negative degree %d", d)
		}
		if x.Rank() != 4 {
			exceptions.Panicf("se3: degree %d features must be rank-4 [batch, points, channels, 2d+1], got shape %s",
				d, x.Shape())
		}
		if got, want := x.Shape().Dim(-1), 2*d+1; got != want {
			exceptions.Panicf("se3: degree %d features must have spatial extent %d, got shape %s", d, want, x.Shape())
		}
		if first {
			batchSize, numPoints = x.Shape().Dim(0), x.Shape().Dim(1)
			first = false
		} else if x.Shape().Dim(0) != batchSize || x.Shape().Dim(1) != numPoints {
			exceptions.Panicf("se3: degree %d features have batch/points dims %dx%d, want %dx%d",
				d, x.Shape().Dim(0), x.Shape().Dim(1), batchSize, numPoints)
		}
	}
}

// DegreePair keys a pairwise kernel or basis tensor by its input and output
// rotation orders.
type DegreePair struct {
	In, Out int
}

// NumFrequencies returns the number of frequency components connecting the
// two degrees: 2·min(in, out)+1.
func (p DegreePair) NumFrequencies() int {
	minDegree := p.In
	if p.Out < minDegree {
		minDegree = p.Out
	}
	return 2*minDegree + 1
}

// Basis maps a degree pair to its externally supplied equivariant basis
// tensor, shaped [batch, points, neighbors, 2·out+1, 2·in+1, frequencies].
// It is read-only input to the convolution layers.
type Basis map[DegreePair]*Node

// BasisFn produces the equivariant basis for a realized set of relative
// positions, shaped [batch, points, neighbors, 3], up to maxDegree. The
// returned set must contain every ordered degree pair up to maxDegree and be
// a valid orthogonal change-of-basis set: combined with arbitrary radial
// coefficients it must yield an SO(3)-equivariant per-edge operator. The
// construction itself is outside this package.
type BasisFn func(relPos *Node, maxDegree int) Basis

// ScalarBasis is the exact BasisFn for degree-0-only networks: the (0,0)
// basis is the constant 1. It panics if maxDegree > 0 -- higher-degree bases
// must come from an external provider.
func ScalarBasis(relPos *Node, maxDegree int) Basis {
	if maxDegree != 0 {
		exceptions.Panicf("se3: ScalarBasis only provides the (0,0) basis, got maxDegree=%d -- "+
			"configure an external BasisFn for degree >= 1", maxDegree)
	}
	if relPos.Rank() != 4 || relPos.Shape().Dim(-1) != 3 {
		exceptions.Panicf("se3: ScalarBasis expects relative positions shaped [batch, points, neighbors, 3], got %s",
			relPos.Shape())
	}
	g := relPos.Graph()
	dims := relPos.Shape().Dimensions
	ones := Ones(g, shapes.Make(relPos.DType(), dims[0], dims[1], dims[2], 1, 1, 1))
	return Basis{DegreePair{In: 0, Out: 0}: ones}
}

func (b Basis) get(pair DegreePair) *Node {
	node, found := b[pair]
	if !found {
		exceptions.Panicf("se3: basis for degree pair (%d,%d) not supplied", pair.In, pair.Out)
	}
	return node
}
