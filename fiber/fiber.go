// Package fiber describes the type structure of SE(3)-equivariant features.
//
// A feature of rotation order ("degree") d occupies 2d+1 spatial components
// per channel. A Fiber records which degrees are present and how many
// channels each carries; it is the shape vocabulary shared by every
// equivariant layer: linear maps are sized from the intersection of two
// fibers, convolution kernels from their product.
package fiber

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
)

// Element is one (degree, channels) entry of a Fiber.
type Element struct {
	// Degree is the rotation order; a degree-d feature spans 2d+1 spatial
	// components per channel.
	Degree int

	// Dim is the number of channels of this degree.
	Dim int
}

// SpatialDim returns the spatial extent 2·Degree+1 of this element.
func (e Element) SpatialDim() int { return 2*e.Degree + 1 }

// Fiber is an immutable ordered collection of elements with unique degrees.
// The zero value is an empty fiber. Create it with New or Uniform.
type Fiber struct {
	elements []Element
	index    map[int]int
}

// New creates a Fiber from the given elements. Degrees must be unique and
// non-negative, dims positive; the order given is preserved.
func New(elements ...Element) Fiber {
	f := Fiber{
		elements: make([]Element, len(elements)),
		index:    make(map[int]int, len(elements)),
	}
	copy(f.elements, elements)
	for ii, el := range f.elements {
		if el.Degree < 0 {
			exceptions.Panicf("fiber: degree must be non-negative, got %d", el.Degree)
		}
		if el.Dim <= 0 {
			exceptions.Panicf("fiber: channel dim for degree %d must be positive, got %d", el.Degree, el.Dim)
		}
		if _, found := f.index[el.Degree]; found {
			exceptions.Panicf("fiber: degree %d given more than once", el.Degree)
		}
		f.index[el.Degree] = ii
	}
	return f
}

// Uniform creates a Fiber with degrees 0..numDegrees-1, each with dim channels.
func Uniform(numDegrees, dim int) Fiber {
	if numDegrees <= 0 {
		exceptions.Panicf("fiber: numDegrees must be positive, got %d", numDegrees)
	}
	elements := make([]Element, numDegrees)
	for d := range elements {
		elements[d] = Element{Degree: d, Dim: dim}
	}
	return New(elements...)
}

// Elements returns a copy of the fiber's elements, in order.
func (f Fiber) Elements() []Element {
	out := make([]Element, len(f.elements))
	copy(out, f.elements)
	return out
}

// Degrees returns the degrees present, in the fiber's order.
func (f Fiber) Degrees() []int {
	out := make([]int, len(f.elements))
	for ii, el := range f.elements {
		out[ii] = el.Degree
	}
	return out
}

// Has reports whether the degree is present.
func (f Fiber) Has(degree int) bool {
	_, found := f.index[degree]
	return found
}

// Dim returns the channel dim of the given degree. It panics if the degree is
// not present -- check with Has first if unsure.
func (f Fiber) Dim(degree int) int {
	ii, found := f.index[degree]
	if !found {
		exceptions.Panicf("fiber: degree %d not present in %s", degree, f)
	}
	return f.elements[ii].Dim
}

// MaxDegree returns the largest degree present, or -1 for an empty fiber.
func (f Fiber) MaxDegree() int {
	maxDegree := -1
	for _, el := range f.elements {
		if el.Degree > maxDegree {
			maxDegree = el.Degree
		}
	}
	return maxDegree
}

// NumElements returns the number of (degree, dim) entries.
func (f Fiber) NumElements() int { return len(f.elements) }

// Scale returns a new Fiber with every channel dim multiplied by mult.
// Used to size hidden fibers (e.g. the feed-forward expansion).
func (f Fiber) Scale(mult int) Fiber {
	if mult <= 0 {
		exceptions.Panicf("fiber: scale multiplier must be positive, got %d", mult)
	}
	elements := f.Elements()
	for ii := range elements {
		elements[ii].Dim *= mult
	}
	return New(elements...)
}

// String implements fmt.Stringer.
func (f Fiber) String() string {
	parts := make([]string, len(f.elements))
	for ii, el := range f.elements {
		parts[ii] = fmt.Sprintf("%d:%d", el.Degree, el.Dim)
	}
	return "Fiber{" + strings.Join(parts, ", ") + "}"
}

// IntersectionTriple is one shared degree of two fibers, with the channel dims
// on each side. It sizes the per-degree weight of an equivariant linear map.
type IntersectionTriple struct {
	Degree        int
	DimIn, DimOut int
}

// Intersect returns the degrees present in both fibers, with in's dim first.
// The order follows in.
func Intersect(in, out Fiber) []IntersectionTriple {
	var result []IntersectionTriple
	for _, el := range in.elements {
		if !out.Has(el.Degree) {
			continue
		}
		result = append(result, IntersectionTriple{
			Degree: el.Degree,
			DimIn:  el.Dim,
			DimOut: out.Dim(el.Degree),
		})
	}
	return result
}

// ProductPair is one ordered (input, output) element pair of two fibers. It
// sizes one pairwise convolution kernel -- heterogeneous degree mixing is
// allowed in convolution, so the full cross set is enumerated.
type ProductPair struct {
	In, Out Element
}

// Product returns the ordered Cartesian pairing of the two fibers' elements,
// input-major (all outputs for the first input element first).
func Product(in, out Fiber) []ProductPair {
	result := make([]ProductPair, 0, len(in.elements)*len(out.elements))
	for _, elIn := range in.elements {
		for _, elOut := range out.elements {
			result = append(result, ProductPair{In: elIn, Out: elOut})
		}
	}
	return result
}
