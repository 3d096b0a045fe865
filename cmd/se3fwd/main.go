// se3fwd runs one forward pass of the SE(3)-equivariant transformer over a
// point cloud -- random by default, or loaded from an XYZ file -- and
// reports the output shapes, the parameter count and the wall time. It
// doubles as a smoke test of a backend installation:
//
//	go run ./cmd/se3fwd -points 128 -dim 32 -depth 2
//	go run ./cmd/se3fwd -xyz caffeine.xyz
//
// The demo runs a degree-0 configuration, which needs no external basis
// provider.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/molforge/se3former/se3"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagBatchSize = flag.Int("batch", 2, "Batch size: number of point clouds. Ignored with -xyz.")
	flagPoints    = flag.Int("points", 64, "Number of points per cloud. Ignored with -xyz.")
	flagXYZ       = flag.String("xyz", "", "Path of an XYZ file to use as the point cloud, instead of a random one.")
	flagDim       = flag.Int("dim", 16, "Channels per degree.")
	flagDepth     = flag.Int("depth", 2, "Number of attention + feed-forward layer pairs.")
	flagHeads     = flag.Int("heads", 4, "Number of attention heads.")
	flagDimHead   = flag.Int("dim_head", 16, "Channels per attention head.")
	flagNeighbors = flag.Int("neighbors", 12, "Nearest neighbors each point attends to.")
	flagSeed      = flag.Int64("seed", 42, "Seed for the random cloud and the initializers.")
)

// parseXYZ reads an XYZ-format file: an atom count, a comment line, then one
// "element x y z" line per atom. Only the positions are used.
func parseXYZ(path string) [][]float32 {
	lines := strings.Split(string(must.M1(os.ReadFile(path))), "\n")
	if len(lines) < 3 {
		klog.Fatalf("XYZ file %q too short", path)
	}
	numAtoms := must.M1(strconv.Atoi(strings.TrimSpace(lines[0])))
	if len(lines) < numAtoms+2 {
		klog.Fatalf("XYZ file %q declares %d atoms but has %d lines", path, numAtoms, len(lines))
	}
	coords := make([][]float32, numAtoms)
	for ii := range coords {
		fields := strings.Fields(lines[ii+2])
		if len(fields) < 4 {
			klog.Fatalf("XYZ file %q: atom line %d has %d fields, want at least 4", path, ii+3, len(fields))
		}
		coords[ii] = make([]float32, 3)
		for jj := range 3 {
			coords[ii][jj] = float32(must.M1(strconv.ParseFloat(fields[jj+1], 32)))
		}
	}
	return coords
}

func main() {
	flag.Parse()

	var cloud [][]float32
	batchSize, numPoints := *flagBatchSize, *flagPoints
	if *flagXYZ != "" {
		cloud = parseXYZ(*flagXYZ)
		batchSize, numPoints = 1, len(cloud)
		fmt.Printf("Loaded %d atoms from %q\n", numPoints, *flagXYZ)
	}
	if numPoints < 2 {
		klog.Errorf("Need at least 2 points to build a neighborhood, got %d", numPoints)
		os.Exit(1)
	}

	backend := backends.MustNew()
	fmt.Printf("Backend: %s\n", backend.Description())

	ctx := context.New()
	ctx.RngStateFromSeed(*flagSeed)
	start := time.Now()
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		feats := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize, numPoints, *flagDim))
		var coords *Node
		if cloud != nil {
			coords = InsertAxes(Const(g, cloud), 0)
		} else {
			coords = ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize, numPoints, 3))
		}
		out := se3.Transformer(ctx, se3.ScalarFeatures(feats), coords).
			NumDegrees(1).OutputDegrees(1).
			Depth(*flagDepth).Heads(*flagHeads).DimHead(*flagDimHead).
			NumNeighbors(*flagNeighbors).
			Done()
		nodes := make([]*Node, 0, len(out))
		for _, d := range out.Degrees() {
			nodes = append(nodes, out[d])
		}
		return nodes
	})
	elapsed := time.Since(start)

	for ii, output := range outputs {
		fmt.Printf("Output degree %d: shape %s\n", ii, output.Shape())
	}
	fmt.Printf("Parameters: %s\n", humanize.Comma(int64(ctx.NumParameters())))
	fmt.Printf("Forward pass (including compilation): %s\n", elapsed)
}
