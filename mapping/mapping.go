// Package mapping implements the latent-to-style mapping network: a stack of
// equalized-learning-rate fully connected layers turning (z, c) into the
// intermediate latent w, with moving-average tracking of w for truncation.
package mapping

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/mostgan/ops"
)

// Config describes a mapping network. The zero value is not usable, start
// from DefaultConfig.
type Config struct {
	// ZDim is the input latent dimensionality. Zero disables the latent
	// input, leaving a pure conditioning embedder.
	ZDim int

	// CDim is the conditioning label dimensionality, zero for none.
	CDim int

	// WDim is the output latent dimensionality.
	WDim int

	// NumWs is how many times w is broadcast along a new axis 1. Zero
	// disables broadcasting and w-average tracking.
	NumWs int

	// NumLayers is the trunk depth.
	NumLayers int

	// EmbedFeatures is the label embedding width. Zero defaults to WDim.
	EmbedFeatures int

	// LayerFeatures is the trunk width. Zero defaults to WDim.
	LayerFeatures int

	// LRMultiplier is the learning-rate multiplier of the trunk layers.
	LRMultiplier float64

	// WAvgBeta is the decay of the w moving average tracked during
	// training. Zero disables tracking.
	WAvgBeta float64
}

// DefaultConfig returns the standard 8-layer mapping configuration for the
// given dimensions.
func DefaultConfig(zDim, cDim, wDim, numWs int) Config {
	return Config{
		ZDim:         zDim,
		CDim:         cDim,
		WDim:         wDim,
		NumWs:        numWs,
		NumLayers:    8,
		LRMultiplier: 0.01,
		WAvgBeta:     0.998,
	}
}

// Network is the mapping network. All state lives in the context, the struct
// only carries the configuration.
type Network struct {
	cfg Config
}

// New validates cfg and returns the network.
func New(cfg Config) (*Network, error) {
	if cfg.ZDim < 0 || cfg.CDim < 0 || cfg.ZDim+cfg.CDim == 0 {
		return nil, errors.Errorf("mapping: need ZDim+CDim > 0, got ZDim=%d CDim=%d", cfg.ZDim, cfg.CDim)
	}
	if cfg.WDim <= 0 {
		return nil, errors.Errorf("mapping: WDim must be positive, got %d", cfg.WDim)
	}
	if cfg.NumLayers <= 0 {
		return nil, errors.Errorf("mapping: NumLayers must be positive, got %d", cfg.NumLayers)
	}
	if cfg.LRMultiplier == 0 {
		cfg.LRMultiplier = 1
	}
	return &Network{cfg: cfg}, nil
}

// NumWs returns the broadcast count configured for the network.
func (n *Network) NumWs() int { return n.cfg.NumWs }

// normalize2ndMoment scales x so its mean squared feature value is one.
func normalize2ndMoment(x *Node) *Node {
	meanSq := ReduceAndKeep(Square(x), ReduceMean, 1)
	return Mul(x, Rsqrt(AddScalar(meanSq, 1e-8)))
}

// TruncationOpts control the truncation trick applied after broadcasting.
type TruncationOpts struct {
	// Psi interpolates each w toward the tracked average, 1 = no
	// truncation.
	Psi float64

	// Cutoff limits truncation to the first Cutoff broadcast slots,
	// zero or negative = all slots.
	Cutoff int
}

// Forward maps (z, c) to w. z is [batch, zDim] (nil when ZDim == 0) and c is
// [batch, cDim] (nil when CDim == 0). With NumWs > 0 the result is
// [batch, numWs, wDim], otherwise [batch, wDim].
func (n *Network) Forward(ctx *context.Context, z, c *Node, opts TruncationOpts) *Node {
	cfg := n.cfg
	var g *Graph
	var x *Node

	if cfg.ZDim > 0 {
		if z == nil {
			Panicf("mapping: z is required when ZDim=%d", cfg.ZDim)
		}
		z.AssertDims(-1, cfg.ZDim)
		g = z.Graph()
		x = normalize2ndMoment(ConvertDType(z, dtypes.Float32))
	}
	if cfg.CDim > 0 {
		if c == nil {
			Panicf("mapping: c is required when CDim=%d", cfg.CDim)
		}
		c.AssertDims(-1, cfg.CDim)
		g = c.Graph()
		embedDim := cfg.EmbedFeatures
		if embedDim == 0 {
			embedDim = cfg.WDim
		}
		y := ops.Dense(ctx.In("embed"), ConvertDType(c, dtypes.Float32)).
			OutputDim(embedDim).Done()
		y = normalize2ndMoment(y)
		if x != nil {
			x = Concatenate([]*Node{x, y}, 1)
		} else {
			x = y
		}
	}

	layerDim := cfg.LayerFeatures
	if layerDim == 0 {
		layerDim = cfg.WDim
	}
	for i := 0; i < cfg.NumLayers; i++ {
		outDim := layerDim
		if i == cfg.NumLayers-1 {
			outDim = cfg.WDim
		}
		x = ops.Dense(ctx.In(fmt.Sprintf("fc%d", i)), x).
			OutputDim(outDim).
			Activation(ops.LeakyReLU).
			LRMultiplier(cfg.LRMultiplier).Done()
	}

	var wAvg *context.Variable
	if cfg.NumWs > 0 && cfg.WAvgBeta > 0 {
		wAvg = ctx.WithInitializer(initializers.Zero).
			VariableWithShape("w_avg", shapes.Make(dtypes.Float32, cfg.WDim)).
			SetTrainable(false)
		if ctx.IsTraining(g) {
			batchMean := ReduceMean(x, 0)
			old := wAvg.ValueGraph(g)
			updated := Add(batchMean, MulScalar(Sub(old, batchMean), cfg.WAvgBeta))
			wAvg.SetValueGraph(updated)
		}
	}

	if cfg.NumWs > 0 {
		x = InsertAxes(x, 1)
		x = BroadcastToDims(x, x.Shape().Dimensions[0], cfg.NumWs, cfg.WDim)
	}

	if opts.Psi != 1 && wAvg != nil {
		avg := Reshape(wAvg.ValueGraph(g), 1, 1, cfg.WDim)
		truncated := Add(avg, MulScalar(Sub(x, avg), opts.Psi))
		if opts.Cutoff > 0 && opts.Cutoff < cfg.NumWs {
			head := Slice(truncated, AxisRange(), AxisRangeFromStart(opts.Cutoff), AxisRange())
			tail := Slice(x, AxisRange(), AxisRangeToEnd(opts.Cutoff), AxisRange())
			x = Concatenate([]*Node{head, tail}, 1)
		} else {
			x = truncated
		}
	}
	return x
}
