package discriminator

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/mostgan/ops"
)

// Block is one downsampling step of the pyramid: optional fromrgb merge, two
// convolutions and a factor-2 downsample, with a residual variant matching
// the generator's scaling. Trainability of each layer is decided at
// construction from the global freeze policy.
type Block struct {
	cfg         Config
	inChannels  int
	tmpChannels int
	outChannels int
	resolution  int
	useFP16     bool

	hasFromRGB bool
	numLayers  int

	// Per-layer trainable flags in construction order: fromrgb (when
	// present), conv0, conv1, skip (resnet only).
	fromRGBTrainable bool
	conv0Trainable   bool
	conv1Trainable   bool
	skipTrainable    bool

	filter *ops.Filter
}

// newBlock assembles one pyramid block. firstLayerIdx is the running global
// layer index used by the freeze policy; inChannels == 0 marks the top
// (image-consuming) block.
func newBlock(cfg Config, inChannels, tmpChannels, outChannels, resolution, firstLayerIdx int) *Block {
	b := &Block{
		cfg:         cfg,
		inChannels:  inChannels,
		tmpChannels: tmpChannels,
		outChannels: outChannels,
		resolution:  resolution,
		useFP16:     cfg.fp16At(resolution),
		filter:      ops.DefaultFilter(),
	}
	nextTrainable := func() bool {
		trainable := firstLayerIdx+b.numLayers >= cfg.FreezeLayers
		b.numLayers++
		return trainable
	}
	if inChannels == 0 || cfg.Architecture == ArchSkip {
		b.hasFromRGB = true
		b.fromRGBTrainable = nextTrainable()
	}
	b.conv0Trainable = nextTrainable()
	b.conv1Trainable = nextTrainable()
	if cfg.Architecture == ArchResnet {
		b.skipTrainable = nextTrainable()
	}
	return b
}

// NumLayers returns how many freeze-policy layers the block registered.
func (b *Block) NumLayers() int { return b.numLayers }

// Forward runs the block on the feature map x (nil for the top block) and
// the running RGB image img (nil once consumed). It returns the downsampled
// feature map and the image to thread to the next block.
func (b *Block) Forward(ctx *context.Context, x, img *Node, forceFP32 bool) (*Node, *Node) {
	dtype := dtypes.Float32
	if b.useFP16 && !forceFP32 {
		dtype = dtypes.Float16
	}

	if x != nil {
		x.AssertDims(-1, b.inChannels, b.resolution, b.resolution)
		x = ConvertDType(x, dtype)
	}

	if b.hasFromRGB {
		img.AssertDims(-1, b.cfg.ImgChannels, b.resolution, b.resolution)
		img = ConvertDType(img, dtype)
		y := ops.Conv2D(ctx.In("fromrgb"), img).
			Filters(b.tmpChannels).KernelSize(1).
			Activation(ops.LeakyReLU).ConvClamp(b.cfg.ConvClamp).
			Trainable(b.fromRGBTrainable).Done()
		if x != nil {
			x = Add(x, y)
		} else {
			x = y
		}
		if b.cfg.Architecture == ArchSkip {
			img = ops.Downsample2D(img, b.filter, 2)
		} else {
			img = nil
		}
	}

	if b.cfg.Architecture == ArchResnet {
		y := ops.Conv2D(ctx.In("skip"), x).
			Filters(b.outChannels).KernelSize(1).UseBias(false).Down(2).
			Gain(math.Sqrt(0.5)).ResampleFilter(b.filter).
			Trainable(b.skipTrainable).Done()
		x = ops.Conv2D(ctx.In("conv0"), x).
			Filters(b.tmpChannels).
			Activation(ops.LeakyReLU).ConvClamp(b.cfg.ConvClamp).
			Trainable(b.conv0Trainable).Done()
		x = ops.Conv2D(ctx.In("conv1"), x).
			Filters(b.outChannels).Down(2).
			Activation(ops.LeakyReLU).Gain(math.Sqrt(0.5)).
			ConvClamp(b.cfg.ConvClamp).ResampleFilter(b.filter).
			Trainable(b.conv1Trainable).Done()
		x = Add(y, x)
	} else {
		x = ops.Conv2D(ctx.In("conv0"), x).
			Filters(b.tmpChannels).
			Activation(ops.LeakyReLU).ConvClamp(b.cfg.ConvClamp).
			Trainable(b.conv0Trainable).SpectralNorm(b.cfg.SpectralNorm).Done()
		x = ops.Conv2D(ctx.In("conv1"), x).
			Filters(b.outChannels).Down(2).
			Activation(ops.LeakyReLU).ConvClamp(b.cfg.ConvClamp).
			ResampleFilter(b.filter).
			Trainable(b.conv1Trainable).SpectralNorm(b.cfg.SpectralNorm).Done()
	}
	return x, img
}
