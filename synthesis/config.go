package synthesis

import (
	"slices"

	"github.com/pkg/errors"
)

// Architecture selects how blocks combine their convolutions and RGB output.
type Architecture string

const (
	// ArchOrig is the plain two-convolution stack.
	ArchOrig Architecture = "orig"

	// ArchSkip accumulates an upsampled RGB residual at every resolution.
	ArchSkip Architecture = "skip"

	// ArchResnet adds a 1x1 skip-convolution path with variance-preserving
	// sqrt(0.5) scaling.
	ArchResnet Architecture = "resnet"
)

// Config holds the construction-time parameters of the synthesis network.
// It is a value type: copied at construction and never mutated afterwards.
type Config struct {
	// WDim is the intermediate latent (style) dimensionality.
	WDim int

	// ImgResolution is the output resolution, a power of two >= 4.
	ImgResolution int

	// ImgChannels is the number of output color channels.
	ImgChannels int

	// ChannelBase and ChannelMax drive the per-resolution channel count
	// min(ChannelBase/res, ChannelMax).
	ChannelBase int
	ChannelMax  int

	// NumFP16Res uses reduced precision for the N highest resolutions.
	NumFP16Res int

	// Architecture of the synthesis blocks.
	Architecture Architecture

	// ConvClamp clamps convolution outputs to +-ConvClamp; negative disables.
	ConvClamp float64

	// UseNoise enables per-layer noise injection.
	UseNoise bool

	// StyleZ keeps the global style affine projection even on layers that
	// are word-modulated.
	StyleZ bool

	// ResampleFilter holds the separable low-pass filter taps.
	ResampleFilter []float32

	// MotionVDim is the motion vector dimensionality produced by the motion
	// encoder; 0 disables motion encoding.
	MotionVDim int

	// MotionNum is the number of motion words; 0 disables word modulation
	// everywhere (ablation path), regardless of ModResolutions.
	MotionNum int

	// MotionDim is the per-word embedding dimensionality.
	MotionDim int

	// MotionRank is the rank of the low-rank per-layer word modulation.
	MotionRank int

	// ConsistentMotion selects the shared word bank derived from averaged
	// styles; otherwise the bank is derived per sample from styles+motion.
	ConsistentMotion bool

	// ModResolutions lists the block resolutions that apply word modulation.
	ModResolutions []int

	// AttentionResolutions lists the block resolutions with temporal
	// self-attention.
	AttentionResolutions []int

	// DetachSim detaches the word-diversity diagnostic from gradients.
	DetachSim bool
}

// DefaultConfig returns the configuration used by the reference training
// setups: 64-channel base schedule, skip architecture, noise enabled, eight
// motion words of rank 1.
func DefaultConfig() Config {
	return Config{
		WDim:                 512,
		ImgResolution:        256,
		ImgChannels:          3,
		ChannelBase:          32768,
		ChannelMax:           512,
		Architecture:         ArchSkip,
		ConvClamp:            256,
		UseNoise:             true,
		StyleZ:               false,
		ResampleFilter:       []float32{1, 3, 3, 1},
		MotionVDim:           512,
		MotionNum:            8,
		MotionDim:            512,
		MotionRank:           1,
		ModResolutions:       []int{16, 32, 64, 128, 256},
		AttentionResolutions: []int{32},
		DetachSim:            true,
	}
}

// Validate fails with a descriptive error on any configuration
// inconsistency. It is called by NewNetwork before anything is built.
func (cfg Config) Validate() error {
	if cfg.ImgResolution < 4 || cfg.ImgResolution&(cfg.ImgResolution-1) != 0 {
		return errors.Errorf("ImgResolution must be a power of two >= 4, got %d", cfg.ImgResolution)
	}
	if cfg.WDim <= 0 {
		return errors.Errorf("WDim must be positive, got %d", cfg.WDim)
	}
	if cfg.ImgChannels <= 0 {
		return errors.Errorf("ImgChannels must be positive, got %d", cfg.ImgChannels)
	}
	if cfg.ChannelBase <= 0 || cfg.ChannelMax <= 0 {
		return errors.Errorf("ChannelBase and ChannelMax must be positive, got %d and %d",
			cfg.ChannelBase, cfg.ChannelMax)
	}
	switch cfg.Architecture {
	case ArchOrig, ArchSkip, ArchResnet:
	default:
		return errors.Errorf("unknown architecture %q", cfg.Architecture)
	}
	if cfg.MotionNum < 0 || cfg.MotionVDim < 0 {
		return errors.Errorf("MotionNum and MotionVDim cannot be negative, got %d and %d",
			cfg.MotionNum, cfg.MotionVDim)
	}
	if cfg.MotionNum > 0 {
		if cfg.MotionDim <= 0 || cfg.MotionRank <= 0 {
			return errors.Errorf("word modulation requires positive MotionDim and MotionRank, got %d and %d",
				cfg.MotionDim, cfg.MotionRank)
		}
	}
	if len(cfg.ResampleFilter) == 0 {
		return errors.New("ResampleFilter cannot be empty")
	}
	return nil
}

// Resolutions returns the block resolution schedule, 4 up to ImgResolution.
func (cfg Config) Resolutions() []int {
	var res []int
	for r := 4; r <= cfg.ImgResolution; r *= 2 {
		res = append(res, r)
	}
	return res
}

// NumChannels returns the channel count for a block resolution.
func (cfg Config) NumChannels(resolution int) int {
	return min(cfg.ChannelBase/resolution, cfg.ChannelMax)
}

func (cfg Config) wordModAt(resolution int) bool {
	return cfg.MotionNum > 0 && slices.Contains(cfg.ModResolutions, resolution)
}

func (cfg Config) attentionAt(resolution int) bool {
	return slices.Contains(cfg.AttentionResolutions, resolution)
}

func (cfg Config) fp16At(resolution int) bool {
	if cfg.NumFP16Res <= 0 {
		return false
	}
	threshold := cfg.ImgResolution
	for i := 1; i < cfg.NumFP16Res; i++ {
		threshold /= 2
	}
	threshold = max(threshold, 8)
	return resolution >= threshold
}
