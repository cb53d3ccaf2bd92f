// Package discriminator implements the multi-resolution video discriminator:
// a downsampling pyramid of convolution blocks mirroring the synthesis
// ladder, with frame concatenation at a configurable resolution, optional
// frame-difference stacking, minibatch statistics and a motion-attention
// scoring head.
package discriminator

import (
	"math"

	"github.com/pkg/errors"
)

// Architecture selects how blocks merge the RGB stream with the feature
// stream.
type Architecture string

const (
	// ArchResnet uses residual blocks with a 1x1 skip, the default.
	ArchResnet Architecture = "resnet"

	// ArchSkip downsamples the RGB image alongside the features and merges
	// it at every resolution.
	ArchSkip Architecture = "skip"

	// ArchOrig ingests the RGB image only at the top resolution.
	ArchOrig Architecture = "orig"
)

// Config describes a discriminator. Values are fixed at construction.
type Config struct {
	// CDim is the conditioning label dimensionality, zero for none.
	CDim int

	// ImgResolution is the input image resolution, a power of two >= 4.
	ImgResolution int

	// ImgChannels is the number of input color channels.
	ImgChannels int

	// Architecture selects the block wiring.
	Architecture Architecture

	// ChannelBase and ChannelMax drive the per-resolution channel
	// schedule min(ChannelBase/res, ChannelMax).
	ChannelBase int
	ChannelMax  int

	// NumFP16Res runs the N highest resolutions in reduced precision.
	NumFP16Res int

	// ConvClamp clamps convolution outputs to +-ConvClamp, negative to
	// disable.
	ConvClamp float64

	// CMapDim is the conditioning embedding width. Zero defaults to the
	// 4x4 channel count.
	CMapDim int

	// MBStdGroupSize and MBStdNumChannels configure the minibatch
	// standard deviation layer; MBStdNumChannels == 0 disables it.
	MBStdGroupSize   int
	MBStdNumChannels int

	// HiddenDim is the epilogue's flattened hidden width, matching the
	// motion word dimensionality when motion attention is used.
	HiddenDim int

	// SpectralNorm applies spectral normalization to the block
	// convolutions of non-residual architectures.
	SpectralNorm bool

	// FreezeLayers freezes the first N convolution layers, counted by a
	// global running index across all blocks from the top resolution down.
	FreezeLayers int

	// NumFrames is the number of frames per video.
	NumFrames int

	// ConcatRes is the resolution at which the per-frame feature maps of
	// a video are concatenated along channels. Zero disables it.
	ConcatRes int

	// NumFramesDivFactor shrinks the channel schedule around ConcatRes to
	// compensate for the frame concatenation.
	NumFramesDivFactor int

	// MotionDiff additionally stacks consecutive-frame differences next
	// to the frames before the pyramid.
	MotionDiff bool

	// MotionAttention attends the epilogue hidden vector against the
	// generator's motion words.
	MotionAttention bool

	// TimeFrequencies is the Fourier band count of the temporal
	// difference encoder.
	TimeFrequencies int
}

// DefaultConfig returns the standard discriminator configuration for the
// given resolution and frame count.
func DefaultConfig(imgResolution, numFrames int) Config {
	return Config{
		ImgResolution:      imgResolution,
		ImgChannels:        3,
		Architecture:       ArchResnet,
		ChannelBase:        32768,
		ChannelMax:         512,
		ConvClamp:          256,
		MBStdGroupSize:     4,
		MBStdNumChannels:   1,
		HiddenDim:          512,
		NumFrames:          numFrames,
		ConcatRes:          16,
		NumFramesDivFactor: 2,
		TimeFrequencies:    16,
	}
}

// Validate checks the configuration for internal consistency.
func (cfg Config) Validate() error {
	if cfg.ImgResolution < 4 || cfg.ImgResolution&(cfg.ImgResolution-1) != 0 {
		return errors.Errorf("ImgResolution must be a power of two >= 4, got %d", cfg.ImgResolution)
	}
	if cfg.ImgChannels <= 0 {
		return errors.Errorf("ImgChannels must be positive, got %d", cfg.ImgChannels)
	}
	if cfg.ChannelBase <= 0 || cfg.ChannelMax <= 0 {
		return errors.Errorf("channel schedule must be positive, got base=%d max=%d",
			cfg.ChannelBase, cfg.ChannelMax)
	}
	switch cfg.Architecture {
	case ArchOrig, ArchSkip, ArchResnet:
	default:
		return errors.Errorf("unknown architecture %q", cfg.Architecture)
	}
	if cfg.NumFrames <= 0 {
		return errors.Errorf("NumFrames must be positive, got %d", cfg.NumFrames)
	}
	if cfg.ConcatRes != 0 {
		if cfg.ConcatRes < 4 || cfg.ConcatRes >= cfg.ImgResolution {
			return errors.Errorf("ConcatRes must be a block resolution below ImgResolution, got %d", cfg.ConcatRes)
		}
		if cfg.NumFramesDivFactor <= 0 {
			return errors.Errorf("NumFramesDivFactor must be positive, got %d", cfg.NumFramesDivFactor)
		}
		if cfg.Architecture == ArchSkip {
			// The skip-image path keeps per-frame batches and cannot cross
			// the per-video merge point.
			return errors.Errorf("ConcatRes is incompatible with the skip architecture")
		}
	}
	if cfg.MotionDiff && cfg.ConcatRes == 0 {
		return errors.Errorf("MotionDiff requires ConcatRes")
	}
	if cfg.NumFrames > 1 && cfg.ConcatRes == 0 {
		return errors.Errorf("multi-frame input requires ConcatRes to merge frames per video")
	}
	if cfg.HiddenDim <= 0 {
		return errors.Errorf("HiddenDim must be positive, got %d", cfg.HiddenDim)
	}
	return nil
}

// Resolutions returns the block resolutions from ImgResolution down to 8.
// The 4x4 stage is the epilogue.
func (cfg Config) Resolutions() []int {
	var res []int
	for r := cfg.ImgResolution; r >= 8; r /= 2 {
		res = append(res, r)
	}
	return res
}

// NumChannels returns the base channel count at a resolution, before the
// frame-concatenation adjustments.
func (cfg Config) NumChannels(resolution int) int {
	c := cfg.ChannelBase / resolution
	if c > cfg.ChannelMax {
		c = cfg.ChannelMax
	}
	return c
}

func (cfg Config) fp16At(resolution int) bool {
	if cfg.NumFP16Res <= 0 {
		return false
	}
	log2 := int(math.Log2(float64(cfg.ImgResolution)))
	threshold := 1 << (log2 + 1 - cfg.NumFP16Res)
	if threshold < 8 {
		threshold = 8
	}
	return resolution >= threshold
}

// framesFactor is how many stacked frames per video enter the pyramid.
func (cfg Config) framesFactor() int {
	if cfg.MotionDiff {
		return 2 * cfg.NumFrames
	}
	return cfg.NumFrames
}
