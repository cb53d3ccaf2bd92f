package motion

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// TemporalDifferenceEncoder embeds the distances between consecutive frame
// timestamps of a video into a fixed-size vector, used as extra conditioning
// by the discriminator. Single-frame videos carry no temporal information
// and get a learned constant embedding instead.
type TemporalDifferenceEncoder struct {
	numFrames      int
	numFrequencies int
}

// NewTemporalDifferenceEncoder returns an encoder for videos of the given
// frame count.
func NewTemporalDifferenceEncoder(numFrames, numFrequencies int) (*TemporalDifferenceEncoder, error) {
	if numFrames <= 0 {
		return nil, errors.Errorf("motion: numFrames must be positive, got %d", numFrames)
	}
	if numFrequencies <= 0 {
		return nil, errors.Errorf("motion: numFrequencies must be positive, got %d", numFrequencies)
	}
	return &TemporalDifferenceEncoder{numFrames: numFrames, numFrequencies: numFrequencies}, nil
}

// Dim returns the embedding dimensionality.
func (e *TemporalDifferenceEncoder) Dim() int {
	if e.numFrames == 1 {
		return 2 * e.numFrequencies
	}
	return (e.numFrames - 1) * 2 * e.numFrequencies
}

// Encode embeds the timestamps t, shaped [batch, numFrames], as
// [batch, Dim()].
func (e *TemporalDifferenceEncoder) Encode(ctx *context.Context, t *Node) *Node {
	t.AssertDims(-1, e.numFrames)
	batchSize := t.Shape().Dimensions[0]

	if e.numFrames == 1 {
		g := t.Graph()
		constVar := ctx.WithInitializer(initializers.Zero).
			VariableWithShape("time_const", shapes.Make(dtypes.Float32, e.Dim()))
		emb := InsertAxes(constVar.ValueGraph(g), 0)
		return BroadcastToDims(emb, batchSize, e.Dim())
	}

	head := Slice(t, AxisRange(), AxisRangeFromStart(e.numFrames-1))
	tail := Slice(t, AxisRange(), AxisRangeToEnd(1))
	diffs := ConvertDType(Sub(tail, head), dtypes.Float32)
	feats := fourierFeatures(Reshape(diffs, batchSize*(e.numFrames-1), 1), e.numFrequencies)
	return Reshape(feats, batchSize, e.Dim())
}
