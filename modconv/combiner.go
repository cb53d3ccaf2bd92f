package modconv

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// ApplyWordStyles combines per-sample modulated weights with a low-rank
// motion-word modulation tensor.
//
// w is the style-scaled weight, shaped [batch, out, in, kh, kw]. words holds
// the per-layer hypernetwork output, shaped [batch, numWords, rank,
// in+kh+kw]: the last axis concatenates rank-1 factors over the input-channel
// and the two kernel axes. Each word expands to a modulation tensor
// [in, kh, kw] as a sum of rank outer products; the words are then attended
// against each output channel's flattened weight and the attention-pooled
// modulation perturbs the weight multiplicatively.
//
// When normalize is set (reduced precision with demodulation), each word's
// modulation tensor is pre-scaled by its infinity norm before combining.
//
// It returns the combined weight and the "sim" diagnostic: the batch mean of
// the pairwise cosine similarity between word modulation tensors (zero when
// fewer than two words). When detachSim is set, the diagnostic is detached
// from the gradient flow.
func ApplyWordStyles(w, words *Node, normalize, detachSim bool) (combined, sim *Node) {
	if w.Rank() != 5 {
		Panicf("modconv.ApplyWordStyles: w must be [batch, out, in, kh, kw], got %s", w.Shape())
	}
	if words.Rank() != 4 {
		Panicf("modconv.ApplyWordStyles: words must be [batch, numWords, rank, in+kh+kw], got %s", words.Shape())
	}
	batchSize, outChannels := w.Shape().Dimensions[0], w.Shape().Dimensions[1]
	inChannels, kh, kw := w.Shape().Dimensions[2], w.Shape().Dimensions[3], w.Shape().Dimensions[4]
	numWords := words.Shape().Dimensions[1]
	if words.Shape().Dimensions[0] != batchSize {
		Panicf("modconv.ApplyWordStyles: w batch (%d) and words batch (%d) mismatch",
			batchSize, words.Shape().Dimensions[0])
	}
	if words.Shape().Dimensions[3] != inChannels+kh+kw {
		Panicf("modconv.ApplyWordStyles: words last axis must be in+kh+kw=%d, got %s",
			inChannels+kh+kw, words.Shape())
	}
	words = ConvertDType(words, w.DType())

	// Rank-1 factors over input channels and the two kernel axes.
	tIn := Slice(words, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, inChannels))
	tKh := Slice(words, AxisRange(), AxisRange(), AxisRange(), AxisRange(inChannels, inChannels+kh))
	tKw := Slice(words, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(inChannels+kh))

	// Sum of rank outer products: [batch, numWords, in, kh, kw].
	partial := Einsum("bwri,bwrh->bwrih", tIn, tKh)
	modulation := Einsum("bwrih,bwrv->bwihv", partial, tKw)
	if normalize {
		norm := ReduceAndKeep(Abs(modulation), ReduceMax, 2, 3, 4)
		modulation = Div(modulation, AddScalar(norm, 1e-8))
	}

	flatDim := inChannels * kh * kw
	wFlat := Reshape(w, batchSize, outChannels, flatDim)
	modFlat := Reshape(modulation, batchSize, numWords, flatDim)

	// Scaled dot-product attention of each output channel over the words.
	scores := MulScalar(Einsum("boc,bwc->bow", wFlat, modFlat), 1/math.Sqrt(float64(flatDim)))
	attn := Softmax(scores, -1)
	delta := Einsum("bow,bwc->boc", attn, modFlat)
	delta = Reshape(delta, batchSize, outChannels, inChannels, kh, kw)
	combined = Mul(w, OnePlus(delta))

	sim = wordSimilarity(modFlat, numWords)
	if detachSim {
		sim = StopGradient(sim)
	}
	return combined, sim
}

// NeutralSim returns the zero diagnostic used when word modulation is absent.
func NeutralSim(g *Graph) *Node {
	return ScalarZero(g, dtypes.Float32)
}

// wordSimilarity computes the mean pairwise cosine similarity between word
// modulation tensors, averaged over the batch. modFlat is shaped
// [batch, numWords, flat].
func wordSimilarity(modFlat *Node, numWords int) *Node {
	g := modFlat.Graph()
	if numWords < 2 {
		return NeutralSim(g)
	}
	unit := L2NormalizeWithEpsilon(modFlat, 1e-8, -1)
	gram := Einsum("bwc,bvc->bwv", unit, unit) // [batch, numWords, numWords]
	batchSize := modFlat.Shape().Dimensions[0]
	// Discard the diagonal (self similarity is identically one).
	total := Sub(ReduceAllSum(gram), Scalar(g, gram.DType(), float64(batchSize*numWords)))
	offDiag := batchSize * numWords * (numWords - 1)
	sim := DivScalar(total, float64(offDiag))
	return ConvertDType(sim, dtypes.Float32)
}
