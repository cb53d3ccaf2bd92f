package discriminator

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// MinibatchStd appends per-group standard deviation statistics as extra
// feature channels, letting the discriminator see batch-level variation.
type MinibatchStd struct {
	// GroupSize splits the batch into groups of at most this size. Zero
	// uses the whole batch as one group.
	GroupSize int

	// NumChannels is how many statistic channels are appended.
	NumChannels int
}

// Forward appends the statistics to x, shaped [batch, c, h, w], returning
// [batch, c+NumChannels, h, w]. The batch must be divisible by the effective
// group size.
func (m *MinibatchStd) Forward(x *Node) *Node {
	dims := x.Shape().Dimensions
	n, c, h, w := dims[0], dims[1], dims[2], dims[3]
	groupSize := m.GroupSize
	if groupSize <= 0 || groupSize > n {
		groupSize = n
	}
	if n%groupSize != 0 {
		Panicf("discriminator.MinibatchStd: batch %d not divisible by group size %d", n, groupSize)
	}
	numChannels := m.NumChannels
	if c%numChannels != 0 {
		Panicf("discriminator.MinibatchStd: channels %d not divisible by NumChannels %d", c, numChannels)
	}
	chanPerStat := c / numChannels

	// [group, numGroups, stat, chanPerStat, h, w]
	y := Reshape(x, groupSize, n/groupSize, numChannels, chanPerStat, h, w)
	y = Sub(y, ReduceAndKeep(y, ReduceMean, 0))
	y = ReduceMean(Square(y), 0)
	y = Sqrt(AddScalar(y, 1e-8))
	y = ReduceMean(y, 2, 3, 4) // mean over grouped channels and pixels -> [numGroups, stat]
	y = Reshape(y, n/groupSize, numChannels, 1, 1)
	y = InsertAxes(y, 0)
	y = BroadcastToDims(y, groupSize, n/groupSize, numChannels, h, w)
	y = Reshape(y, n, numChannels, h, w)
	return Concatenate([]*Node{x, ConvertDType(y, x.DType())}, 1)
}
