// Package erasure implements redundancy coding for file fragments. A file
// is cut into equal-size data fragments plus derived parity fragments, so
// the original bytes survive the loss of some fragments. Two schemes are
// provided behind the Coder interface: the rotating-subset XOR code and a
// systematic Reed-Solomon code.
package erasure

import (
	"errors"
	"fmt"
)

// Fragment size tiers by original file size.
const (
	sizeTier1 = 1 * 1024 * 1024   // under 1MB
	sizeTier2 = 16 * 1024 * 1024  // under 16MB
	sizeTier3 = 256 * 1024 * 1024 // under 256MB

	baseTier1 = 64 * 1024
	baseTier2 = 256 * 1024
	baseTier3 = 1024 * 1024
	baseTier4 = 4 * 1024 * 1024

	// MinDataFragments is the floor on data fragments per file, so even
	// tiny files spread across several nodes.
	MinDataFragments = 3

	// MaxReliabilityLevel bounds the redundancy knob.
	MaxReliabilityLevel = 5
)

// ErrInsufficientFragments is returned when the surviving fragments cannot
// reproduce the original data.
var ErrInsufficientFragments = errors.New("insufficient fragments for reconstruction")

// Layout describes how a file of a given size is cut up at a reliability
// level. FragmentSize applies to every fragment; the final data fragment is
// zero-padded up to it.
type Layout struct {
	DataCount    int   `json:"data_count"`
	ParityCount  int   `json:"parity_count"`
	FragmentSize int64 `json:"fragment_size"`
	OriginalSize int64 `json:"original_size"`
}

// TotalCount returns the number of fragments the layout produces.
func (l Layout) TotalCount() int { return l.DataCount + l.ParityCount }

// ComputeLayout determines the fragment layout for a file. Level runs 1
// (minimal parity) to 5 (parity equal to data count).
func ComputeLayout(byteLength int64, level int) (Layout, error) {
	if byteLength <= 0 {
		return Layout{}, fmt.Errorf("byte length must be positive, got %d", byteLength)
	}
	if level < 1 || level > MaxReliabilityLevel {
		return Layout{}, fmt.Errorf("reliability level must be 1..%d, got %d", MaxReliabilityLevel, level)
	}

	base := baseFragmentSize(byteLength)
	dataCount := int(ceilDiv(byteLength, base))
	if dataCount < MinDataFragments {
		dataCount = MinDataFragments
	}

	parityCount := (dataCount*level + 4) / 5
	if parityCount < 1 {
		parityCount = 1
	}

	return Layout{
		DataCount:    dataCount,
		ParityCount:  parityCount,
		FragmentSize: ceilDiv(byteLength, int64(dataCount)),
		OriginalSize: byteLength,
	}, nil
}

func baseFragmentSize(byteLength int64) int64 {
	switch {
	case byteLength < sizeTier1:
		return baseTier1
	case byteLength < sizeTier2:
		return baseTier2
	case byteLength < sizeTier3:
		return baseTier3
	default:
		return baseTier4
	}
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Coder encodes a byte stream into fragments and decodes the surviving
// subset back into the original bytes.
//
// Encode returns dataCount+parityCount fragments of equal length, data
// fragments first. Decode takes a slice of that same length with nil
// entries for fragments that are lost or unverified.
type Coder interface {
	Encode(data []byte, dataCount, parityCount int) ([][]byte, error)
	Decode(fragments [][]byte, dataCount, parityCount int, originalLen int64) ([]byte, error)
}

// NewCoder returns the coder for a configured scheme name. Supported
// schemes are "xor" (default) and "rs".
func NewCoder(scheme string) (Coder, error) {
	switch scheme {
	case "", "xor":
		return &XORCoder{}, nil
	case "rs":
		return &RSCoder{}, nil
	default:
		return nil, fmt.Errorf("unknown coder scheme %q", scheme)
	}
}

// splitData cuts data into dataCount fragments of equal size, zero-padding
// the tail of the final fragment.
func splitData(data []byte, dataCount int) ([][]byte, int) {
	fragSize := (len(data) + dataCount - 1) / dataCount
	fragments := make([][]byte, dataCount)
	for i := 0; i < dataCount; i++ {
		frag := make([]byte, fragSize)
		start := i * fragSize
		if start < len(data) {
			end := start + fragSize
			if end > len(data) {
				end = len(data)
			}
			copy(frag, data[start:end])
		}
		fragments[i] = frag
	}
	return fragments, fragSize
}

// joinData concatenates data fragments and truncates to the original length.
func joinData(fragments [][]byte, dataCount int, originalLen int64) []byte {
	out := make([]byte, 0, int(originalLen))
	for i := 0; i < dataCount; i++ {
		out = append(out, fragments[i]...)
	}
	return out[:originalLen]
}

// checkShape validates the fragment slice passed to Decode: right count,
// at least dataCount present, and uniform length across present fragments.
func checkShape(fragments [][]byte, dataCount, parityCount int) (fragSize int, err error) {
	total := dataCount + parityCount
	if len(fragments) != total {
		return 0, fmt.Errorf("expected %d fragment slots, got %d", total, len(fragments))
	}

	present := 0
	fragSize = -1
	for i, f := range fragments {
		if f == nil {
			continue
		}
		present++
		if fragSize == -1 {
			fragSize = len(f)
		} else if len(f) != fragSize {
			return 0, fmt.Errorf("fragment %d has length %d, expected %d", i, len(f), fragSize)
		}
	}
	if present < dataCount {
		return 0, fmt.Errorf("%d of %d data fragments needed, %d fragments present: %w",
			dataCount, total, present, ErrInsufficientFragments)
	}
	return fragSize, nil
}
