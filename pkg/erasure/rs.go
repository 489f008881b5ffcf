package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// RSCoder is a systematic Reed-Solomon coder. It reconstructs from any
// dataCount surviving fragments regardless of which are lost, but the
// GF(2^8) field caps dataCount+parityCount at 256 shards.
type RSCoder struct{}

// Encode splits data into dataCount shards and computes parityCount parity
// shards over them. Shard sizing matches XORCoder exactly, so the two
// schemes are interchangeable at the storage layer.
func (c *RSCoder) Encode(data []byte, dataCount, parityCount int) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot encode empty data")
	}
	enc, err := reedsolomon.New(dataCount, parityCount)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon init (%d+%d shards): %w", dataCount, parityCount, err)
	}

	shards, fragSize := splitData(data, dataCount)
	all := make([][]byte, dataCount+parityCount)
	copy(all, shards)
	for i := dataCount; i < len(all); i++ {
		all[i] = make([]byte, fragSize)
	}
	if err := enc.Encode(all); err != nil {
		return nil, fmt.Errorf("reed-solomon encode: %w", err)
	}
	return all, nil
}

// Decode reassembles the original bytes, reconstructing missing data shards
// from parity when needed. Fragments are not mutated.
func (c *RSCoder) Decode(fragments [][]byte, dataCount, parityCount int, originalLen int64) ([]byte, error) {
	fragSize, err := checkShape(fragments, dataCount, parityCount)
	if err != nil {
		return nil, err
	}
	if originalLen <= 0 || originalLen > int64(fragSize)*int64(dataCount) {
		return nil, fmt.Errorf("original length %d out of range for %d fragments of %d bytes",
			originalLen, dataCount, fragSize)
	}

	allData := true
	for j := 0; j < dataCount; j++ {
		if fragments[j] == nil {
			allData = false
			break
		}
	}
	if allData {
		return joinData(fragments, dataCount, originalLen), nil
	}

	enc, err := reedsolomon.New(dataCount, parityCount)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon init (%d+%d shards): %w", dataCount, parityCount, err)
	}

	shards := make([][]byte, len(fragments))
	for i, f := range fragments {
		if f != nil {
			shards[i] = append([]byte(nil), f...)
		}
	}
	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("reed-solomon reconstruct: %v: %w", err, ErrInsufficientFragments)
	}
	return joinData(shards, dataCount, originalLen), nil
}
