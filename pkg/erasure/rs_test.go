package erasure

import (
	"bytes"
	"errors"
	"testing"
)

func TestRSRoundTripAllData(t *testing.T) {
	coder := &RSCoder{}
	for _, n := range []int{1, 50, 997, 8192} {
		data := testData(n)
		frags, err := coder.Encode(data, 4, 2)
		if err != nil {
			t.Fatalf("Encode(%d bytes) failed: %v", n, err)
		}
		if len(frags) != 6 {
			t.Fatalf("Expected 6 fragments, got %d", len(frags))
		}
		got, err := coder.Decode(frags, 4, 2, int64(n))
		if err != nil {
			t.Fatalf("Decode(%d bytes) failed: %v", n, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Round trip mismatch at %d bytes", n)
		}
	}
}

func TestRSReconstructsAnyLossPattern(t *testing.T) {
	// Reed-Solomon is MDS: any dataCount survivors suffice, including the
	// patterns the XOR scheme cannot solve
	coder := &RSCoder{}
	data := testData(1201)
	frags, err := coder.Encode(data, 4, 2)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for i := 0; i < len(frags); i++ {
		for j := i + 1; j < len(frags); j++ {
			damaged := make([][]byte, len(frags))
			copy(damaged, frags)
			damaged[i], damaged[j] = nil, nil

			got, err := coder.Decode(damaged, 4, 2, int64(len(data)))
			if err != nil {
				t.Fatalf("Decode with fragments %d,%d missing failed: %v", i, j, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("Mismatch with fragments %d,%d missing", i, j)
			}
		}
	}
}

func TestRSTooFewFragments(t *testing.T) {
	coder := &RSCoder{}
	data := testData(600)
	frags, err := coder.Encode(data, 4, 2)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	damaged := make([][]byte, len(frags))
	copy(damaged, frags)
	damaged[0], damaged[1], damaged[2] = nil, nil, nil

	_, err = coder.Decode(damaged, 4, 2, int64(len(data)))
	if !errors.Is(err, ErrInsufficientFragments) {
		t.Errorf("Expected ErrInsufficientFragments, got %v", err)
	}
}

func TestRSRejectsOversizedShardCount(t *testing.T) {
	// GF(2^8) limits total shards to 256
	_, err := (&RSCoder{}).Encode(testData(1024), 200, 100)
	if err == nil {
		t.Error("Expected error for more than 256 shards")
	}
}

func TestRSMatchesXORFragmentSizing(t *testing.T) {
	data := testData(997)
	xorFrags, err := (&XORCoder{}).Encode(data, 4, 3)
	if err != nil {
		t.Fatalf("XOR encode failed: %v", err)
	}
	rsFrags, err := (&RSCoder{}).Encode(data, 4, 3)
	if err != nil {
		t.Fatalf("RS encode failed: %v", err)
	}
	if len(xorFrags) != len(rsFrags) {
		t.Fatalf("Fragment counts differ: xor=%d rs=%d", len(xorFrags), len(rsFrags))
	}
	for i := range xorFrags {
		if len(xorFrags[i]) != len(rsFrags[i]) {
			t.Errorf("Fragment %d sizes differ: xor=%d rs=%d", i, len(xorFrags[i]), len(rsFrags[i]))
		}
	}
	// both are systematic so the data fragments are identical
	for i := 0; i < 4; i++ {
		if !bytes.Equal(xorFrags[i], rsFrags[i]) {
			t.Errorf("Data fragment %d differs between schemes", i)
		}
	}
}
