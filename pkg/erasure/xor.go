package erasure

import "fmt"

// XORCoder implements the rotating-subset XOR parity scheme. Parity
// fragment i is the XOR of every data fragment j with (j+i) mod parityCount
// != 0, so consecutive parity fragments cover different rotating subsets of
// the data. With a single parity fragment the subset is empty and the
// parity bytes are all zero; reconstruction is then impossible and the
// scheme degrades to plain splitting.
type XORCoder struct{}

// Encode splits data into dataCount fragments and derives parityCount
// parity fragments. All returned fragments share one length; the final
// data fragment is zero-padded.
func (c *XORCoder) Encode(data []byte, dataCount, parityCount int) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot encode empty data")
	}
	if dataCount < 1 {
		return nil, fmt.Errorf("data count must be positive, got %d", dataCount)
	}
	if parityCount < 1 {
		return nil, fmt.Errorf("parity count must be positive, got %d", parityCount)
	}

	fragments, fragSize := splitData(data, dataCount)
	out := make([][]byte, 0, dataCount+parityCount)
	out = append(out, fragments...)

	for i := 0; i < parityCount; i++ {
		parity := make([]byte, fragSize)
		for j := 0; j < dataCount; j++ {
			if (j+i)%parityCount != 0 {
				xorInto(parity, fragments[j])
			}
		}
		out = append(out, parity)
	}
	return out, nil
}

// Decode rebuilds the original bytes. When every data fragment survives the
// result is their concatenation truncated to originalLen. Otherwise the
// surviving parity equations are solved over GF(2) for the missing data
// fragments; parity placement is not MDS, so even dataCount survivors can
// be unsolvable for some loss patterns.
func (c *XORCoder) Decode(fragments [][]byte, dataCount, parityCount int, originalLen int64) ([]byte, error) {
	fragSize, err := checkShape(fragments, dataCount, parityCount)
	if err != nil {
		return nil, err
	}
	if originalLen <= 0 || originalLen > int64(fragSize)*int64(dataCount) {
		return nil, fmt.Errorf("original length %d out of range for %d fragments of %d bytes",
			originalLen, dataCount, fragSize)
	}

	var missing []int
	for j := 0; j < dataCount; j++ {
		if fragments[j] == nil {
			missing = append(missing, j)
		}
	}
	if len(missing) == 0 {
		return joinData(fragments, dataCount, originalLen), nil
	}

	solved, err := solveParity(fragments, missing, dataCount, parityCount)
	if err != nil {
		return nil, err
	}

	full := make([][]byte, dataCount)
	for j := 0; j < dataCount; j++ {
		if fragments[j] != nil {
			full[j] = fragments[j]
		} else {
			full[j] = solved[j]
		}
	}
	return joinData(full, dataCount, originalLen), nil
}

type parityRow struct {
	coeff []bool
	rhs   []byte
}

// solveParity treats each surviving parity fragment as a GF(2) equation in
// the missing data fragments: surviving data terms fold into the right-hand
// side, leaving coefficients only on the unknowns. Gauss-Jordan elimination
// then isolates each unknown or proves the pattern unsolvable.
func solveParity(fragments [][]byte, missing []int, dataCount, parityCount int) (map[int][]byte, error) {
	col := make(map[int]int, len(missing))
	for c, j := range missing {
		col[j] = c
	}

	var rows []parityRow
	for i := 0; i < parityCount; i++ {
		p := fragments[dataCount+i]
		if p == nil {
			continue
		}
		row := parityRow{
			coeff: make([]bool, len(missing)),
			rhs:   append([]byte(nil), p...),
		}
		involved := false
		for j := 0; j < dataCount; j++ {
			if (j+i)%parityCount == 0 {
				continue
			}
			if c, ok := col[j]; ok {
				row.coeff[c] = true
				involved = true
			} else {
				xorInto(row.rhs, fragments[j])
			}
		}
		if involved {
			rows = append(rows, row)
		}
	}

	pivotOf := make([]int, len(missing))
	for c := range pivotOf {
		pivotOf[c] = -1
	}
	pivot := 0
	for c := 0; c < len(missing) && pivot < len(rows); c++ {
		sel := -1
		for r := pivot; r < len(rows); r++ {
			if rows[r].coeff[c] {
				sel = r
				break
			}
		}
		if sel == -1 {
			continue
		}
		rows[pivot], rows[sel] = rows[sel], rows[pivot]
		for r := range rows {
			if r != pivot && rows[r].coeff[c] {
				xorCoeff(rows[r].coeff, rows[pivot].coeff)
				xorInto(rows[r].rhs, rows[pivot].rhs)
			}
		}
		pivotOf[c] = pivot
		pivot++
	}

	solved := make(map[int][]byte, len(missing))
	for c, j := range missing {
		pr := pivotOf[c]
		if pr == -1 {
			return nil, fmt.Errorf("parity equations cannot recover data fragment %d: %w", j, ErrInsufficientFragments)
		}
		for c2, set := range rows[pr].coeff {
			if set && c2 != c {
				return nil, fmt.Errorf("parity equations cannot isolate data fragment %d: %w", j, ErrInsufficientFragments)
			}
		}
		solved[j] = rows[pr].rhs
	}
	return solved, nil
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

func xorCoeff(dst, src []bool) {
	for i := range dst {
		dst[i] = dst[i] != src[i]
	}
}
