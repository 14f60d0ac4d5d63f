package archive

import "fmt"

// Inflate decompresses a raw RFC 1951 DEFLATE stream into a buffer of
// exactly expectedSize bytes, implementing the "stored, fixed-Huffman,
// and dynamic-Huffman blocks" described in spec.md §4.5.
//
// The Huffman code tables use the same two-level scheme the spec calls
// out: a primary direct-lookup table covering codes up to quickBits wide,
// with longer codes redirected through a secondary table: each primary
// entry holds either a short code's (symbol, length) pair or, for a long
// prefix, the index of that prefix's secondary table.
func Inflate(compressed []byte, expectedSize int) ([]byte, error) {
	br := newBitReader(compressed)
	out := make([]byte, 0, expectedSize)

	for {
		final, err := br.bits(1)
		if err != nil {
			return nil, err
		}
		btype, err := br.bits(2)
		if err != nil {
			return nil, err
		}
		switch btype {
		case 0: // stored
			out, err = inflateStored(br, out)
		case 1: // fixed Huffman
			out, err = inflateBlock(br, out, fixedLitTable(), fixedDistTable())
		case 2: // dynamic Huffman
			litTab, distTab, derr := readDynamicTables(br)
			if derr != nil {
				return nil, derr
			}
			out, err = inflateBlock(br, out, litTab, distTab)
		default:
			return nil, fmt.Errorf("archive: invalid DEFLATE block type 3")
		}
		if err != nil {
			return nil, err
		}
		if final == 1 {
			break
		}
	}
	if len(out) != expectedSize {
		return nil, fmt.Errorf("archive: inflated %d bytes, expected %d", len(out), expectedSize)
	}
	return out, nil
}

// --- bit reader -------------------------------------------------------

// bitReader reads DEFLATE's LSB-first bit stream. It never reads past
// len(data): fill stops at the end of the slice and bits reports an
// unexpected end of stream instead, so callers of Inflate need not supply
// any trailing padding after the compressed block.
type bitReader struct {
	data []byte
	pos  int // byte position
	buf  uint32
	n    uint // valid bits in buf
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) fill() {
	for r.n <= 24 && r.pos < len(r.data) {
		r.buf |= uint32(r.data[r.pos]) << r.n
		r.pos++
		r.n += 8
	}
}

func (r *bitReader) bits(count uint) (uint32, error) {
	if count == 0 {
		return 0, nil
	}
	r.fill()
	if r.n < count {
		return 0, fmt.Errorf("archive: unexpected end of DEFLATE stream")
	}
	v := r.buf & ((1 << count) - 1)
	r.buf >>= count
	r.n -= count
	return v, nil
}

// alignToByte discards any partial byte in the bit buffer, used before a
// stored block's length header.
func (r *bitReader) alignToByte() {
	drop := r.n % 8
	r.buf >>= drop
	r.n -= drop
}

func (r *bitReader) readByte() (byte, error) {
	if r.n >= 8 {
		b := byte(r.buf)
		r.buf >>= 8
		r.n -= 8
		return b, nil
	}
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("archive: unexpected end of DEFLATE stream")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// --- Huffman tables -----------------------------------------------------

const maxHuffBits = 15

// quickBits is the width of the primary direct-lookup table, matching the
// spec's terminology. 9 bits covers the overwhelming majority of
// practical DEFLATE codes in one lookup.
const quickBits = 9

// huffEntry packs either a resolved (symbol,length) pair or, for a code
// longer than quickBits, a redirect into a secondary table.
type huffEntry struct {
	symbol int
	length uint8 // 0 means "redirect"; symbol then holds the secondary-table index
}

type huffTable struct {
	primary    [1 << quickBits]huffEntry
	secondary  [][]huffEntry // one slice per distinct long-code prefix
	secIndex   map[uint32]int
	maxBits    uint
}

// buildHuffTable constructs a canonical Huffman decode table from a list
// of code lengths (0 meaning "symbol unused"), the standard DEFLATE
// construction (RFC 1951 §3.2.2) feeding the two-level lookup scheme.
func buildHuffTable(lengths []int) (*huffTable, error) {
	var blCount [maxHuffBits + 1]int
	maxBits := 0
	for _, l := range lengths {
		if l > 0 {
			blCount[l]++
			if l > maxBits {
				maxBits = l
			}
		}
	}
	if maxBits == 0 {
		return &huffTable{maxBits: 0}, nil
	}
	if maxBits > maxHuffBits {
		return nil, fmt.Errorf("archive: Huffman code too long (%d bits)", maxBits)
	}
	var nextCode [maxHuffBits + 2]int
	code := 0
	for bits := 1; bits <= maxBits; bits++ {
		code = (code + blCount[bits-1]) << 1
		nextCode[bits] = code
	}

	t := &huffTable{secIndex: make(map[uint32]int), maxBits: uint(maxBits)}
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		c := nextCode[l]
		nextCode[l]++
		// DEFLATE codes are stored MSB-first but consumed LSB-first;
		// reverse the bits of c within l bits before indexing.
		rev := reverseBits(uint32(c), l)
		if l <= quickBits {
			step := uint32(1) << uint(l)
			for idx := rev; idx < (1 << quickBits); idx += step {
				t.primary[idx] = huffEntry{symbol: sym, length: uint8(l)}
			}
		} else {
			prefix := rev & ((1 << quickBits) - 1)
			secBits := l - quickBits
			si, ok := t.secIndex[uint32(prefix)]
			if !ok {
				si = len(t.secondary)
				t.secondary = append(t.secondary, make([]huffEntry, 1<<uint(maxBits-quickBits)))
				t.secIndex[uint32(prefix)] = si
				// Mark the primary slot as a redirect: length 0,
				// symbol carries the secondary-table index.
				t.primary[prefix] = huffEntry{symbol: si, length: 0}
			}
			suffix := rev >> quickBits
			step := uint32(1) << uint(secBits)
			for idx := suffix; idx < uint32(len(t.secondary[si])); idx += step {
				t.secondary[si][idx] = huffEntry{symbol: sym, length: uint8(secBits)}
			}
		}
	}
	return t, nil
}

func reverseBits(v uint32, width int) uint32 {
	var r uint32
	for i := 0; i < width; i++ {
		r = (r << 1) | (v & 1)
		v >>= 1
	}
	return r
}

// decode reads one symbol from br using t, the primary-table lookup with
// a secondary-table fallback described in spec.md §4.5.
func (t *huffTable) decode(br *bitReader) (int, error) {
	if t.maxBits == 0 {
		return 0, fmt.Errorf("archive: Huffman decode against an empty table")
	}
	br.fill()
	// Near the stream's end fewer than quickBits bits may be buffered; the
	// missing high bits of the peek read as zero, and bits() below reports
	// the end of stream if the matched code is longer than what is left.
	peek := br.buf & ((1 << quickBits) - 1)
	e := t.primary[peek]
	if e.length > 0 {
		if _, err := br.bits(uint(e.length)); err != nil {
			return 0, err
		}
		return e.symbol, nil
	}
	if e.length == 0 && len(t.secondary) == 0 {
		return 0, fmt.Errorf("archive: invalid Huffman code")
	}
	if _, err := br.bits(quickBits); err != nil {
		return 0, err
	}
	sec := t.secondary[e.symbol]
	br.fill()
	se := sec[br.buf&uint32(len(sec)-1)]
	if se.length == 0 {
		return 0, fmt.Errorf("archive: invalid Huffman code")
	}
	if _, err := br.bits(uint(se.length)); err != nil {
		return 0, err
	}
	return se.symbol, nil
}

// --- block decoding -----------------------------------------------------

func inflateStored(br *bitReader, out []byte) ([]byte, error) {
	br.alignToByte()
	lenLo, err := br.readByte()
	if err != nil {
		return nil, err
	}
	lenHi, err := br.readByte()
	if err != nil {
		return nil, err
	}
	nlenLo, err := br.readByte()
	if err != nil {
		return nil, err
	}
	nlenHi, err := br.readByte()
	if err != nil {
		return nil, err
	}
	length := int(lenLo) | int(lenHi)<<8
	nlength := int(nlenLo) | int(nlenHi)<<8
	if length^nlength != 0xFFFF {
		return nil, fmt.Errorf("archive: stored block length check failed")
	}
	for i := 0; i < length; i++ {
		b, err := br.readByte()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

var lengthBase = [29]int{3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31, 35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258}
var lengthExtra = [29]int{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0}
var distBase = [30]int{1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193, 257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577}
var distExtra = [30]int{0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13}

func inflateBlock(br *bitReader, out []byte, litTab, distTab *huffTable) ([]byte, error) {
	for {
		sym, err := litTab.decode(br)
		if err != nil {
			return nil, err
		}
		switch {
		case sym < 256:
			out = append(out, byte(sym))
		case sym == 256:
			return out, nil
		default:
			idx := sym - 257
			if idx >= len(lengthBase) {
				return nil, fmt.Errorf("archive: invalid length symbol %d", sym)
			}
			extra, err := br.bits(uint(lengthExtra[idx]))
			if err != nil {
				return nil, err
			}
			length := lengthBase[idx] + int(extra)

			distSym, err := distTab.decode(br)
			if err != nil {
				return nil, err
			}
			if distSym >= len(distBase) {
				return nil, fmt.Errorf("archive: invalid distance symbol %d", distSym)
			}
			dextra, err := br.bits(uint(distExtra[distSym]))
			if err != nil {
				return nil, err
			}
			dist := distBase[distSym] + int(dextra)
			if dist > len(out) {
				return nil, fmt.Errorf("archive: back-reference distance %d exceeds output so far (%d)", dist, len(out))
			}
			start := len(out) - dist
			for i := 0; i < length; i++ {
				out = append(out, out[start+i])
			}
		}
	}
}

func fixedLitTable() *huffTable {
	lengths := make([]int, 288)
	for i := 0; i <= 143; i++ {
		lengths[i] = 8
	}
	for i := 144; i <= 255; i++ {
		lengths[i] = 9
	}
	for i := 256; i <= 279; i++ {
		lengths[i] = 7
	}
	for i := 280; i <= 287; i++ {
		lengths[i] = 8
	}
	t, _ := buildHuffTable(lengths)
	return t
}

func fixedDistTable() *huffTable {
	lengths := make([]int, 30)
	for i := range lengths {
		lengths[i] = 5
	}
	t, _ := buildHuffTable(lengths)
	return t
}

// codeLengthOrder is the permutation RFC 1951 §3.2.7 applies to the
// code-length alphabet before transmitting HCLEN entries.
var codeLengthOrder = [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

func readDynamicTables(br *bitReader) (*huffTable, *huffTable, error) {
	hlit, err := br.bits(5)
	if err != nil {
		return nil, nil, err
	}
	hdist, err := br.bits(5)
	if err != nil {
		return nil, nil, err
	}
	hclen, err := br.bits(4)
	if err != nil {
		return nil, nil, err
	}
	nlit := int(hlit) + 257
	ndist := int(hdist) + 1
	nclen := int(hclen) + 4

	clLengths := make([]int, 19)
	for i := 0; i < nclen; i++ {
		v, err := br.bits(3)
		if err != nil {
			return nil, nil, err
		}
		clLengths[codeLengthOrder[i]] = int(v)
	}
	clTable, err := buildHuffTable(clLengths)
	if err != nil {
		return nil, nil, err
	}

	allLengths := make([]int, nlit+ndist)
	i := 0
	for i < len(allLengths) {
		sym, err := clTable.decode(br)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case sym < 16:
			allLengths[i] = sym
			i++
		case sym == 16:
			if i == 0 {
				return nil, nil, fmt.Errorf("archive: repeat code with no previous length")
			}
			rep, err := br.bits(2)
			if err != nil {
				return nil, nil, err
			}
			prev := allLengths[i-1]
			for n := 0; n < int(rep)+3 && i < len(allLengths); n++ {
				allLengths[i] = prev
				i++
			}
		case sym == 17:
			rep, err := br.bits(3)
			if err != nil {
				return nil, nil, err
			}
			for n := 0; n < int(rep)+3 && i < len(allLengths); n++ {
				allLengths[i] = 0
				i++
			}
		case sym == 18:
			rep, err := br.bits(7)
			if err != nil {
				return nil, nil, err
			}
			for n := 0; n < int(rep)+11 && i < len(allLengths); n++ {
				allLengths[i] = 0
				i++
			}
		default:
			return nil, nil, fmt.Errorf("archive: invalid code-length symbol %d", sym)
		}
	}

	litTab, err := buildHuffTable(allLengths[:nlit])
	if err != nil {
		return nil, nil, err
	}
	distTab, err := buildHuffTable(allLengths[nlit:])
	if err != nil {
		return nil, nil, err
	}
	return litTab, distTab, nil
}
