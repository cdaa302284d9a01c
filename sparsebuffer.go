package main

import "sort"

// MemBlock is a contiguous run of bytes at a target address. Blocks
// handed to SparseBuffer.Set are copied; the buffer exclusively owns
// the storage backing every block it holds.
type MemBlock struct {
	Offset uint64
	Data   []byte
}

func (b MemBlock) end() uint64 { return b.Offset + uint64(len(b.Data)) }

// SparseBuffer is an ordered collection of non-overlapping,
// non-adjacent memory blocks keyed by offset, with a streaming read
// cursor. A sorted slice with binary-search insertion is used here in
// place of the original's skip list.
type SparseBuffer struct {
	blocks []MemBlock // sorted by Offset, strictly non-overlapping/non-adjacent

	cursorSet   bool
	cursorBlock int    // index into blocks
	cursorPos   uint64 // absolute address of the next byte to read
}

// NewSparseBuffer returns an empty buffer. The read cursor is
// undefined until the first Read or Rewind call.
func NewSparseBuffer() *SparseBuffer {
	return &SparseBuffer{}
}

// Size returns the total byte count stored, excluding gaps.
func (s *SparseBuffer) Size() uint64 {
	var total uint64
	for _, b := range s.blocks {
		total += uint64(len(b.Data))
	}
	return total
}

// Rewind repositions the read cursor at the first block's start.
func (s *SparseBuffer) Rewind() {
	if len(s.blocks) == 0 {
		s.cursorSet = false
		return
	}
	s.cursorSet = true
	s.cursorBlock = 0
	s.cursorPos = s.blocks[0].Offset
}

// Set inserts block, overwriting any existing data it overlaps and
// coalescing with any block it touches (overlapping or exactly
// adjacent - end_a == offset_b counts as touching). Inserted data
// always wins over previously stored bytes at the same address; bytes
// from an existing block that extend beyond the inserted range are
// preserved.
func (s *SparseBuffer) Set(block MemBlock) {
	if len(block.Data) == 0 {
		return
	}
	data := make([]byte, len(block.Data))
	copy(data, block.Data)
	block = MemBlock{Offset: block.Offset, Data: data}

	lo, hi := s.touchingRange(block.Offset, block.end())

	// Remember the cursor's absolute address (if any) so it can be
	// re-anchored after the slice is spliced.
	var cursorAddr uint64
	hadCursor := s.cursorSet
	if hadCursor {
		cursorAddr = s.cursorPos
	}

	merged := s.merge(block, s.blocks[lo:hi])

	newBlocks := make([]MemBlock, 0, len(s.blocks)-(hi-lo)+1)
	newBlocks = append(newBlocks, s.blocks[:lo]...)
	newBlocks = append(newBlocks, merged)
	newBlocks = append(newBlocks, s.blocks[hi:]...)
	s.blocks = newBlocks

	if hadCursor {
		s.reanchorCursor(cursorAddr)
	}
}

// touchingRange returns the half-open index range [lo, hi) of blocks
// that overlap or are adjacent to [start, end).
func (s *SparseBuffer) touchingRange(start, end uint64) (lo, hi int) {
	lo = sort.Search(len(s.blocks), func(i int) bool {
		return s.blocks[i].end() >= start
	})
	hi = lo
	for hi < len(s.blocks) && s.blocks[hi].Offset <= end {
		hi++
	}
	return lo, hi
}

// merge builds the union block for an inserted range against the
// existing blocks it touches: the inserted bytes win at every address
// they cover, and bytes from existing blocks outside that range (but
// within the union) are preserved.
func (s *SparseBuffer) merge(inserted MemBlock, existing []MemBlock) MemBlock {
	unionStart := inserted.Offset
	unionEnd := inserted.end()
	for _, b := range existing {
		if b.Offset < unionStart {
			unionStart = b.Offset
		}
		if b.end() > unionEnd {
			unionEnd = b.end()
		}
	}

	out := make([]byte, unionEnd-unionStart)
	for _, b := range existing {
		copy(out[b.Offset-unionStart:], b.Data)
	}
	copy(out[inserted.Offset-unionStart:], inserted.Data)

	return MemBlock{Offset: unionStart, Data: out}
}

// reanchorCursor repositions the cursor in the first block that ends at
// or after addr: at addr itself if that block contains it (or ends
// exactly there), at the block's start if addr falls in the gap before
// it, and at the end of the last block if addr lies past every block.
// An empty buffer leaves the cursor unset.
func (s *SparseBuffer) reanchorCursor(addr uint64) {
	if len(s.blocks) == 0 {
		s.cursorSet = false
		return
	}
	idx := sort.Search(len(s.blocks), func(i int) bool {
		return s.blocks[i].end() >= addr
	})
	if idx >= len(s.blocks) {
		idx = len(s.blocks) - 1
		s.cursorBlock = idx
		s.cursorPos = s.blocks[idx].end()
		return
	}
	s.cursorBlock = idx
	if addr < s.blocks[idx].Offset {
		s.cursorPos = s.blocks[idx].Offset
	} else {
		s.cursorPos = addr
	}
}

// Shift adds delta (which may be negative) to the address of every
// stored block and to the cursor. Underflowing a block's offset is a
// programmer error and panics.
func (s *SparseBuffer) Shift(delta int64) {
	for i := range s.blocks {
		off := int64(s.blocks[i].Offset) + delta
		if off < 0 {
			panic("sparsebuffer: Shift underflows a block offset")
		}
		s.blocks[i].Offset = uint64(off)
	}
	if s.cursorSet {
		pos := int64(s.cursorPos) + delta
		if pos < 0 {
			panic("sparsebuffer: Shift underflows the cursor")
		}
		s.cursorPos = uint64(pos)
	}
}

// Read returns the next contiguous slice from the cursor, of length at
// most maxLen bytes (or the whole remainder of the current block if
// maxLen is 0), and advances the cursor. Returns an empty block once
// the buffer is exhausted.
func (s *SparseBuffer) Read(maxLen uint64) MemBlock {
	if !s.cursorSet {
		s.Rewind()
		if !s.cursorSet {
			return MemBlock{}
		}
	}
	if s.cursorBlock >= len(s.blocks) {
		return MemBlock{}
	}

	block := s.blocks[s.cursorBlock]
	if s.cursorPos >= block.end() {
		s.cursorBlock++
		if s.cursorBlock < len(s.blocks) {
			s.cursorPos = s.blocks[s.cursorBlock].Offset
		}
		return s.Read(maxLen)
	}

	avail := block.end() - s.cursorPos
	n := avail
	if maxLen != 0 && maxLen < n {
		n = maxLen
	}

	start := s.cursorPos - block.Offset
	data := block.Data[start : start+n]

	out := MemBlock{Offset: s.cursorPos, Data: data}
	s.cursorPos += n
	if s.cursorPos >= block.end() {
		s.cursorBlock++
		if s.cursorBlock < len(s.blocks) {
			s.cursorPos = s.blocks[s.cursorBlock].Offset
		}
	}
	return out
}
