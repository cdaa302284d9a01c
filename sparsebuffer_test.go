package main

import (
	"bytes"
	"testing"
)

func readAll(t *testing.T, s *SparseBuffer) []MemBlock {
	t.Helper()
	s.Rewind()
	var out []MemBlock
	for {
		b := s.Read(0)
		if len(b.Data) == 0 {
			break
		}
		out = append(out, b)
	}
	return out
}

func TestSparseBufferScenario1(t *testing.T) {
	s := NewSparseBuffer()
	s.Set(MemBlock{Offset: 0, Data: []byte{0x01, 0x02, 0x03, 0x04}})
	s.Set(MemBlock{Offset: 4, Data: []byte{0x05, 0x06}})

	blocks := readAll(t, s)
	if len(blocks) != 1 {
		t.Fatalf("expected one coalesced block, got %d", len(blocks))
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if blocks[0].Offset != 0 || !bytes.Equal(blocks[0].Data, want) {
		t.Fatalf("got %+v, want offset=0 data=% x", blocks[0], want)
	}
}

func TestSparseBufferScenario2(t *testing.T) {
	s := NewSparseBuffer()
	s.Set(MemBlock{Offset: 10, Data: []byte{0xAA, 0xAA}})
	s.Set(MemBlock{Offset: 0, Data: []byte{0x01, 0x02}})
	s.Set(MemBlock{Offset: 2, Data: []byte{0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A}})

	blocks := readAll(t, s)
	if len(blocks) != 1 {
		t.Fatalf("expected one coalesced block, got %d: %+v", len(blocks), blocks)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0xAA, 0xAA}
	if blocks[0].Offset != 0 || !bytes.Equal(blocks[0].Data, want) {
		t.Fatalf("got %+v, want offset=0 data=% x", blocks[0], want)
	}
}

func TestSparseBufferShift(t *testing.T) {
	s := NewSparseBuffer()
	s.Set(MemBlock{Offset: 0, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}})
	s.Shift(0x08000000)

	blocks := readAll(t, s)
	if len(blocks) != 1 || blocks[0].Offset != 0x08000000 {
		t.Fatalf("got %+v, want single block at 0x08000000", blocks)
	}
}

func TestSparseBufferLastWriteWins(t *testing.T) {
	s := NewSparseBuffer()
	s.Set(MemBlock{Offset: 0, Data: []byte{0x01, 0x02, 0x03, 0x04}})
	s.Set(MemBlock{Offset: 2, Data: []byte{0xFF, 0xFF}})

	blocks := readAll(t, s)
	want := []byte{0x01, 0x02, 0xFF, 0xFF}
	if len(blocks) != 1 || !bytes.Equal(blocks[0].Data, want) {
		t.Fatalf("got %+v, want % x", blocks, want)
	}
}

func TestSparseBufferNoOverlapNoAdjacency(t *testing.T) {
	s := NewSparseBuffer()
	s.Set(MemBlock{Offset: 100, Data: []byte{1, 2, 3}})
	s.Set(MemBlock{Offset: 0, Data: []byte{4, 5, 6}})
	s.Set(MemBlock{Offset: 50, Data: []byte{7, 8}})

	if len(s.blocks) != 3 {
		t.Fatalf("expected three disjoint blocks, got %d: %+v", len(s.blocks), s.blocks)
	}
	for i := 0; i < len(s.blocks)-1; i++ {
		a, b := s.blocks[i], s.blocks[i+1]
		if a.end() >= b.Offset {
			t.Fatalf("blocks %d and %d are overlapping or adjacent: %+v %+v", i, i+1, a, b)
		}
		if a.Offset >= b.Offset {
			t.Fatalf("blocks out of order: %+v then %+v", a, b)
		}
	}
}

func TestSparseBufferSize(t *testing.T) {
	s := NewSparseBuffer()
	s.Set(MemBlock{Offset: 0, Data: []byte{1, 2, 3}})
	s.Set(MemBlock{Offset: 10, Data: []byte{4, 5}})
	if got, want := s.Size(), uint64(5); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
}

func TestSparseBufferReadChunking(t *testing.T) {
	s := NewSparseBuffer()
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	s.Set(MemBlock{Offset: 0, Data: data})
	s.Rewind()

	var got []byte
	for {
		b := s.Read(4)
		if len(b.Data) == 0 {
			break
		}
		got = append(got, b.Data...)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("chunked read = % x, want % x", got, data)
	}
}

func TestSparseBufferEmptyBlockIgnored(t *testing.T) {
	s := NewSparseBuffer()
	s.Set(MemBlock{Offset: 5, Data: nil})
	if len(s.blocks) != 0 {
		t.Fatalf("expected empty Set to be a no-op, got %+v", s.blocks)
	}
}

func TestSparseBufferCursorFollowsMergeMidWalk(t *testing.T) {
	s := NewSparseBuffer()
	s.Set(MemBlock{Offset: 0, Data: []byte{1, 2, 3, 4}})
	s.Rewind()
	first := s.Read(2) // cursor now at absolute address 2
	if !bytes.Equal(first.Data, []byte{1, 2}) {
		t.Fatalf("unexpected first chunk %+v", first)
	}

	// Extend the block to the right; the cursor (at address 2) should
	// still be mid-block afterward and should read the original tail
	// followed by the newly appended bytes.
	s.Set(MemBlock{Offset: 4, Data: []byte{5, 6}})

	rest := s.Read(0)
	want := []byte{3, 4, 5, 6}
	if !bytes.Equal(rest.Data, want) {
		t.Fatalf("cursor did not follow merge: got % x want % x", rest.Data, want)
	}
}
