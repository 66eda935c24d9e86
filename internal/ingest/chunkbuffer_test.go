package ingest

import (
	"bytes"
	"testing"
	"time"
)

func TestChunkBufferAssembly(t *testing.T) {
	reg := NewBufferRegistry()
	buf := reg.GetOrCreate("B8F862F9CFB8", "img_001.jpg")
	buf.SetTotal(3)

	buf.AddFragment(1, []byte("bbb"))
	buf.AddFragment(0, []byte("aaa"))

	if buf.Complete() {
		t.Fatal("buffer complete with a fragment missing")
	}
	if got := buf.MissingIndices(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("MissingIndices = %v, want [2]", got)
	}

	buf.AddFragment(2, []byte("cc"))
	if !buf.Complete() {
		t.Fatal("buffer not complete with all fragments present")
	}

	data, err := buf.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("aaabbbcc")) {
		t.Errorf("assembled = %q", data)
	}
}

func TestChunkBufferDuplicateFragment(t *testing.T) {
	reg := NewBufferRegistry()
	buf := reg.GetOrCreate("B8F862F9CFB8", "img_001.jpg")
	buf.SetTotal(2)

	added, received := buf.AddFragment(0, []byte("x"))
	if !added || received != 1 {
		t.Fatalf("first add: added=%v received=%d", added, received)
	}

	// Redelivery of the same index must not count twice
	added, received = buf.AddFragment(0, []byte("x"))
	if added || received != 1 {
		t.Fatalf("duplicate add: added=%v received=%d", added, received)
	}
}

func TestChunkBufferUnknownTotal(t *testing.T) {
	buf := NewBufferRegistry().GetOrCreate("B8F862F9CFB8", "img_002.jpg")

	// Chunk-first arrival: total unknown until metadata lands
	buf.AddFragment(0, []byte("a"))
	if buf.Complete() {
		t.Error("buffer with unknown total can never be complete")
	}
	if got := buf.MissingIndices(); got != nil {
		t.Errorf("MissingIndices with unknown total = %v, want nil", got)
	}
	if _, err := buf.Assemble(); err == nil {
		t.Error("Assemble with unknown total should fail")
	}
}

func TestChunkBufferRejectsOutOfRangeIndex(t *testing.T) {
	buf := NewBufferRegistry().GetOrCreate("B8F862F9CFB8", "img_003.jpg")
	buf.SetTotal(2)

	if added, received := buf.AddFragment(-1, []byte("x")); added || received != 0 {
		t.Fatalf("negative index: added=%v received=%d", added, received)
	}
	if added, received := buf.AddFragment(7, []byte("x")); added || received != 0 {
		t.Fatalf("index past total: added=%v received=%d", added, received)
	}

	// A stray index must never stand in for the missing fragment
	buf.AddFragment(0, []byte("a"))
	if buf.Complete() {
		t.Error("buffer complete with fragment 1 missing")
	}
}

func TestChunkBufferStrayIndexBeforeTotal(t *testing.T) {
	buf := NewBufferRegistry().GetOrCreate("B8F862F9CFB8", "img_004.jpg")

	// Chunk-first arrival with a bogus high index, then the real one
	buf.AddFragment(5, []byte("zzz"))
	buf.AddFragment(0, []byte("a"))
	buf.SetTotal(2)

	if buf.Complete() {
		t.Fatal("stray fragment above total masked a real gap")
	}
	if got := buf.MissingIndices(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("MissingIndices = %v, want [1]", got)
	}

	buf.AddFragment(1, []byte("b"))
	if !buf.Complete() {
		t.Fatal("buffer not complete with fragments 0 and 1 present")
	}
}

func TestRegistrySweep(t *testing.T) {
	reg := NewBufferRegistry()
	stale := reg.GetOrCreate("B8F862F9CFB8", "img_old.jpg")
	stale.AddFragment(0, []byte("a"))

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()

	fresh := reg.GetOrCreate("B8F862F9CFB8", "img_new.jpg")
	fresh.AddFragment(0, []byte("b"))

	if dropped := reg.Sweep(cutoff); dropped != 1 {
		t.Fatalf("Sweep dropped %d buffers, want 1", dropped)
	}
	if _, ok := reg.Get("B8F862F9CFB8", "img_old.jpg"); ok {
		t.Error("stale buffer survived sweep")
	}
	if _, ok := reg.Get("B8F862F9CFB8", "img_new.jpg"); !ok {
		t.Error("fresh buffer dropped by sweep")
	}
}

func TestRegistryIsolatesDevices(t *testing.T) {
	reg := NewBufferRegistry()
	a := reg.GetOrCreate("B8F862F9CFB8", "img_001.jpg")
	b := reg.GetOrCreate("A0B1C2D3E4F5", "img_001.jpg")

	if a == b {
		t.Fatal("same image name on different devices shares a buffer")
	}
}
