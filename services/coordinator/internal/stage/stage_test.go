package stage

import (
	"bytes"
	"fmt"
	"testing"
)

func TestDiskStageRoundTrip(t *testing.T) {
	s, err := NewDiskStage(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStage failed: %v", err)
	}

	data := []byte("encrypted fragment bytes")
	if err := s.Put("frag-1", data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := s.Get("frag-1")
	if !ok {
		t.Fatal("Staged fragment not found")
	}
	if !bytes.Equal(got, data) {
		t.Error("Staged bytes do not match")
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 staged fragment, got %d", s.Len())
	}

	if err := s.Delete("frag-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := s.Get("frag-1"); ok {
		t.Error("Fragment should be gone after delete")
	}
	if err := s.Delete("frag-1"); err != nil {
		t.Errorf("Deleting absent fragment should not error, got %v", err)
	}
}

func TestMemoryStageRoundTrip(t *testing.T) {
	s, err := NewMemoryStage(10)
	if err != nil {
		t.Fatalf("NewMemoryStage failed: %v", err)
	}

	data := []byte{1, 2, 3}
	s.Put("frag-1", data)

	got, ok := s.Get("frag-1")
	if !ok {
		t.Fatal("Staged fragment not found")
	}
	got[0] = 99
	again, _ := s.Get("frag-1")
	if again[0] != 1 {
		t.Error("Get should return a copy")
	}

	s.Delete("frag-1")
	if _, ok := s.Get("frag-1"); ok {
		t.Error("Fragment should be gone after delete")
	}
}

func TestMemoryStageBound(t *testing.T) {
	s, err := NewMemoryStage(3)
	if err != nil {
		t.Fatalf("NewMemoryStage failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		s.Put(fmt.Sprintf("frag-%d", i), []byte{byte(i)})
	}
	if s.Len() != 3 {
		t.Errorf("Expected bound of 3 entries, got %d", s.Len())
	}
	if _, ok := s.Get("frag-0"); ok {
		t.Error("Oldest entry should have been evicted")
	}
	if _, ok := s.Get("frag-4"); !ok {
		t.Error("Newest entry should survive")
	}
}
