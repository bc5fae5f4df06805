package core

import (
	"bytes"
	"errors"
	"testing"
)

func TestBuildDescriptorAndAssemble(t *testing.T) {
	cs := tmpStore(t, 8<<20)
	content := make([]byte, 10_000)
	for i := range content {
		content[i] = byte(i % 251)
	}

	d, err := BuildDescriptor(cs, content, 1024, RedundancyPolicy{Copies: 2})
	if err != nil {
		t.Fatalf("BuildDescriptor: %v", err)
	}
	if len(d.Chunks) != 10 { // 9 full chunks + a short tail
		t.Fatalf("chunk count %d, want 10", len(d.Chunks))
	}
	if d.TotalSize != 10_000 {
		t.Fatalf("total size %d", d.TotalSize)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	out, err := AssembleContent(cs, &d)
	if err != nil {
		t.Fatalf("AssembleContent: %v", err)
	}
	if !bytes.Equal(out, content) {
		t.Fatal("assembled content differs")
	}
}

func TestDescriptorRootRecomputable(t *testing.T) {
	cs := tmpStore(t, 8<<20)
	d, err := BuildDescriptor(cs, []byte("abcdefghij"), 4, RedundancyPolicy{Copies: 1})
	if err != nil {
		t.Fatal(err)
	}
	if DescriptorRoot(d.Chunks) != d.Root {
		t.Fatal("root not recomputable from chunk list")
	}

	tampered := d
	tampered.Chunks = append([]Hash(nil), d.Chunks...)
	tampered.Chunks[0], tampered.Chunks[1] = tampered.Chunks[1], tampered.Chunks[0]
	if err := tampered.Validate(); !errors.Is(err, ErrRootMismatch) {
		t.Fatalf("want ErrRootMismatch for reordered chunks, got %v", err)
	}
}

func TestDescriptorPolicyBounds(t *testing.T) {
	cs := tmpStore(t, 1<<20)
	if _, err := BuildDescriptor(cs, []byte("x"), 4, RedundancyPolicy{Copies: 0}); !errors.Is(err, ErrBadPolicy) {
		t.Fatalf("want ErrBadPolicy, got %v", err)
	}
}

func TestMissingChunksDrivesResume(t *testing.T) {
	cs := tmpStore(t, 8<<20)
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i % 239)
	}
	d, err := BuildDescriptor(cs, content, 1024, RedundancyPolicy{Copies: 1})
	if err != nil {
		t.Fatal(err)
	}
	if missing := MissingChunks(cs, &d); missing != nil {
		t.Fatalf("fresh build should be complete, missing %d", len(missing))
	}
	cs.Drop(d.Chunks[2])
	missing := MissingChunks(cs, &d)
	if len(missing) != 1 || missing[0] != d.Chunks[2] {
		t.Fatalf("missing %v", missing)
	}
}
