package durable

import (
	"context"
	"path/filepath"
	"testing"
)

func TestFileObjectStorePutThenGetRoundTrips(t *testing.T) {
	store := NewFileObjectStore(filepath.Join(t.TempDir(), "outputs"))
	ctx := context.Background()

	ref, err := store.Put(ctx, "eval-1/stdout", []byte("hello world"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref == "" {
		t.Fatal("expected a non-empty reference")
	}

	got, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("unexpected content: %s", got)
	}
}

func TestFileObjectStoreCreatesRootOnDemand(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "outputs")
	store := NewFileObjectStore(root)

	if _, err := store.Put(context.Background(), "key", []byte("x")); err != nil {
		t.Fatalf("expected Put to create the missing root directory, got %v", err)
	}
}

func TestPreviewTruncatesLongData(t *testing.T) {
	data := []byte("0123456789")
	if got := Preview(data, 4); string(got) != "0123" {
		t.Fatalf("expected truncated preview, got %q", got)
	}
}

func TestPreviewLeavesShortDataUntouched(t *testing.T) {
	data := []byte("abc")
	if got := Preview(data, 10); string(got) != "abc" {
		t.Fatalf("expected data shorter than n to be returned unchanged, got %q", got)
	}
}
