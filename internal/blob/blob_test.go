package blob

import (
	"context"
	"testing"
)

func TestDocumentKey(t *testing.T) {
	got := DocumentKey("p1", "doc_1")
	if got != "projects/p1/documents/doc_1.md" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNewMinioRequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewMinio(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	if _, err := NewMinio(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestRemoveEmptyKeyIsNoop(t *testing.T) {
	m, err := NewMinio(Config{Endpoint: "localhost:9000", Bucket: "muse-documents"})
	if err != nil {
		t.Fatalf("NewMinio failed: %v", err)
	}
	if err := m.RemoveBlob(context.Background(), ""); err != nil {
		t.Fatalf("RemoveBlob failed: %v", err)
	}
}
