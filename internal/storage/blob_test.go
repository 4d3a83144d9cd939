package storage

import (
	"context"
	"strings"
	"testing"

	"gocloud.dev/blob/memblob"
)

func TestBlobStoreAssetLifecycle(t *testing.T) {
	store := NewBlobStore(memblob.OpenBucket(nil), "mem://", "assets/")
	defer store.Close()
	exerciseAssetStore(t, store)
}

func TestBlobStoreSignatureAndURI(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	store := NewBlobStore(bucket, "mem://bucket", "")
	defer store.Close()

	ref := Ref{Kind: KindFunction, Code: "fn"}
	if err := Put(ctx, store, ref, strings.NewReader("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := bucket.WriteAll(ctx, ref.SignatureKey(""), []byte(" sig \n"), nil); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	sig, err := store.Signature(ctx, ref)
	if err != nil {
		t.Fatalf("Signature failed: %v", err)
	}
	if sig != "sig" {
		t.Errorf("expected trimmed signature, got %q", sig)
	}
	if got := store.URI(ref); got != "mem://bucket/function/fn" {
		t.Errorf("unexpected URI %q", got)
	}
}

func TestOpenBlobStoreFromURL(t *testing.T) {
	store, err := NewAssetStore(StorageConfig{Backend: "blob", BlobURL: "mem://"})
	if err != nil {
		t.Fatalf("NewAssetStore failed: %v", err)
	}
	defer store.Close()
	exerciseAssetStore(t, store)
}
