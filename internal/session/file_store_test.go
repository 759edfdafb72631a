package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	sess := &Session{
		Agent:      "hannah",
		Surface:    "twitter",
		Tokens:     map[string]string{"auth_token": "tok-1", "ct0": "csrf-1"},
		CapturedAt: time.Now().Truncate(time.Second),
		Live:       true,
	}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "hannah", "twitter")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Tokens["auth_token"] != "tok-1" || loaded.Tokens["ct0"] != "csrf-1" {
		t.Fatalf("unexpected tokens: %v", loaded.Tokens)
	}
	if !loaded.Live {
		t.Fatalf("expected live session")
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Load(context.Background(), "hannah", "twitter"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFileStoreDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	sess := &Session{Agent: "allisson", Surface: "linkedin", Tokens: map[string]string{"li_at": "x"}, CapturedAt: time.Now()}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Delete(ctx, "allisson", "linkedin"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Load(ctx, "allisson", "linkedin"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	// 重复删除不应报错
	if err := store.Delete(ctx, "allisson", "linkedin"); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
}

func TestFileStoreSanitizesNames(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	sess := &Session{Agent: "Hannah/Social", Surface: "X (Twitter)", Tokens: map[string]string{"k": "v"}, CapturedAt: time.Now()}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := store.Load(ctx, "Hannah/Social", "X (Twitter)"); err != nil {
		t.Fatalf("load with same raw names failed: %v", err)
	}
}
