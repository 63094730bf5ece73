package nvs

import (
	"path/filepath"
	"testing"
)

type sample struct {
	A uint32
	B []byte
}

func TestMemStoreRoundTrip(t *testing.T) {
	s := NewMemStore()
	if ok, _ := s.Get("ns", "k", &sample{}); ok {
		t.Fatal("expected miss on empty store")
	}
	want := sample{A: 7, B: []byte("hi")}
	if err := s.Set("ns", "k", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got sample
	ok, err := s.Get("ns", "k", &got)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.A != want.A || string(got.B) != string(want.B) {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if err := s.Erase("ns", "k"); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if ok, _ := s.Get("ns", "k", &got); ok {
		t.Fatal("expected miss after erase")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nvs")
	s := NewFileStore(dir)
	want := sample{A: 42, B: []byte("ota")}
	if err := s.Set("upugrad_config", "state", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got sample
	ok, err := s.Get("upugrad_config", "state", &got)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.A != want.A {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if err := s.Erase("upugrad_config", "state"); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if ok, _ := s.Get("upugrad_config", "state", &got); ok {
		t.Fatal("expected miss after erase")
	}
	// Erase on a never-written key must be idempotent.
	if err := s.Erase("upugrad_config", "missing"); err != nil {
		t.Fatalf("Erase on missing key: %v", err)
	}
}
