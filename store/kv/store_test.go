package kv

import "testing"

func TestStoreStringRoundTrip(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.SetString("name", "obj-detector"); err != nil {
		t.Fatal(err)
	}
	val, ok, err := s.GetString("name")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || val != "obj-detector" {
		t.Errorf("got (%q, %v), want (%q, true)", val, ok, "obj-detector")
	}
}

func TestStoreIntRoundTrip(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.SetInt("general.threads", 4); err != nil {
		t.Fatal(err)
	}
	val, ok, err := s.GetInt("general.threads")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || val != 4 {
		t.Errorf("got (%d, %v), want (4, true)", val, ok)
	}
}

func TestStoreFloatRoundTrip(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.SetFloat("nn.nndrRatio", 0.8); err != nil {
		t.Fatal(err)
	}
	val, ok, err := s.GetFloat("nn.nndrRatio")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || val != 0.8 {
		t.Errorf("got (%v, %v), want (0.8, true)", val, ok)
	}
}

func TestStoreBoolRoundTrip(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.SetBool("general.invertedSearch", true); err != nil {
		t.Fatal(err)
	}
	val, ok, err := s.GetBool("general.invertedSearch")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !val {
		t.Errorf("got (%v, %v), want (true, true)", val, ok)
	}
}

func TestStoreMissingKeyIsNotError(t *testing.T) {
	t.Parallel()
	s := New()
	if _, ok, err := s.GetString("missing"); ok || err != nil {
		t.Errorf("expected (false, nil) for a missing key, got (%v, %v)", ok, err)
	}
}

func TestStoreGetIntOnNonIntValueErrors(t *testing.T) {
	t.Parallel()
	s := New()
	s.SetString("k", "not-a-number")
	if _, ok, err := s.GetInt("k"); !ok || err == nil {
		t.Errorf("expected (true, err) for a malformed int, got (%v, %v)", ok, err)
	}
}

func TestStoreClear(t *testing.T) {
	t.Parallel()
	s := New()
	s.SetString("k", "v")
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetString("k"); ok {
		t.Error("expected key to be gone after Clear")
	}
}
