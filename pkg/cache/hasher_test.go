package cache

import "testing"

func TestRuntimeSpecHash(t *testing.T) {
	t.Run("same spec produces same hash", func(t *testing.T) {
		h1 := RuntimeSpecHash("3.11", []string{"requests==2.31.0", "lxml==4.9.3"}, nil)
		h2 := RuntimeSpecHash("3.11", []string{"requests==2.31.0", "lxml==4.9.3"}, nil)
		if h1 != h2 {
			t.Errorf("same spec should produce same hash: %v != %v", h1, h2)
		}
	})

	t.Run("requirement order does not affect hash", func(t *testing.T) {
		h1 := RuntimeSpecHash("3.11", []string{"requests==2.31.0", "lxml==4.9.3"}, nil)
		h2 := RuntimeSpecHash("3.11", []string{"lxml==4.9.3", "requests==2.31.0"}, nil)
		if h1 != h2 {
			t.Error("requirement order should not affect hash")
		}
	})

	t.Run("different python version produces different hash", func(t *testing.T) {
		h1 := RuntimeSpecHash("3.11", []string{"requests==2.31.0"}, nil)
		h2 := RuntimeSpecHash("3.12", []string{"requests==2.31.0"}, nil)
		if h1 == h2 {
			t.Error("different python versions should produce different hashes")
		}
	})

	t.Run("different requirements produce different hash", func(t *testing.T) {
		h1 := RuntimeSpecHash("3.11", []string{"requests==2.31.0"}, nil)
		h2 := RuntimeSpecHash("3.11", []string{"requests==2.32.0"}, nil)
		if h1 == h2 {
			t.Error("different requirements should produce different hashes")
		}
	})

	t.Run("constraints affect hash", func(t *testing.T) {
		h1 := RuntimeSpecHash("3.11", []string{"requests"}, nil)
		h2 := RuntimeSpecHash("3.11", []string{"requests"}, []string{"urllib3<2"})
		if h1 == h2 {
			t.Error("constraints should affect the hash")
		}
	})
}

func TestQuickHash(t *testing.T) {
	data := []byte("test data")
	hash := QuickHash(data)

	if len(hash) != 64 {
		t.Errorf("QuickHash length = %d, want 64", len(hash))
	}

	hash2 := QuickHash(data)
	if hash != hash2 {
		t.Error("same data should produce same hash")
	}
}

func TestShortHash(t *testing.T) {
	data := []byte("test data")
	hash := ShortHash(data)

	if len(hash) != 16 {
		t.Errorf("ShortHash length = %d, want 16", len(hash))
	}
}
