package storage

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

// Memtable must satisfy the key-value Store contract.
var _ Store = (*Memtable)(nil)

func TestMemtable_BasicOperations(t *testing.T) {
	m := NewMemtable()

	data := []byte("value1")
	contentType := "text/plain"
	if err := m.Put("key1", data, contentType); err != nil {
		t.Errorf("Put failed: %v", err)
	}

	gotData, gotContentType, err := m.Get("key1")
	if err != nil {
		t.Errorf("Get failed: %v", err)
	}
	if !bytes.Equal(gotData, data) {
		t.Errorf("Get returned wrong value: got %s, want %s", gotData, data)
	}
	if gotContentType != contentType {
		t.Errorf("Get returned wrong content type: got %s, want %s", gotContentType, contentType)
	}

	if err := m.Delete("key1"); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
	if _, _, err := m.Get("key1"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestMemtable_Validation(t *testing.T) {
	m := NewMemtable()

	tests := []struct {
		name    string
		op      func() error
		wantErr error
	}{
		{"put empty key", func() error { return m.Put("", []byte("v"), "text/plain") }, ErrEmptyKey},
		{"put nil value", func() error { return m.Put("k", nil, "text/plain") }, ErrNilValue},
		{"get empty key", func() error { _, _, err := m.Get(""); return err }, ErrEmptyKey},
		{"delete empty key", func() error { return m.Delete("") }, ErrEmptyKey},
		{"delete missing key", func() error { return m.Delete("missing") }, ErrKeyNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); err != tt.wantErr {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemtable_ValueIsolation(t *testing.T) {
	m := NewMemtable()
	buf := []byte("original")
	if err := m.Put("k", buf, "text/plain"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	buf[0] = 'X'

	got, _, _ := m.Get("k")
	if string(got) != "original" {
		t.Errorf("stored value changed with caller buffer: %s", got)
	}
	got[0] = 'Y'
	again, _, _ := m.Get("k")
	if string(again) != "original" {
		t.Errorf("stored value changed with returned buffer: %s", again)
	}
}

func TestMemtable_KeysSortedAndClear(t *testing.T) {
	m := NewMemtable()
	for _, k := range []string{"c", "a", "b"} {
		if err := m.Put(k, []byte(k), ""); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	keys := m.Keys()
	if fmt.Sprint(keys) != "[a b c]" {
		t.Errorf("Keys() = %v, want [a b c]", keys)
	}
	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}

	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", m.Len())
	}
}

func TestMemtable_ConcurrentOperations(t *testing.T) {
	m := NewMemtable()
	const numGoroutines = 50
	const numOperations = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines * 2)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				key := fmt.Sprintf("key-%d-%d", id, j)
				if err := m.Put(key, []byte(key), "application/octet-stream"); err != nil {
					t.Errorf("Concurrent Put failed: %v", err)
				}
			}
		}(i)
	}
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				_, _, _ = m.Get(fmt.Sprintf("key-%d-%d", id, j))
			}
		}(i)
	}
	wg.Wait()

	if m.Len() != numGoroutines*numOperations {
		t.Errorf("Len() = %d, want %d", m.Len(), numGoroutines*numOperations)
	}
}

func BenchmarkMemtable_Put(b *testing.B) {
	m := NewMemtable()
	data := []byte("benchmark-value")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Put(fmt.Sprintf("key-%d", i%1000), data, "text/plain")
	}
}
