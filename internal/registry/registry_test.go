package registry

import "testing"

type widget struct {
	ID    string
	Count int
}

func TestMapPut(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid key", key: "a", wantErr: false},
		{name: "empty key", key: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New[widget]()
			err := m.Put(tt.key, widget{ID: tt.key})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMapPutDuplicate(t *testing.T) {
	m := New[widget]()
	if err := m.Put("a", widget{ID: "a", Count: 1}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := m.Put("a", widget{ID: "a", Count: 2}); err == nil {
		t.Fatal("expected error re-registering existing name")
	}
}

func TestMapLookupAndDelete(t *testing.T) {
	m := New[widget]()
	_ = m.Put("a", widget{ID: "a", Count: 1})

	got, ok := m.Lookup("a")
	if !ok || got.Count != 1 {
		t.Fatalf("Lookup() = %+v, %v", got, ok)
	}

	if !m.Delete("a") {
		t.Fatal("Delete() = false, want true")
	}
	if m.Delete("a") {
		t.Fatal("second Delete() = true, want false")
	}
	if _, ok := m.Lookup("a"); ok {
		t.Fatal("Lookup() after Delete found item")
	}
}

func TestMapItemsAndNamesAndLen(t *testing.T) {
	m := New[widget]()
	_ = m.Put("a", widget{ID: "a"})
	_ = m.Put("b", widget{ID: "b"})

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if len(m.Items()) != 2 {
		t.Fatalf("Items() len = %d, want 2", len(m.Items()))
	}
	names := m.Names()
	if len(names) != 2 {
		t.Fatalf("Names() len = %d, want 2", len(names))
	}
}
