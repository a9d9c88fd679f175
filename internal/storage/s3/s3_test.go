package s3

import (
	"context"
	"testing"
)

func TestNewBackendRequiresBucket(t *testing.T) {
	if _, err := NewBackend(context.Background(), BackendConfig{Region: "us-east-1"}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		want   string
	}{
		{"", "a.py/1-a.py", "a.py/1-a.py"},
		{"lobby", "a.py/1-a.py", "lobby/a.py/1-a.py"},
	}
	for _, tt := range tests {
		b := &Backend{prefix: tt.prefix}
		if got := b.objectKey(tt.key); got != tt.want {
			t.Errorf("objectKey(%q) with prefix %q = %q, want %q", tt.key, tt.prefix, got, tt.want)
		}
	}
}
