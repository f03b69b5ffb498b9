package cache

import (
	"context"
	"strings"
	"testing"
)

func TestNewRedis_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewRedis(context.Background(), "http://localhost:6379", "ellie:")
	if err == nil {
		t.Fatal("NewRedis with non-redis scheme succeeded")
	}
	if !strings.Contains(err.Error(), "parse redis url") {
		t.Errorf("err = %v, want parse error", err)
	}
}
