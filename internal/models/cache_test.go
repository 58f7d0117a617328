package models

import (
	"testing"
	"time"
)

func TestCacheEntry_Expired(t *testing.T) {
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := &CacheEntry{ExpiresAt: expiry}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before expiry", expiry.Add(-time.Second), false},
		{"exactly at expiry", expiry, true},
		{"after expiry", expiry.Add(time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entry.Expired(tt.now); got != tt.want {
				t.Errorf("Expected Expired=%v at %s, got %v", tt.want, tt.now, got)
			}
		})
	}
}

func TestFeatureType_Valid(t *testing.T) {
	for _, f := range AllFeatureTypes {
		if !f.Valid() {
			t.Errorf("Expected %s to be valid", f)
		}
	}
	if FeatureType("telepathy").Valid() {
		t.Error("Expected unknown feature type to be invalid")
	}
}
