package relay

import (
	"testing"
	"time"
)

func TestParseCacheControl(t *testing.T) {
	tests := []struct {
		header  string
		maxAge  time.Duration
		hasAge  bool
		noStore bool
	}{
		{"max-age=60", time.Minute, true, false},
		{"public, max-age=3600", time.Hour, true, false},
		{"max-age=60, no-store", time.Minute, true, true},
		{"private", 0, false, true},
		{"max-age=oops", 0, false, false},
		{"max-age=-5", 0, false, false},
		{"", 0, false, false},
	}
	for _, test := range tests {
		cc := ParseCacheControl(test.header)
		maxAge, ok := cc.MaxAge()
		if ok != test.hasAge || maxAge != test.maxAge {
			t.Errorf("%q: MaxAge = %v, %v; want %v, %v",
				test.header, maxAge, ok, test.maxAge, test.hasAge)
		}
		if cc.NoStore() != test.noStore {
			t.Errorf("%q: NoStore = %v, want %v", test.header, cc.NoStore(), test.noStore)
		}
	}
}
