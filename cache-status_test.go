package relay

import "testing"

func TestCacheStatusRendering(t *testing.T) {
	tests := []struct {
		name string
		set  func(cs *CacheStatus)
		want string
	}{
		{"hit", func(cs *CacheStatus) {
			cs.Hit()
		}, "Proxy-Relay; hit"},
		{"hit with detail", func(cs *CacheStatus) {
			cs.Hit()
			cs.Detail("revalidated")
		}, "Proxy-Relay; hit; detail=revalidated"},
		{"forward with reason", func(cs *CacheStatus) {
			cs.Forward(CacheStatusFwdMiss)
		}, "Proxy-Relay; fwd=miss"},
		{"forward with detail", func(cs *CacheStatus) {
			cs.Forward(CacheStatusFwdMiss)
			cs.Detail("cache-degraded")
		}, "Proxy-Relay; fwd=miss; detail=cache-degraded"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var cs CacheStatus
			test.set(&cs)
			if got := cs.String(); got != test.want {
				t.Errorf("String() = %q, want %q", got, test.want)
			}
		})
	}
}
