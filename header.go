package relay

import (
	"strconv"
	"strings"
	"time"
)

type CacheControl struct {
	m map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.m[directive]
	return val, ok
}

// MaxAge returns the max-age directive as a duration, false when absent or
// unparseable.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	val, ok := c.m["max-age"]
	if !ok {
		return 0, false
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// NoStore reports whether the response must not be stored.
func (c CacheControl) NoStore() bool {
	_, noStore := c.m["no-store"]
	_, private := c.m["private"]
	return noStore || private
}

func ParseCacheControl(header string) CacheControl {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		parts := strings.SplitN(directive, "=", 2)
		var val string
		if len(parts) > 1 {
			val = parts[1]
		}
		m[parts[0]] = val
	}
	return CacheControl{m}
}
