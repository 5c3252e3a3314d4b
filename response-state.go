package relay

// ResponseState tracks per-direction completion for one exchange. Each flag
// is monotone: once set it is never reset within the exchange, because
// several call sites observe completion independently (header flags, body
// flags, explicit done tasks) and none of them may un-finish the exchange.
type ResponseState struct {
	requestBodyDone  bool
	responseBodyDone bool
	upstreamDone     bool
}

// SetRequestBodyDone records that the request body finished. Monotone OR.
func (s *ResponseState) SetRequestBodyDone(done bool) {
	s.requestBodyDone = s.requestBodyDone || done
}

// SetResponseBodyDone records that the response body finished. Monotone OR.
func (s *ResponseState) SetResponseBodyDone(done bool) {
	s.responseBodyDone = s.responseBodyDone || done
}

// MaybeSetUpstreamDone records that the upstream finished its response.
// Calling it with false after it was set true never resets the flag.
func (s *ResponseState) MaybeSetUpstreamDone(done bool) {
	s.upstreamDone = s.upstreamDone || done
}

func (s *ResponseState) RequestBodyDone() bool  { return s.requestBodyDone }
func (s *ResponseState) ResponseBodyDone() bool { return s.responseBodyDone }
func (s *ResponseState) UpstreamDone() bool     { return s.upstreamDone }

// IsBodyDone is the single stopping condition of the relay pump: both
// directions have delivered their bodies.
func (s *ResponseState) IsBodyDone() bool {
	return s.requestBodyDone && s.responseBodyDone
}
