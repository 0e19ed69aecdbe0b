package driver

import (
	"context"
	"sync"
)

// Mock is a test implementation of Driver.
//
// It returns scripted responses in order, repeating the last one when
// the script runs out, and records every request for assertions.
// Thread-safe.
//
//	mock := &driver.Mock{Responses: []driver.Response{
//	    {Text: "plan: gather data", TokensUsed: 120},
//	    {Text: "step done", TokensUsed: 80},
//	}}
//
// Error injection:
//
//	mock := &driver.Mock{Err: errors.New("rate limited")}
type Mock struct {
	// Responses is the scripted output sequence. When exhausted, the
	// last response repeats.
	Responses []Response

	// Err, if set, is returned by Generate instead of a response.
	Err error

	// Calls records every Generate invocation.
	Calls []Request

	mu        sync.Mutex
	callIndex int
}

// Generate returns the next scripted response, or Err when configured.
// The request is recorded either way.
func (m *Mock) Generate(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and rewinds the script.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns how many times Generate has been called.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
