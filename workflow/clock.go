package workflow

import "time"

// Clock supplies the current time. The orchestrator, supervisor, and
// monitor never call time.Now directly; injecting a Clock makes
// timeout and latency behavior reproducible in tests.
//
//	fake := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
//	orch := NewOrchestrator(WithClock(func() time.Time { return fake }))
type Clock func() time.Time
