package emit

// Emitter receives observability events from the workflow core.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry
//   - Nothing at all: NullEmitter
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down workflow transitions
//   - Thread-safe: May be called concurrently for distinct workflows
//   - Resilient: Handle backend failures without crashing the workflow
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not panic and should not block workflow progress.
	// Errors are handled internally by the implementation.
	Emit(event Event)
}
