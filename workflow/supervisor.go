package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DisplaySection is one titled block of a formatted approval request.
type DisplaySection struct {
	Title   string      `json:"title"`
	Type    string      `json:"type"`
	Content interface{} `json:"content"`
}

// DisplayRequest is an approval request arranged for UI binding.
type DisplayRequest struct {
	RequestID    string           `json:"request_id"`
	WorkflowID   string           `json:"workflow_id"`
	CheckpointID string           `json:"checkpoint_id"`
	CreatedAt    time.Time        `json:"created_at"`
	Summary      string           `json:"summary"`
	Sections     []DisplaySection `json:"sections"`
}

// SupervisorStats summarizes a supervisor's decision history.
type SupervisorStats struct {
	SupervisorID        string         `json:"supervisor_id"`
	TotalApprovals      int            `json:"total_approvals"`
	Pending             int            `json:"pending"`
	DecisionBreakdown   map[string]int `json:"decision_breakdown"`
	ApprovalRate        float64        `json:"approval_rate"`
	AvgResponseTimeSecs float64        `json:"average_response_time_seconds"`
}

// Supervisor transforms raw snapshots into reviewable approval
// requests and validates human decisions back into the system. It
// maintains the pending set and the full decision audit trail.
// Thread-safe.
type Supervisor struct {
	mu           sync.Mutex
	supervisorID string
	pending      map[string]ApprovalRequest
	history      []ApprovalResponse
	// responseSecs accumulates request-to-decision latency for the
	// running mean in Stats.
	responseSecs float64
	now          Clock
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorClock injects a clock for deterministic timestamps and
// response-time measurement.
func WithSupervisorClock(now Clock) SupervisorOption {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSupervisor creates a supervisor adapter.
func NewSupervisor(supervisorID string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		supervisorID: supervisorID,
		pending:      make(map[string]ApprovalRequest),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest packages an execution state into an approval request
// for human review and adds it to the pending set. The monitoring
// report is optional; pass nil when no monitor ran.
func (s *Supervisor) CreateRequest(workflowID, checkpointID, snapshotID string, state ExecutionState, monitoring *MonitorReport) ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	request := ApprovalRequest{
		RequestID:    uuid.NewString(),
		WorkflowID:   workflowID,
		CheckpointID: checkpointID,
		SnapshotID:   snapshotID,
		Summary:      summarize(state, monitoring),
		Context:      packageContext(state, monitoring),
		CreatedAt:    s.now().UTC(),
	}
	s.pending[request.RequestID] = request
	return request
}

// summarize builds the one-line human summary of what needs approval.
func summarize(state ExecutionState, monitoring *MonitorReport) string {
	parts := []string{
		fmt.Sprintf("Agent completed %d actions with %d decisions",
			len(state.APICalls), len(state.DecisionTrace)),
	}

	if len(state.IntermediateOutputs) > 0 {
		keys := make([]string, 0, len(state.IntermediateOutputs))
		for k := range state.IntermediateOutputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "Generated outputs: "+strings.Join(keys, ", "))
	}

	if monitoring != nil && len(monitoring.Anomalies) > 0 {
		parts = append(parts, fmt.Sprintf("%d anomalies detected", len(monitoring.Anomalies)))
	}

	if len(state.ResourceConsumption) > 0 {
		parts = append(parts, fmt.Sprintf("Resources: %v API calls, %v tokens",
			state.ResourceConsumption["api_calls"],
			state.ResourceConsumption["tokens_used"]))
	}

	return strings.Join(parts, " | ")
}

// packageContext assembles the decision context digest. API call
// entries carry description, side-effect flag, and timestamp only;
// raw payloads never reach the supervisor surface.
func packageContext(state ExecutionState, monitoring *MonitorReport) map[string]interface{} {
	context := map[string]interface{}{
		"execution_summary": map[string]interface{}{
			"api_calls_count": len(state.APICalls),
			"decisions_count": len(state.DecisionTrace),
			"outputs_count":   len(state.IntermediateOutputs),
			"timestamp":       state.Timestamp.UTC().Format(time.RFC3339),
		},
		"recent_decisions":     lastStrings(state.DecisionTrace, 5),
		"intermediate_outputs": state.IntermediateOutputs,
		"resource_consumption": state.ResourceConsumption,
	}

	calls := state.APICalls
	if len(calls) > 5 {
		calls = calls[len(calls)-5:]
	}
	recent := make([]map[string]interface{}, 0, len(calls))
	for _, call := range calls {
		recent = append(recent, map[string]interface{}{
			"description":      call.Description,
			"has_side_effects": call.HasSideEffects,
			"timestamp":        call.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	context["recent_api_calls"] = recent

	if monitoring != nil {
		context["monitoring"] = map[string]interface{}{
			"anomalies":       monitoring.Anomalies,
			"recommendations": monitoring.Recommendations,
		}
	}
	return context
}

func lastStrings(in []string, n int) []string {
	if len(in) > n {
		in = in[len(in)-n:]
	}
	return append([]string(nil), in...)
}

// FormatForDisplay arranges a request into titled sections for any UI
// binding.
func (s *Supervisor) FormatForDisplay(request ApprovalRequest) DisplayRequest {
	display := DisplayRequest{
		RequestID:    request.RequestID,
		WorkflowID:   request.WorkflowID,
		CheckpointID: request.CheckpointID,
		CreatedAt:    request.CreatedAt,
		Summary:      request.Summary,
	}

	display.Sections = append(display.Sections, DisplaySection{
		Title:   "Summary",
		Type:    "text",
		Content: request.Summary,
	})

	if calls, ok := request.Context["recent_api_calls"].([]map[string]interface{}); ok && len(calls) > 0 {
		display.Sections = append(display.Sections, DisplaySection{
			Title:   "Recent Actions",
			Type:    "list",
			Content: calls,
		})
	}

	if outputs, ok := request.Context["intermediate_outputs"].(map[string]interface{}); ok && len(outputs) > 0 {
		display.Sections = append(display.Sections, DisplaySection{
			Title:   "Outputs",
			Type:    "json",
			Content: outputs,
		})
	}

	if monitoring, ok := request.Context["monitoring"].(map[string]interface{}); ok {
		if anomalies, ok := monitoring["anomalies"].([]Anomaly); ok && len(anomalies) > 0 {
			display.Sections = append(display.Sections, DisplaySection{
				Title:   "Alerts",
				Type:    "alerts",
				Content: anomalies,
			})
		}
		if recs, ok := monitoring["recommendations"].([]string); ok && len(recs) > 0 {
			display.Sections = append(display.Sections, DisplaySection{
				Title:   "Recommendations",
				Type:    "list",
				Content: recs,
			})
		}
	}

	display.Sections = append(display.Sections, DisplaySection{
		Title: "Decision",
		Type:  "decision",
		Content: []map[string]string{
			{"value": string(DecisionApproved), "label": "Approve and continue execution"},
			{"value": string(DecisionModified), "label": "Approve with modifications"},
			{"value": string(DecisionRejected), "label": "Reject and roll back"},
		},
	})
	return display
}

// SubmitDecision validates a human decision against a pending request
// and produces the response to route back to the orchestrator. The
// request is removed from the pending set.
//
// Returns ErrUnknownRequest when the request id is not pending, and a
// validation error when a MODIFIED decision carries no modifications.
func (s *Supervisor) SubmitDecision(requestID string, decision Decision, rationale, approvedBy string, modifications map[string]interface{}) (ApprovalResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.pending[requestID]
	if !ok {
		return ApprovalResponse{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	response := ApprovalResponse{
		RequestID:     requestID,
		Decision:      decision,
		Rationale:     rationale,
		Modifications: modifications,
		ApprovedBy:    approvedBy,
		ApprovedAt:    s.now().UTC(),
	}
	if err := response.Validate(); err != nil {
		return ApprovalResponse{}, err
	}

	delete(s.pending, requestID)
	s.history = append(s.history, response)
	s.responseSecs += response.ApprovedAt.Sub(request.CreatedAt).Seconds()
	return response, nil
}

// Pending returns the pending requests in creation order.
func (s *Supervisor) Pending() []ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ApprovalRequest, 0, len(s.pending))
	for _, request := range s.pending {
		out = append(out, request)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// History returns a copy of all decisions made so far.
func (s *Supervisor) History() []ApprovalResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ApprovalResponse(nil), s.history...)
}

// Stats summarizes the supervisor's lifetime decision activity.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SupervisorStats{
		SupervisorID:      s.supervisorID,
		TotalApprovals:    len(s.history),
		Pending:           len(s.pending),
		DecisionBreakdown: map[string]int{},
	}
	if len(s.history) == 0 {
		return stats
	}

	approved := 0
	for _, response := range s.history {
		stats.DecisionBreakdown[string(response.Decision)]++
		if response.Decision == DecisionApproved {
			approved++
		}
	}
	stats.ApprovalRate = float64(approved) / float64(len(s.history))
	stats.AvgResponseTimeSecs = s.responseSecs / float64(len(s.history))
	return stats
}

// ExpirePending converts every pending request whose deadline has
// passed into a synthetic REJECTED response with rationale "timeout".
// Requests with a zero ExpiresAt never expire. Returns the responses
// produced, in creation order.
func (s *Supervisor) ExpirePending() []ApprovalResponse {
	now := s.now().UTC()

	var expired []ApprovalRequest
	s.mu.Lock()
	for _, request := range s.pending {
		if !request.ExpiresAt.IsZero() && now.After(request.ExpiresAt) {
			expired = append(expired, request)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})

	var responses []ApprovalResponse
	for _, request := range expired {
		response := ApprovalResponse{
			RequestID:  request.RequestID,
			Decision:   DecisionRejected,
			Rationale:  "timeout",
			ApprovedBy: s.supervisorID,
			ApprovedAt: now,
		}
		delete(s.pending, request.RequestID)
		s.history = append(s.history, response)
		s.responseSecs += now.Sub(request.CreatedAt).Seconds()
		responses = append(responses, response)
	}
	s.mu.Unlock()
	return responses
}
