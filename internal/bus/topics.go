package bus

// Stream event topics. Every payload published under these topics that
// pertains to a session carries a "session_id" key so that scoped
// subscribers and the SSE stream can filter per session.
const (
	TopicStreamingToken        = "streaming_token"
	TopicLLMRequest            = "llm_request"
	TopicLLMResponse           = "llm_response"
	TopicToolCall              = "tool_call"
	TopicToolResult            = "tool_result"
	TopicAgentResponse         = "agent_response"
	TopicSignalClassified      = "signal_classified"
	TopicContextPressure       = "context_pressure"
	TopicNoiseDropped          = "noise_dropped"
	TopicHookBlocked           = "hook_blocked"
	TopicCancelled             = "cancelled"
	TopicMaxIterationsExceeded = "max_iterations_exceeded"

	TopicSwarmStarted   = "swarm_started"
	TopicSwarmCompleted = "swarm_completed"
	TopicSwarmFailed    = "swarm_failed"
	TopicAgentStarted   = "agent_started"
	TopicAgentProgress  = "agent_progress"
	TopicAgentCompleted = "agent_completed"
	TopicAgentFailed    = "agent_failed"
	TopicWaveStarted    = "wave_started"
	TopicTaskStarted    = "task_started"
	TopicTaskCompleted  = "task_completed"

	TopicSidecarHealth = "sidecar_health"
	TopicBudgetAlert   = "budget_alert"
)
