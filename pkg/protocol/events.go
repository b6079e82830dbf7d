package protocol

// ProtocolVersion is bumped whenever an event or tool payload changes shape.
const ProtocolVersion = 3

// Bus event names. These form a closed set: emitters use these constants,
// automation rules match against them (optionally with "prefix:*" wildcards).
const (
	EventAgentRegistered   = "agent:registered"
	EventAgentUnregistered = "agent:unregistered"
	EventAgentStateChanged = "agent:state-changed"

	EventTaskStarted   = "task:started"
	EventTaskCompleted = "task:completed"

	EventSkillRegistered = "skill:registered"
	EventSkillRemoved    = "skill:removed"

	EventWorkspaceMonitoring     = "workspace:monitoring"
	EventWorkspaceStopped        = "workspace:stopped"
	EventWorkspaceFileChanged    = "workspace:file-changed"
	EventWorkspaceSessionUpdated = "workspace:session-updated"
	EventWorkspaceGitEvent       = "workspace:git-event"
	EventWorkspaceRemoteUpdate   = "workspace:remote-update"

	EventCrossRepoDispatched = "crossrepo:dispatched"
	EventCrossRepoCompleted  = "crossrepo:completed"

	EventMessageReceived = "message:received"

	EventServerStarted = "server:started"

	// Synthetic trigger fired by the automation cron scheduler.
	EventTimerCron = "timer:cron"
)
