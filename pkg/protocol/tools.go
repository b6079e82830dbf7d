package protocol

// Tool operation names exposed by the gateway tool surface.
// Every tool takes a JSON object and returns either a JSON result or a
// structured error envelope {error, tool, expectedSchema}.

// Agent tools
const (
	ToolSpawnAgent  = "spawn_agent"
	ToolStopAgent   = "stop_agent"
	ToolListAgents  = "list_agents"
	ToolAgentStatus = "agent_status"
	ToolGetAgent    = "get_agent"
	ToolUpdateAgent = "update_agent"
	ToolStopAll     = "stop_all"
)

// Skill tools
const (
	ToolRegisterSkill = "register_skill"
	ToolGetSkill      = "get_skill"
	ToolUpdateSkill   = "update_skill"
	ToolRemoveSkill   = "remove_skill"
	ToolListSkills    = "list_skills"
)

// Task tools
const (
	ToolAssignTask      = "assign_task"
	ToolSendPrompt      = "send_prompt"
	ToolListTaskHistory = "list_task_history"
	ToolGetMetrics      = "get_metrics"
)

// Automation tools
const (
	ToolCreateAutomation  = "create_automation"
	ToolGetAutomation     = "get_automation"
	ToolUpdateAutomation  = "update_automation"
	ToolListAutomations   = "list_automations"
	ToolRemoveAutomation  = "remove_automation"
	ToolToggleAutomation  = "toggle_automation"
	ToolTriggerAutomation = "trigger_automation"
	ToolAutomationStatus  = "automation_status"
)

// Messaging tools
const (
	ToolSendMessage   = "send_message"
	ToolReadMessages  = "read_messages"
	ToolListChannels  = "list_channels"
	ToolAckMessages   = "ack_messages"
	ToolMessageStats  = "message_stats"
	ToolGetMessage    = "get_message"
	ToolUpdateMessage = "update_message"
	ToolPurgeMessages = "purge_messages"
)

// Cross-repo tools
const (
	ToolCrossRepoDispatch      = "cross_repo_dispatch"
	ToolCrossRepoBatchDispatch = "cross_repo_batch_dispatch"
	ToolCrossRepoStatus        = "cross_repo_status"
	ToolCrossRepoHistory       = "cross_repo_history"
	ToolCrossRepoCancel        = "cross_repo_cancel"
)

// Workspace tools
const (
	ToolMonitorWorkspace     = "monitor_workspace"
	ToolStopMonitor          = "stop_monitor"
	ToolMonitorStatus        = "monitor_status"
	ToolMineSessions         = "mine_sessions"
	ToolGetWorkspace         = "get_workspace"
	ToolListWorkspaceHistory = "list_workspace_history"
)
