package tools

// Tool name constants - use these instead of magic strings to prevent typos.
const (
	// Workspace tools.
	ToolShell               = "shell"
	ToolReadFile            = "read_file"
	ToolListFiles           = "list_files"
	ToolSearch              = "search"
	ToolFileEdit            = "file_edit"
	ToolWriteFile           = "write_file"
	ToolTextEditor          = "str_replace_based_edit_tool"
	ToolInstallDependencies = "install_dependencies"
	ToolScratchpad          = "scratchpad"

	// Control tools.
	ToolDone              = "done"
	ToolUpdatePlan        = "update_plan"
	ToolRequestHumanHelp  = "request_human_help"
	ToolMarkTaskCompleted = "mark_task_completed"
	ToolMarkComplete      = "mark_complete"
	ToolMarkIncomplete    = "mark_incomplete"

	// Forced-choice tools.
	ToolRouteMessage = "route_message"
	ToolNeedsContext = "needs_context"
	ToolSessionPlan  = "session_plan"
	ToolOpenPR       = "open_pr"
)

// Default limits.
const (
	DefaultOutputLimit = 20000
	defaultReadLines   = 2000
	maxLineLength      = 2000
)
