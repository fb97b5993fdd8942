package tools

import (
	execpkg "shipwright/pkg/exec"
)

// maxReadBytes caps read_file for every stage.
const maxReadBytes = 512 * 1024

// Workbench is what a stage needs to build its tool registries.
type Workbench struct {
	Exec        execpkg.Executor
	Root        string
	OutputLimit int
}

func (w Workbench) limit() int {
	if w.OutputLimit <= 0 {
		return DefaultOutputLimit
	}
	return w.OutputLimit
}

// readOnly returns the inspection tools shared by the planner and reviewer.
func (w Workbench) readOnly() []Tool {
	return []Tool{
		NewShellTool(w.Exec, w.Root, w.limit()),
		NewReadFileTool(w.Root, maxReadBytes),
		NewListFilesTool(w.Root),
		NewSearchTool(w.Exec, w.Root, w.limit()),
	}
}

// PlannerContext is the planner's gather-context registry: read-only
// inspection plus the done sentinel.
func (w Workbench) PlannerContext() *Registry {
	return NewRegistry(append(w.readOnly(), NewDoneTool())...)
}

// Implementer is the implementer's mutating registry. Providers with a native
// text editor tool also receive it.
func (w Workbench) Implementer(provider string) *Registry {
	all := append(w.readOnly(),
		NewFileEditTool(w.Root),
		NewWriteFileTool(w.Root),
		NewInstallDependenciesTool(w.Exec, w.Root, w.limit()),
		NewUpdatePlanTool(),
		NewRequestHumanHelpTool(),
		NewMarkTaskCompletedTool(),
	)
	if SupportsTextEditor(provider) {
		all = append(all, NewTextEditorTool(w.Root))
	}
	return NewRegistry(all...)
}

// Reviewer is the reviewer's action registry: read-only inspection, the
// scratchpad and done to end the review loop.
func (w Workbench) Reviewer() *Registry {
	return NewRegistry(append(w.readOnly(), NewScratchpadTool(), NewDoneTool())...)
}

// Verdict is the reviewer's forced binary choice.
func Verdict() *Registry {
	return NewRegistry(NewMarkCompleteTool(), NewMarkIncompleteTool())
}

// SupportsTextEditor reports whether provider models were trained on the
// str_replace_based_edit_tool contract.
func SupportsTextEditor(provider string) bool {
	return provider == "anthropic" || provider == "openai"
}
