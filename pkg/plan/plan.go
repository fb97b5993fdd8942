// Package plan models the shared task plan. Completed plan items are never
// un-marked and revisions only ever append after the completed prefix.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors.
var (
	ErrNoActiveTask         = errors.New("no active task")
	ErrNoActiveItem         = errors.New("no remaining plan item")
	ErrCompletedItemChanged = errors.New("completed plan item was changed")
)

// PlanItem is one step of a task.
//
//nolint:revive // PlanItem reads better than plan.Item at call sites
type PlanItem struct {
	PullRequestNumber *int   `json:"pull_request_number,omitempty"`
	Plan              string `json:"plan"`
	Summary           string `json:"summary,omitempty"`
	Index             int    `json:"index"`
	Completed         bool   `json:"completed"`
}

// Task is one user request and its ordered plan items.
type Task struct {
	ID          string     `json:"id"`
	Request     string     `json:"request"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary,omitempty"`
	Items       []PlanItem `json:"items"`
	TaskIndex   int        `json:"task_index"`
	CreatedAt   int64      `json:"created_at"`
	CompletedAt int64      `json:"completed_at,omitempty"`
	Revisions   int        `json:"revisions"`
	Completed   bool       `json:"completed"`
}

// TaskPlan is the ordered collection of tasks, exactly one of which is active.
type TaskPlan struct {
	Tasks           []Task `json:"tasks"`
	ActiveTaskIndex int    `json:"active_task_index"`
}

// New creates an empty plan.
func New() *TaskPlan {
	return &TaskPlan{ActiveTaskIndex: -1}
}

// AddTask appends a task built from items and makes it active.
// Empty item strings are dropped.
func (p *TaskPlan) AddTask(request, title string, items []string) *Task {
	task := Task{
		ID:        fmt.Sprintf("task-%d", len(p.Tasks)),
		TaskIndex: len(p.Tasks),
		Request:   request,
		Title:     title,
		CreatedAt: time.Now().UnixMilli(),
	}
	task.Items = appendItems(nil, items)
	p.Tasks = append(p.Tasks, task)
	p.ActiveTaskIndex = task.TaskIndex
	return &p.Tasks[task.TaskIndex]
}

// ActiveTask returns the active task.
func (p *TaskPlan) ActiveTask() (*Task, error) {
	if p == nil || p.ActiveTaskIndex < 0 || p.ActiveTaskIndex >= len(p.Tasks) {
		return nil, ErrNoActiveTask
	}
	return &p.Tasks[p.ActiveTaskIndex], nil
}

// ActiveItem returns the first uncompleted item of the active task.
func (p *TaskPlan) ActiveItem() (*PlanItem, error) {
	task, err := p.ActiveTask()
	if err != nil {
		return nil, err
	}
	for i := range task.Items {
		if !task.Items[i].Completed {
			return &task.Items[i], nil
		}
	}
	return nil, ErrNoActiveItem
}

// HasRemaining reports whether the active task has uncompleted items.
func (p *TaskPlan) HasRemaining() bool {
	_, err := p.ActiveItem()
	return err == nil
}

// RemainingItems returns the uncompleted items of the active task.
func (p *TaskPlan) RemainingItems() []PlanItem {
	task, err := p.ActiveTask()
	if err != nil {
		return nil
	}
	var out []PlanItem
	for _, item := range task.Items {
		if !item.Completed {
			out = append(out, item)
		}
	}
	return out
}

// CompletedItems returns the completed prefix of the active task.
func (p *TaskPlan) CompletedItems() []PlanItem {
	task, err := p.ActiveTask()
	if err != nil {
		return nil
	}
	var out []PlanItem
	for _, item := range task.Items {
		if item.Completed {
			out = append(out, item)
		}
	}
	return out
}

// CompleteActiveItem marks the active item completed with a summary.
func (p *TaskPlan) CompleteActiveItem(summary string) (*PlanItem, error) {
	item, err := p.ActiveItem()
	if err != nil {
		return nil, err
	}
	item.Completed = true
	item.Summary = summary
	return item, nil
}

// Revise replaces the uncompleted tail of the active task with items.
// Completed items keep their index, text and summary.
func (p *TaskPlan) Revise(items []string) error {
	task, err := p.ActiveTask()
	if err != nil {
		return err
	}
	kept := make([]PlanItem, 0, len(task.Items)+len(items))
	for _, item := range task.Items {
		if item.Completed {
			kept = append(kept, item)
		}
	}
	task.Items = appendItems(kept, items)
	task.Revisions++
	return nil
}

// AppendItems adds items after every existing item of the active task,
// continuing the index sequence.
func (p *TaskPlan) AppendItems(items []string) error {
	task, err := p.ActiveTask()
	if err != nil {
		return err
	}
	task.Items = appendItems(task.Items, items)
	task.Revisions++
	return nil
}

// LinkPullRequest records a patch number on the active item, or on the most
// recently completed item once none remain.
func (p *TaskPlan) LinkPullRequest(number int) error {
	task, err := p.ActiveTask()
	if err != nil {
		return err
	}
	if item, err := p.ActiveItem(); err == nil {
		item.PullRequestNumber = &number
		return nil
	}
	if len(task.Items) == 0 {
		return ErrNoActiveItem
	}
	task.Items[len(task.Items)-1].PullRequestNumber = &number
	return nil
}

// PullRequestNumber returns the patch number linked to any item of the active task.
func (p *TaskPlan) PullRequestNumber() (int, bool) {
	task, err := p.ActiveTask()
	if err != nil {
		return 0, false
	}
	for _, item := range task.Items {
		if item.PullRequestNumber != nil {
			return *item.PullRequestNumber, true
		}
	}
	return 0, false
}

// CompleteTask marks the active task completed.
func (p *TaskPlan) CompleteTask(summary string) error {
	task, err := p.ActiveTask()
	if err != nil {
		return err
	}
	task.Completed = true
	task.Summary = summary
	task.CompletedAt = time.Now().UnixMilli()
	return nil
}

// Clone returns a deep copy.
func (p *TaskPlan) Clone() *TaskPlan {
	if p == nil {
		return nil
	}
	out := &TaskPlan{ActiveTaskIndex: p.ActiveTaskIndex, Tasks: make([]Task, len(p.Tasks))}
	for i, task := range p.Tasks {
		task.Items = append([]PlanItem(nil), task.Items...)
		for j := range task.Items {
			if n := task.Items[j].PullRequestNumber; n != nil {
				v := *n
				task.Items[j].PullRequestNumber = &v
			}
		}
		out.Tasks[i] = task
	}
	return out
}

// Render formats the active task as a numbered checklist.
func (p *TaskPlan) Render() string {
	task, err := p.ActiveTask()
	if err != nil {
		return "(no plan)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", task.Title)
	for _, item := range task.Items {
		mark := " "
		if item.Completed {
			mark = "x"
		}
		fmt.Fprintf(&sb, "- [%s] %d. %s\n", mark, item.Index, item.Plan)
	}
	return sb.String()
}

// VerifyMonotonic checks that next keeps every item completed in prev, with the
// same index, text and summary, and in the same order.
func VerifyMonotonic(prev, next *TaskPlan) error {
	if prev == nil {
		return nil
	}
	if next == nil {
		return fmt.Errorf("%w: plan removed", ErrCompletedItemChanged)
	}
	for ti, task := range prev.Tasks {
		if ti >= len(next.Tasks) {
			return fmt.Errorf("%w: task %d removed", ErrCompletedItemChanged, ti)
		}
		after := next.Tasks[ti].Items
		pos := 0
		for _, item := range task.Items {
			if !item.Completed {
				continue
			}
			for pos < len(after) && after[pos].Index != item.Index {
				pos++
			}
			if pos == len(after) {
				return fmt.Errorf("%w: task %d item %d missing", ErrCompletedItemChanged, ti, item.Index)
			}
			got := after[pos]
			if !got.Completed || got.Plan != item.Plan || got.Summary != item.Summary {
				return fmt.Errorf("%w: task %d item %d", ErrCompletedItemChanged, ti, item.Index)
			}
		}
	}
	return nil
}

func appendItems(existing []PlanItem, items []string) []PlanItem {
	next := 0
	for _, item := range existing {
		if item.Index >= next {
			next = item.Index + 1
		}
	}
	for _, text := range items {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		existing = append(existing, PlanItem{Index: next, Plan: text})
		next++
	}
	return existing
}
