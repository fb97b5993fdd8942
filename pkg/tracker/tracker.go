// Package tracker defines the tracking record and patch submission
// interfaces the stages persist plans and results through.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"shipwright/pkg/plan"
)

// ErrRecordNotFound is returned when a tracking record id is unknown.
var ErrRecordNotFound = errors.New("tracking record not found")

// RecordStore persists conversation tracking records and the plan embedded in them.
type RecordStore interface {
	CreateRecord(ctx context.Context, title, body string) (int, error)
	AppendComment(ctx context.Context, id int, body string) error
	// ReadPlan returns nil without error when the record carries no plan.
	ReadPlan(ctx context.Context, id int) (*plan.TaskPlan, error)
	WritePlan(ctx context.Context, id int, p *plan.TaskPlan) error
}

// PatchRequest describes a patch (pull request) to open or update.
type PatchRequest struct {
	Title    string
	Body     string
	Head     string
	Base     string
	RecordID int
	Draft    bool
}

// Patch identifies a submitted patch.
type Patch struct {
	URL    string
	Number int
}

// PatchSubmitter opens and updates patches on the code host.
type PatchSubmitter interface {
	CreatePatch(ctx context.Context, req PatchRequest) (Patch, error)
	UpdatePatch(ctx context.Context, number int, req PatchRequest) (Patch, error)
}

// Tracker is a code host that offers both records and patches.
type Tracker interface {
	RecordStore
	PatchSubmitter
}

// RecordRef renders the reference a rewritten message carries.
func RecordRef(id int) string {
	return fmt.Sprintf("#%d", id)
}

// PatchBody appends the closing reference for the tracking record.
func PatchBody(body string, recordID int) string {
	if recordID <= 0 {
		return body
	}
	return fmt.Sprintf("%s\n\nFixes %s", body, RecordRef(recordID))
}
