// Package report turns a finished run into the plan and result documents
// written by --plan-json-file and --result-json-file.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/yuya-takeyama/strict-sync/internal/aggregator"
	"github.com/yuya-takeyama/strict-sync/internal/pipeline"
	"github.com/yuya-takeyama/strict-sync/pkg/differ"
	"github.com/yuya-takeyama/strict-sync/pkg/storage"
)

// PlanResult represents the planned operations before execution
type PlanResult struct {
	Files   []PlanFile  `json:"files"`
	Summary PlanSummary `json:"summary"`
}

type PlanFile struct {
	Action string `json:"action"` // "create", "update", "delete"
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type PlanSummary struct {
	Skip   int `json:"skip"`
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
}

// SyncResult represents the actual execution results
type SyncResult struct {
	Files   []ResultFile  `json:"files"`
	Errors  []ErrorFile   `json:"errors"`
	Summary ResultSummary `json:"summary"`
}

type ResultFile struct {
	Action string `json:"action"` // "created", "updated", "deleted"
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
	Bytes  int64  `json:"bytes,omitempty"`
}

type ErrorFile struct {
	Action string `json:"action"` // "create", "update", "delete"
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

type ResultSummary struct {
	Skipped          int   `json:"skipped"`
	Created          int   `json:"created"`
	Updated          int   `json:"updated"`
	Deleted          int   `json:"deleted"`
	Failed           int   `json:"failed"`
	Canceled         int   `json:"canceled"`
	DeleteSkipped    bool  `json:"delete_skipped"`
	BytesTransferred int64 `json:"bytes_transferred"`
}

// Endpoints formats keys as full source and target locations.
type Endpoints struct {
	Source storage.Location
	Target storage.Location
}

func (e Endpoints) source(key string) string {
	return objectPath(e.Source, key)
}

func (e Endpoints) target(key string) string {
	return objectPath(e.Target, key)
}

func objectPath(loc storage.Location, key string) string {
	switch loc.Scheme {
	case storage.SchemeS3:
		return fmt.Sprintf("s3://%s/%s", loc.Bucket, storage.JoinKey(loc.Prefix, key))
	case storage.SchemeMinIO:
		return fmt.Sprintf("%s/%s", storage.Location{Scheme: loc.Scheme, Host: loc.Host, Secure: loc.Secure, Bucket: loc.Bucket}, storage.JoinKey(loc.Prefix, key))
	}
	return filepath.Join(absolutePath(loc.Path), filepath.FromSlash(key))
}

func absolutePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

func actionOf(class differ.Class) string {
	switch class {
	case differ.New:
		return "create"
	case differ.Modified:
		return "update"
	case differ.Deleted:
		return "delete"
	}
	return "skip"
}

func pastTense(action string) string {
	switch action {
	case "create":
		return "created"
	case "update":
		return "updated"
	case "delete":
		return "deleted"
	}
	return "skipped"
}

// BuildPlan lists every planned action of a run.
func BuildPlan(r *pipeline.Report, ep Endpoints) PlanResult {
	plan := PlanResult{Files: []PlanFile{}}
	plan.Summary.Skip = r.State.Counts.Unchanged

	for _, res := range r.Planned {
		action := actionOf(res.Class)
		file := PlanFile{
			Action: action,
			Target: ep.target(res.Key),
			Reason: string(res.Reason),
		}
		if res.Source != nil {
			file.Source = ep.source(res.Key)
		}
		switch action {
		case "create":
			plan.Summary.Create++
		case "update":
			plan.Summary.Update++
		case "delete":
			plan.Summary.Delete++
		}
		plan.Files = append(plan.Files, file)
	}
	return plan
}

// BuildResult lists what a run did. records are the drained aggregator
// contents; every failed key appears in Errors with its kind.
func BuildResult(r *pipeline.Report, records []aggregator.ErrorRecord, ep Endpoints) SyncResult {
	result := SyncResult{Files: []ResultFile{}, Errors: []ErrorFile{}}
	result.Summary.Skipped = r.State.Counts.Unchanged
	result.Summary.Canceled = r.State.Canceled
	result.Summary.DeleteSkipped = r.State.DeleteSkipped
	result.Summary.BytesTransferred = r.State.BytesTransferred

	classes := make(map[string]differ.Class, len(r.Planned))
	for _, res := range r.Planned {
		classes[res.Key] = res.Class
	}

	for _, out := range r.Outcomes {
		if !out.Succeeded() {
			continue
		}
		key := out.Task.Descriptor.Key
		action := actionOf(classes[key])
		if action == "create" {
			result.Summary.Created++
		} else {
			result.Summary.Updated++
		}
		result.Files = append(result.Files, ResultFile{
			Action: pastTense(action),
			Source: ep.source(key),
			Target: ep.target(out.Task.TargetKey),
			Bytes:  out.BytesTransferred,
		})
	}

	for _, d := range r.Deletes {
		if d.Err != nil {
			continue
		}
		result.Summary.Deleted++
		result.Files = append(result.Files, ResultFile{
			Action: "deleted",
			Target: ep.target(d.Key),
		})
	}

	for _, rec := range records {
		action := actionOf(classes[rec.Key])
		if rec.Op == "delete" {
			action = "delete"
		}
		ef := ErrorFile{
			Action: action,
			Target: ep.target(rec.Key),
			Kind:   string(rec.Kind),
			Error:  rec.Message,
		}
		if action != "delete" {
			ef.Source = ep.source(rec.Key)
		}
		result.Errors = append(result.Errors, ef)
		result.Summary.Failed++
	}

	sort.SliceStable(result.Files, func(i, j int) bool { return result.Files[i].Target < result.Files[j].Target })
	sort.SliceStable(result.Errors, func(i, j int) bool { return result.Errors[i].Target < result.Errors[j].Target })
	return result
}

// WriteJSON writes v as indented JSON to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}
