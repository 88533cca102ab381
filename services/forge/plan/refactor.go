// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPlan is returned for plans that fail structural validation.
var ErrInvalidPlan = errors.New("invalid refactor plan")

// =============================================================================
// Shared Validator Instance
// =============================================================================

// planValidate validates plan structures. DocumentChange has a struct-level
// rule because its required fields depend on Kind.
var planValidate *validator.Validate

func init() {
	planValidate = validator.New()
	planValidate.RegisterStructValidation(validateDocumentChange, DocumentChange{})
}

func validateDocumentChange(sl validator.StructLevel) {
	dc := sl.Current().Interface().(DocumentChange)
	switch dc.Kind {
	case "":
		if dc.TextDocument == nil || dc.TextDocument.URI == "" {
			sl.ReportError(dc.TextDocument, "TextDocument", "text_document", "required_for_edit", "")
		}
	case ChangeCreate, ChangeDelete:
		if dc.URI == "" {
			sl.ReportError(dc.URI, "URI", "uri", "required_for_kind", string(dc.Kind))
		}
	case ChangeRename:
		if dc.OldURI == "" {
			sl.ReportError(dc.OldURI, "OldURI", "old_uri", "required_for_kind", string(dc.Kind))
		}
		if dc.NewURI == "" {
			sl.ReportError(dc.NewURI, "NewURI", "new_uri", "required_for_kind", string(dc.Kind))
		}
	default:
		sl.ReportError(dc.Kind, "Kind", "kind", "oneof", "create rename delete")
	}
}

// =============================================================================
// Workspace edit
// =============================================================================

// Position is an LSP position: 0-based line and character.
type Position struct {
	Line      int `json:"line" validate:"gte=0"`
	Character int `json:"character" validate:"gte=0"`
}

// Range is an LSP range.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// LSPTextEdit replaces Range with NewText.
type LSPTextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"new_text"`
}

// VersionedTextDocument identifies a document, optionally at a version.
type VersionedTextDocument struct {
	URI     string `json:"uri"`
	Version *int   `json:"version,omitempty"`
}

// ChangeKind discriminates resource operations in DocumentChange. The empty
// kind is a text document edit.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeRename ChangeKind = "rename"
	ChangeDelete ChangeKind = "delete"
)

// DocumentChange is one entry of WorkspaceEdit.DocumentChanges.
//
// Exactly one shape is valid per Kind:
//
//	{text_document, edits}        text document edit (kind omitted)
//	{kind: "create", uri}
//	{kind: "rename", old_uri, new_uri}
//	{kind: "delete", uri}
type DocumentChange struct {
	Kind ChangeKind `json:"kind,omitempty"`

	TextDocument *VersionedTextDocument `json:"text_document,omitempty"`
	Edits        []LSPTextEdit          `json:"edits,omitempty" validate:"dive"`

	URI    string `json:"uri,omitempty"`
	OldURI string `json:"old_uri,omitempty"`
	NewURI string `json:"new_uri,omitempty"`
}

// WorkspaceEdit is the LSP-shaped edit set carried by every plan.
type WorkspaceEdit struct {
	Changes         map[string][]LSPTextEdit `json:"changes,omitempty"`
	DocumentChanges []DocumentChange         `json:"document_changes,omitempty" validate:"dive"`
}

// =============================================================================
// RefactorPlan
// =============================================================================

// PlanType is the RefactorPlan discriminator.
type PlanType string

const (
	RenamePlan    PlanType = "RenamePlan"
	MovePlan      PlanType = "MovePlan"
	DeletePlan    PlanType = "DeletePlan"
	ExtractPlan   PlanType = "ExtractPlan"
	InlinePlan    PlanType = "InlinePlan"
	ReorderPlan   PlanType = "ReorderPlan"
	TransformPlan PlanType = "TransformPlan"
)

// PlanWarning is a human-readable caveat from the planner.
type PlanWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlanSummary counts affected files.
type PlanSummary struct {
	AffectedFiles int `json:"affected_files" validate:"gte=0"`
	CreatedFiles  int `json:"created_files" validate:"gte=0"`
	DeletedFiles  int `json:"deleted_files" validate:"gte=0"`
}

// PlanMetadata describes the refactoring.
type PlanMetadata struct {
	Kind            string `json:"kind"`
	Language        string `json:"language"`
	EstimatedImpact string `json:"estimated_impact,omitempty"`
}

// DeletionTarget is an explicit deletion carried by a DeletePlan.
type DeletionTarget struct {
	Path string `json:"path" validate:"required"`
	// Kind is "file" or "directory".
	Kind string `json:"kind,omitempty"`
}

// RefactorPlan is a kind-tagged refactoring plan.
//
// # Description
//
// PlanType selects the variant. All variants share the edit set, checksums,
// warnings, summary and metadata; only DeletePlan carries Deletions.
// Checksums are recorded at each file's pre-operation location.
type RefactorPlan struct {
	PlanType      PlanType          `json:"plan_type" validate:"required,oneof=RenamePlan MovePlan DeletePlan ExtractPlan InlinePlan ReorderPlan TransformPlan"`
	Edits         WorkspaceEdit     `json:"edits"`
	FileChecksums map[string]string `json:"file_checksums,omitempty" validate:"dive,keys,required,endkeys,hexadecimal"`
	Warnings      []PlanWarning     `json:"warnings,omitempty"`
	Summary       PlanSummary       `json:"summary"`
	Metadata      PlanMetadata      `json:"metadata"`
	Deletions     []DeletionTarget  `json:"deletions,omitempty" validate:"dive"`
}

// Validate checks the plan's structure.
//
// # Outputs
//
//   - error: Wraps ErrInvalidPlan with field details, or nil.
func (p *RefactorPlan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: plan is required", ErrInvalidPlan)
	}
	if err := planValidate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if len(p.Deletions) > 0 && p.PlanType != DeletePlan {
		return fmt.Errorf("%w: deletions are only valid on %s, got %s", ErrInvalidPlan, DeletePlan, p.PlanType)
	}
	return nil
}
