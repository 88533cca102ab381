// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan defines the refactoring plan data model and the conversion
// from a RefactorPlan to an applicable EditPlan.
package plan

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Edit types
// =============================================================================

// EditType classifies a TextEdit.
type EditType string

const (
	EditRename       EditType = "rename"
	EditAddImport    EditType = "add_import"
	EditRemoveImport EditType = "remove_import"
	EditUpdateImport EditType = "update_import"
	EditInsert       EditType = "insert"
	EditDelete       EditType = "delete"
	EditReplace      EditType = "replace"
	EditFormat       EditType = "format"

	// EditCreate creates FilePath with NewText as its content.
	EditCreate EditType = "create"

	// EditMove renames FilePath to the path in NewText.
	EditMove EditType = "move"

	// EditDeleteFile removes FilePath, a file or a directory.
	EditDeleteFile EditType = "delete_file"
)

// IsFileOperation reports whether the edit acts on a whole file rather than
// a text range.
func (t EditType) IsFileOperation() bool {
	switch t {
	case EditCreate, EditMove, EditDeleteFile:
		return true
	}
	return false
}

// EditLocation is a 0-based range. Columns count Unicode code points.
type EditLocation struct {
	StartLine   int `json:"start_line"`
	StartColumn int `json:"start_column"`
	EndLine     int `json:"end_line"`
	EndColumn   int `json:"end_column"`
}

// TextEdit is one change to one file.
//
// For range edits every location refers to the file's content before any
// edit of the same apply call. OriginalText, when set, must equal the live
// text in that range or the edit conflicts.
type TextEdit struct {
	FilePath     string       `json:"file_path,omitempty"`
	EditType     EditType     `json:"edit_type"`
	Location     EditLocation `json:"location"`
	OriginalText string       `json:"original_text,omitempty"`
	NewText      string       `json:"new_text"`

	// Priority orders edits within a file; higher applies first.
	Priority    int    `json:"priority"`
	Description string `json:"description,omitempty"`
}

// DependencyUpdateType is the kind of reference a DependencyUpdate rewrites.
type DependencyUpdateType string

const (
	UpdateImportPath      DependencyUpdateType = "import_path"
	UpdateImportName      DependencyUpdateType = "import_name"
	UpdateExportReference DependencyUpdateType = "export_reference"
)

// DependencyUpdate rewrites references in a file affected by the primary
// change.
type DependencyUpdate struct {
	TargetFile   string               `json:"target_file"`
	UpdateType   DependencyUpdateType `json:"update_type"`
	OldReference string               `json:"old_reference"`
	NewReference string               `json:"new_reference"`
}

// ValidationType names a post-edit check a plan producer recommends.
type ValidationType string

const (
	ValidateSyntax           ValidationType = "syntax_check"
	ValidateImportResolution ValidationType = "import_resolution"
	ValidateTypeCheck        ValidationType = "type_check"
	ValidateTests            ValidationType = "test_validation"
	ValidateFormat           ValidationType = "format_validation"
)

// ValidationRule is carried through to callers. The engine does not run it.
type ValidationRule struct {
	RuleType    ValidationType `json:"rule_type"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// EditPlanMetadata describes where an EditPlan came from.
type EditPlanMetadata struct {
	IntentName      string          `json:"intent_name"`
	IntentArguments json.RawMessage `json:"intent_arguments,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	Complexity      int             `json:"complexity"`
	ImpactAreas     []string        `json:"impact_areas,omitempty"`
}

// EditPlan is the normalized, directly applicable form of a refactoring.
type EditPlan struct {
	SourceFile        string             `json:"source_file"`
	Edits             []TextEdit         `json:"edits"`
	DependencyUpdates []DependencyUpdate `json:"dependency_updates,omitempty"`
	Validations       []ValidationRule   `json:"validations,omitempty"`
	Metadata          EditPlanMetadata   `json:"metadata"`
}

// EditPlanResult is the outcome of one apply call.
type EditPlanResult struct {
	Success       bool     `json:"success"`
	ModifiedFiles []string `json:"modified_files"`
	CreatedFiles  []string `json:"created_files"`
	DeletedFiles  []string `json:"deleted_files"`
	Errors        []string `json:"errors,omitempty"`
}
