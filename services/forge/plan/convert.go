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
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// IntentApplyEdit is the intent name recorded on converted plans.
const IntentApplyEdit = "workspace.apply_edit"

// maxComplexity caps EditPlanMetadata.Complexity.
const maxComplexity = 255

// ErrUnsupportedURI is returned for document URIs that are not file URIs.
var ErrUnsupportedURI = errors.New("unsupported document uri")

// Convert normalizes a RefactorPlan into an EditPlan.
//
// # Description
//
// Pure transformation; nothing is read from disk.
//
//   - changes entries, sorted by URI, become Replace edits.
//   - document_changes, in order: text document edits become Replace,
//     create becomes Create, rename becomes Move (FilePath old, NewText new),
//     delete becomes DeleteFile.
//   - A DeletePlan's deletions are appended as DeleteFile edits unless a
//     document change already deletes the same path.
//
// Priorities are assigned as total-index, so earlier edits apply first.
//
// # Inputs
//
//   - p: The plan. Must pass Validate.
//
// # Outputs
//
//   - *EditPlan: The normalized plan.
//   - error: ErrInvalidPlan or ErrUnsupportedURI.
//
// # Example
//
//	ep, err := plan.Convert(refactorPlan)
//	if err != nil {
//	    return err
//	}
//	out, err := fileService.Apply(ctx, ep, apply.DefaultOptions())
func Convert(p *RefactorPlan) (*EditPlan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var edits []TextEdit

	uris := make([]string, 0, len(p.Edits.Changes))
	for uri := range p.Edits.Changes {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	for _, uri := range uris {
		path, err := URIToPath(uri)
		if err != nil {
			return nil, err
		}
		for _, e := range p.Edits.Changes[uri] {
			edits = append(edits, replaceEdit(path, e))
		}
	}

	deleted := make(map[string]bool)
	for i, dc := range p.Edits.DocumentChanges {
		switch dc.Kind {
		case "":
			path, err := URIToPath(dc.TextDocument.URI)
			if err != nil {
				return nil, err
			}
			for _, e := range dc.Edits {
				edits = append(edits, replaceEdit(path, e))
			}

		case ChangeCreate:
			path, err := URIToPath(dc.URI)
			if err != nil {
				return nil, err
			}
			edits = append(edits, TextEdit{
				FilePath:    path,
				EditType:    EditCreate,
				Description: fmt.Sprintf("Create %s", path),
			})

		case ChangeRename:
			oldPath, err := URIToPath(dc.OldURI)
			if err != nil {
				return nil, err
			}
			newPath, err := URIToPath(dc.NewURI)
			if err != nil {
				return nil, err
			}
			edits = append(edits, TextEdit{
				FilePath:    oldPath,
				EditType:    EditMove,
				NewText:     newPath,
				Description: fmt.Sprintf("Move %s to %s", oldPath, newPath),
			})

		case ChangeDelete:
			path, err := URIToPath(dc.URI)
			if err != nil {
				return nil, err
			}
			deleted[path] = true
			edits = append(edits, TextEdit{
				FilePath:    path,
				EditType:    EditDeleteFile,
				Description: fmt.Sprintf("Delete %s", path),
			})

		default:
			return nil, fmt.Errorf("%w: document change %d has unknown kind %q", ErrInvalidPlan, i, dc.Kind)
		}
	}

	if p.PlanType == DeletePlan {
		for _, d := range p.Deletions {
			path, err := URIToPath(d.Path)
			if err != nil {
				return nil, err
			}
			if deleted[path] {
				continue
			}
			deleted[path] = true
			edits = append(edits, TextEdit{
				FilePath:    path,
				EditType:    EditDeleteFile,
				Description: fmt.Sprintf("Delete %s %s", nonEmpty(d.Kind, "file"), path),
			})
		}
	}

	total := len(edits)
	for i := range edits {
		edits[i].Priority = total - i
	}

	source := ""
	if len(edits) > 0 {
		source = edits[0].FilePath
	}

	args, err := json.Marshal(p.Edits)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding intent arguments: %v", ErrInvalidPlan, err)
	}

	complexity := p.Summary.AffectedFiles + p.Summary.CreatedFiles + p.Summary.DeletedFiles
	if complexity > maxComplexity {
		complexity = maxComplexity
	}

	var impact []string
	for _, area := range []string{p.Metadata.Kind, p.Metadata.Language} {
		if area != "" {
			impact = append(impact, area)
		}
	}

	return &EditPlan{
		SourceFile: source,
		Edits:      edits,
		Validations: []ValidationRule{{
			RuleType:    ValidateSyntax,
			Description: "Verify syntax after applying workspace edits",
		}},
		Metadata: EditPlanMetadata{
			IntentName:      IntentApplyEdit,
			IntentArguments: args,
			CreatedAt:       time.Now().UTC(),
			Complexity:      complexity,
			ImpactAreas:     impact,
		},
	}, nil
}

func replaceEdit(path string, e LSPTextEdit) TextEdit {
	return TextEdit{
		FilePath: path,
		EditType: EditReplace,
		Location: EditLocation{
			StartLine:   e.Range.Start.Line,
			StartColumn: e.Range.Start.Character,
			EndLine:     e.Range.End.Line,
			EndColumn:   e.Range.End.Character,
		},
		NewText:     e.NewText,
		Description: fmt.Sprintf("Workspace edit in %s", path),
	}
}

// URIToPath converts a file URI to a filesystem path, percent-decoding it.
// Inputs without a scheme are returned unchanged.
func URIToPath(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("%w: empty uri", ErrInvalidPlan)
	}
	if !strings.Contains(uri, "://") {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUnsupportedURI, uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q has scheme %q", ErrUnsupportedURI, uri, u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("%w: %q names remote host %q", ErrUnsupportedURI, uri, u.Host)
	}
	if u.Path == "" {
		return "", fmt.Errorf("%w: %q has no path", ErrUnsupportedURI, uri)
	}
	return u.Path, nil
}

// CreatedFiles returns the paths of Create edits in plan order.
func CreatedFiles(ep *EditPlan) []string {
	return pathsOf(ep, EditCreate)
}

// DeletedFiles returns the paths of DeleteFile edits in plan order.
func DeletedFiles(ep *EditPlan) []string {
	return pathsOf(ep, EditDeleteFile)
}

// AffectedFiles returns every distinct path a plan reads or writes: edit
// targets, Move destinations and dependency update targets.
func AffectedFiles(ep *EditPlan) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, e := range ep.Edits {
		add(e.FilePath)
		if e.EditType == EditMove {
			add(e.NewText)
		}
	}
	for _, d := range ep.DependencyUpdates {
		add(d.TargetFile)
	}
	return out
}

// Checksums returns a copy of the plan's checksum map.
func Checksums(p *RefactorPlan) map[string]string {
	out := make(map[string]string, len(p.FileChecksums))
	for k, v := range p.FileChecksums {
		out[k] = v
	}
	return out
}

// Warnings returns the plan's warning messages.
func Warnings(p *RefactorPlan) []string {
	out := make([]string, 0, len(p.Warnings))
	for _, w := range p.Warnings {
		out = append(out, w.Message)
	}
	return out
}

func pathsOf(ep *EditPlan, t EditType) []string {
	var out []string
	for _, e := range ep.Edits {
		if e.EditType == t {
			out = append(out, e.FilePath)
		}
	}
	return out
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
