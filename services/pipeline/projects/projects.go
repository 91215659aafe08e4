// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package projects loads per-project pipeline configuration.
//
// # Description
//
// A project decides which detector weights and class taxonomy apply to its
// diagrams. Each project is one YAML file named after its code:
//
//	project:
//	  code: thermohydraulics
//	  name: Thermohydraulics
//	cvat:
//	  project_name: "P&ID Thermohydraulics"
//	classes:
//	  - {id: 1, name: valve}
//	yolo:
//	  weights: models/thermo.pt
//	  num_classes: 36
//	  confidence: 0.8
//	  class_mapping: {0: 1}
//
// Loader caches parsed files, collapses concurrent loads of the same code
// and drops its cache when the directory changes on disk.
package projects

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
)

// ErrNotFound is returned for an unknown project code.
var ErrNotFound = errors.New("project not found")

const (
	defaultNumClasses = 36
	defaultConfidence = 0.8
)

// Class is one detection category as the annotation tool numbers it.
type Class struct {
	ID   int    `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// YOLO configures the detector for a project.
type YOLO struct {
	Weights    string  `json:"weights"`
	NumClasses int     `json:"num_classes"`
	Confidence float64 `json:"confidence"`
	// ClassMapping maps detector class ids to annotation category ids.
	ClassMapping map[int]int `json:"class_mapping,omitempty"`
}

// Project is a parsed project configuration.
type Project struct {
	Code            string  `json:"code"`
	Name            string  `json:"name"`
	CVATProjectName string  `json:"cvat_project_name"`
	Classes         []Class `json:"classes"`
	YOLO            YOLO    `json:"yolo"`
	ConfigPath      string  `json:"config_path"`
}

// CategoryID maps a detector class id to an annotation category id.
// Unmapped classes are shifted by one because annotation ids start at 1.
func (p *Project) CategoryID(yoloClass int) int {
	if id, ok := p.YOLO.ClassMapping[yoloClass]; ok {
		return id
	}
	return yoloClass + 1
}

// ClassName returns the name of an annotation category.
func (p *Project) ClassName(categoryID int) (string, bool) {
	for _, c := range p.Classes {
		if c.ID == categoryID {
			return c.Name, true
		}
	}
	return "", false
}

// Params returns the settings passed to stage collaborators.
func (p *Project) Params() map[string]any {
	params := map[string]any{
		"project_code": p.Code,
		"weights":      p.YOLO.Weights,
		"num_classes":  p.YOLO.NumClasses,
		"confidence":   p.YOLO.Confidence,
	}
	if len(p.YOLO.ClassMapping) > 0 {
		m := make(map[string]int, len(p.YOLO.ClassMapping))
		for k, v := range p.YOLO.ClassMapping {
			m[fmt.Sprint(k)] = v
		}
		params["class_mapping"] = m
	}
	return params
}

type projectFile struct {
	Project struct {
		Code string `yaml:"code"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	CVAT struct {
		ProjectName string `yaml:"project_name"`
	} `yaml:"cvat"`
	Classes []Class `yaml:"classes"`
	YOLO    struct {
		Weights      string      `yaml:"weights"`
		NumClasses   *int        `yaml:"num_classes"`
		Confidence   *float64    `yaml:"confidence"`
		ClassMapping map[int]int `yaml:"class_mapping"`
	} `yaml:"yolo"`
}

// ParseFile reads and validates one project file. Missing code and name
// default to the file name without extension.
func ParseFile(path string) (*Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw, path)
}

// Parse decodes a project document. path only names the source.
func Parse(raw []byte, path string) (*Project, error) {
	var f projectFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse project %s: %w", path, err)
	}

	stem := stemOf(path)
	p := &Project{
		Code:            f.Project.Code,
		Name:            f.Project.Name,
		CVATProjectName: f.CVAT.ProjectName,
		Classes:         f.Classes,
		ConfigPath:      path,
		YOLO: YOLO{
			Weights:      f.YOLO.Weights,
			NumClasses:   defaultNumClasses,
			Confidence:   defaultConfidence,
			ClassMapping: f.YOLO.ClassMapping,
		},
	}
	if p.Code == "" {
		p.Code = stem
	}
	if p.Name == "" {
		p.Name = stem
	}
	if p.CVATProjectName == "" {
		p.CVATProjectName = "P&ID " + p.Name
	}
	if f.YOLO.NumClasses != nil {
		p.YOLO.NumClasses = *f.YOLO.NumClasses
	}
	if f.YOLO.Confidence != nil {
		p.YOLO.Confidence = *f.YOLO.Confidence
	}

	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("project %s: %w", path, err)
	}
	return p, nil
}

func (p *Project) validate() error {
	if err := datatypes.ValidateProjectCode(p.Code); err != nil {
		return err
	}
	if p.YOLO.NumClasses <= 0 {
		return fmt.Errorf("yolo.num_classes must be positive, got %d", p.YOLO.NumClasses)
	}
	if p.YOLO.Confidence <= 0 || p.YOLO.Confidence > 1 {
		return fmt.Errorf("yolo.confidence must be in (0, 1], got %v", p.YOLO.Confidence)
	}
	seen := make(map[int]bool, len(p.Classes))
	for _, c := range p.Classes {
		if c.Name == "" {
			return fmt.Errorf("class %d has no name", c.ID)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate class id %d", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// SortedClasses returns the classes ordered by id.
func (p *Project) SortedClasses() []Class {
	out := append([]Class(nil), p.Classes...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
