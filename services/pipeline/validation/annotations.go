// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/AleutianAI/pidpipeline/services/pipeline/projects"
)

// Box is one detection in normalized YOLO coordinates.
type Box struct {
	ClassID int
	XCenter float64
	YCenter float64
	Width   float64
	Height  float64
}

// ParseYOLO reads detector output, one box per line:
//
//	class x_center y_center width height [confidence]
//
// Blank lines are skipped.
func ParseYOLO(raw []byte) ([]Box, error) {
	var out []Box
	sc := bufio.NewScanner(bytes.NewReader(raw))
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 5 {
			return nil, fmt.Errorf("line %d: want at least 5 fields, got %d", line, len(fields))
		}
		cls, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: class: %w", line, err)
		}
		var v [4]float64
		for i := range v {
			v[i], err = strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: field %d: %w", line, i+2, err)
			}
		}
		out = append(out, Box{ClassID: cls, XCenter: v[0], YCenter: v[1], Width: v[2], Height: v[3]})
	}
	return out, sc.Err()
}

// FormatYOLO renders boxes one per line with six decimals.
func FormatYOLO(boxes []Box) string {
	lines := make([]string, len(boxes))
	for i, b := range boxes {
		lines[i] = fmt.Sprintf("%d %.6f %.6f %.6f %.6f", b.ClassID, b.XCenter, b.YCenter, b.Width, b.Height)
	}
	return strings.Join(lines, "\n")
}

// YOLOArchive builds the "YOLO 1.1" import archive for one image. Detector
// classes are mapped onto the project's annotation categories, whose
// zero-based position in obj.names is category id minus one.
func YOLOArchive(p *projects.Project, imageName string, boxes []Box) ([]byte, error) {
	classes := p.SortedClasses()
	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = c.Name
	}

	mapped := make([]Box, len(boxes))
	for i, b := range boxes {
		b.ClassID = p.CategoryID(b.ClassID) - 1
		mapped[i] = b
	}
	annotations := FormatYOLO(mapped)
	if annotations != "" {
		annotations += "\n"
	}

	stem := strings.TrimSuffix(imageName, path.Ext(imageName))
	files := []struct{ name, body string }{
		{"obj.data", fmt.Sprintf("classes = %d\ntrain = data/train.txt\nnames = data/obj.names\nbackup = backup/\n", len(names))},
		{"obj.names", strings.Join(names, "\n") + "\n"},
		{"train.txt", "data/obj_train_data/" + imageName + "\n"},
		{"obj_train_data/" + stem + ".txt", annotations},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// COCO is the subset of a COCO 1.0 export the pipeline reads.
type COCO struct {
	Images []struct {
		ID     int    `json:"id"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		File   string `json:"file_name"`
	} `json:"images"`
	Categories []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
	Annotations []struct {
		ID         int        `json:"id"`
		CategoryID int        `json:"category_id"`
		BBox       [4]float64 `json:"bbox"`
	} `json:"annotations"`
}

// Boxes converts absolute COCO boxes of the first image into normalized YOLO
// boxes. Category ids are one-based, YOLO classes zero-based.
func (c *COCO) Boxes() []Box {
	if len(c.Images) == 0 {
		return nil
	}
	w, h := float64(c.Images[0].Width), float64(c.Images[0].Height)
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	out := make([]Box, 0, len(c.Annotations))
	for _, a := range c.Annotations {
		x, y, bw, bh := a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]
		out = append(out, Box{
			ClassID: a.CategoryID - 1,
			XCenter: (x + bw/2) / w,
			YCenter: (y + bh/2) / h,
			Width:   bw / w,
			Height:  bh / h,
		})
	}
	return out
}

var errNoCOCO = errors.New("no COCO json in export archive")

// ReadCOCOArchive finds the first .json file in a COCO export archive and
// returns its raw bytes and parsed form.
func ReadCOCOArchive(archive []byte) ([]byte, *COCO, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, nil, fmt.Errorf("open export archive: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".json") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, nil, err
		}
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		var doc COCO
		if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", f.Name, err)
		}
		return buf.Bytes(), &doc, nil
	}
	return nil, nil, errNoCOCO
}
