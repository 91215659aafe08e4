// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package faults

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"explicit transient", Transient("ml", errors.New("503")), KindTransient},
		{"explicit input invalid", InputInvalid("coco", errors.New("no images")), KindInputInvalid},
		{"explicit internal", Internal("finalize", errors.New("bad state")), KindInternal},
		{"wrapped twice", fmt.Errorf("run: %w", InputInvalid("x", errors.New("y"))), KindInputInvalid},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransient},
		{"net timeout", timeoutErr{}, KindTransient},
		{"missing file", fmt.Errorf("open: %w", os.ErrNotExist), KindInputInvalid},
		{"unclassified", errors.New("something odd"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "internal error during segment",
		UserMessage("segment", Internal("finalize", errors.New("nil pointer in graph builder"))))
	assert.Equal(t, "no annotations exported",
		UserMessage("validate_bbox", InputInvalid("cvat.export", errors.New("no annotations exported"))))
	assert.Equal(t, "connection refused", UserMessage("detect", errors.New("connection refused")))
	assert.Empty(t, UserMessage("detect", nil))
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.False(t, KindInputInvalid.Retryable())
	assert.False(t, KindInternal.Retryable())
}
