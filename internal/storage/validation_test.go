package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

func TestValidateContext(t *testing.T) {
	tests := []struct {
		ctx     context.Context
		name    string
		wantErr bool
	}{
		{
			name:    "valid context",
			ctx:     context.Background(),
			wantErr: false,
		},
		{
			name:    "nil context",
			ctx:     nil,
			wantErr: true,
		},
		{
			name: "canceled context still valid",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			}(),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateContext(tt.ctx)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateContext() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateString(t *testing.T) {
	tests := []struct {
		name      string
		str       string
		paramName string
		wantErr   bool
	}{
		{
			name:      "valid string",
			str:       "test",
			paramName: "param",
			wantErr:   false,
		},
		{
			name:      "empty string",
			str:       "",
			paramName: "param",
			wantErr:   true,
		},
		{
			name:      "whitespace only",
			str:       "   ",
			paramName: "param",
			wantErr:   true,
		},
		{
			name:      "string with spaces",
			str:       "  test  ",
			paramName: "param",
			wantErr:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateString(tt.str, tt.paramName)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), tt.paramName) {
				t.Errorf("validateString() error should contain param name %s, got %v", tt.paramName, err)
			}
		})
	}
}

func TestValidateFeedback(t *testing.T) {
	yes := true
	tests := []struct {
		fb        *model.Feedback
		name      string
		wantField string
		wantErr   bool
	}{
		{
			name: "valid category feedback",
			fb:   &model.Feedback{Kind: model.FeedbackCategory, Vendor: "shell", Category: "fuel"},
		},
		{
			name: "valid anomaly feedback",
			fb:   &model.Feedback{Kind: model.FeedbackAnomaly, Description: "wire", IsAnomaly: &yes},
		},
		{
			name:    "nil feedback",
			fb:      nil,
			wantErr: true,
		},
		{
			name:      "missing kind",
			fb:        &model.Feedback{Vendor: "shell", Category: "fuel"},
			wantErr:   true,
			wantField: "kind",
		},
		{
			name:      "unknown kind",
			fb:        &model.Feedback{Kind: "mood", Vendor: "shell"},
			wantErr:   true,
			wantField: "kind",
		},
		{
			name:      "category feedback without category",
			fb:        &model.Feedback{Kind: model.FeedbackCategory, Vendor: "shell"},
			wantErr:   true,
			wantField: "category",
		},
		{
			name:      "anomaly feedback without judgment",
			fb:        &model.Feedback{Kind: model.FeedbackAnomaly, Vendor: "shell"},
			wantErr:   true,
			wantField: "isanomaly",
		},
		{
			name:      "no vendor or description",
			fb:        &model.Feedback{Kind: model.FeedbackCategory, Category: "fuel"},
			wantErr:   true,
			wantField: "vendor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFeedback(tt.fb)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.wantField == "" {
				return
			}
			assert.ErrorIs(t, err, ErrInvalidFeedback)
			assert.ErrorIs(t, err, common.ErrValidation)
			var ve *common.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestValidateRun(t *testing.T) {
	now := time.Now()
	tests := []struct {
		run     *model.TrainingRun
		name    string
		wantErr error
	}{
		{
			name: "valid run",
			run:  &model.TrainingRun{ID: "r1", Purpose: "category", StartedAt: now},
		},
		{
			name:    "nil run",
			wantErr: ErrNilParameter,
		},
		{
			name:    "missing id",
			run:     &model.TrainingRun{Purpose: "category", StartedAt: now},
			wantErr: ErrInvalidRun,
		},
		{
			name:    "missing purpose",
			run:     &model.TrainingRun{ID: "r1", StartedAt: now},
			wantErr: ErrInvalidRun,
		},
		{
			name:    "missing start",
			run:     &model.TrainingRun{ID: "r1", Purpose: "category"},
			wantErr: ErrInvalidRun,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRun(tt.run)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
