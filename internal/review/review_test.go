package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParser_Parse(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantID  string
		wantNil bool
	}{
		{
			name:    "reference with URL",
			message: "Fix the thing\n\nDifferential Revision: https://reviews.example.com/D123",
			wantID:  "D123",
		},
		{
			name:    "bare reference",
			message: "Fix the thing\n\nDifferential Revision: D42",
			wantID:  "D42",
		},
		{
			name:    "no reference",
			message: "Fix the thing",
			wantNil: true,
		},
		{
			name:    "reference must start the line",
			message: "see Differential Revision: D1 for context",
			wantNil: true,
		},
		{
			name:    "empty message",
			message: "",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := DefaultParser{}.Parse(tt.message)
			if tt.wantNil {
				assert.Nil(t, ref)
				return
			}
			require.NotNil(t, ref)
			assert.Equal(t, tt.wantID, ref.ID)
		})
	}
}

func TestUpdateTemplate_IsDeterministic(t *testing.T) {
	ref := &Ref{ID: "D7"}
	assert.Equal(t, UpdateTemplate(ref), UpdateTemplate(ref))
	assert.Contains(t, UpdateTemplate(ref), "D7")
}
