package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "no values",
			input:    nil,
			expected: nil,
		},
		{
			name:     "blank value",
			input:    []string{"  ,  , "},
			expected: nil,
		},
		{
			name:     "broker list",
			input:    []string{"kafka-1:9092, kafka-2:9092"},
			expected: []string{"kafka-1:9092", "kafka-2:9092"},
		},
		{
			name:     "repeated query parameters",
			input:    []string{"failure,lockout", "failure"},
			expected: []string{"failure", "lockout"},
		},
		{
			name:     "case is kept",
			input:    []string{"Failure,failure"},
			expected: []string{"Failure", "failure"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input...))
		})
	}
}

func TestSplitListLower(t *testing.T) {
	assert.Equal(t, []string{"failure", "lockout"}, SplitListLower("FAILURE, Lockout", "failure"))
}
