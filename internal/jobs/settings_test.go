package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSettings(t *testing.T) {
	tests := []struct {
		name     string
		pageSize string
		margin   string
		want     Settings
	}{
		{name: "defaults", want: Settings{PageSize: "A4", MarginMM: 15}},
		{name: "letter", pageSize: "Letter", margin: "10", want: Settings{PageSize: "Letter", MarginMM: 10}},
		{name: "legal fractional", pageSize: "Legal", margin: "12.5", want: Settings{PageSize: "Legal", MarginMM: 12.5}},
		{name: "unknown size", pageSize: "B5", margin: "20", want: Settings{PageSize: "A4", MarginMM: 20}},
		{name: "out of range margin", pageSize: "A4", margin: "200", want: Settings{PageSize: "A4", MarginMM: 15}},
		{name: "negative margin", margin: "-1", want: Settings{PageSize: "A4", MarginMM: 15}},
		{name: "non numeric margin", margin: "wide", want: Settings{PageSize: "A4", MarginMM: 15}},
		{name: "NaN margin", margin: "NaN", want: Settings{PageSize: "A4", MarginMM: 15}},
		{name: "bounds inclusive", margin: "50", want: Settings{PageSize: "A4", MarginMM: 50}},
		{name: "zero margin", margin: "0", want: Settings{PageSize: "A4", MarginMM: 0}},
		{name: "whitespace", margin: " 8 ", want: Settings{PageSize: "A4", MarginMM: 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSettings(tt.pageSize, tt.margin))
		})
	}
}

func TestStatusRetryable(t *testing.T) {
	assert.True(t, StatusFailed.Retryable())
	assert.True(t, StatusCompleted.Retryable())
	assert.True(t, StatusCanceled.Retryable())
	assert.False(t, StatusQueued.Retryable())
	assert.False(t, StatusProcessing.Retryable())
}
