package channel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"transient wrap", Transient(base), true},
		{"permanent wrap", Permanent(base), false},
		{"unclassified defaults to transient", base, true},
		{"wrapped transient", fmt.Errorf("send: %w", Transient(base)), true},
		{"wrapped permanent", fmt.Errorf("send: %w", Permanent(base)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("refused")

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))

	tr := Transient(base)
	assert.ErrorIs(t, tr, base)
	assert.Contains(t, tr.Error(), "transient")

	pe := Permanent(base)
	assert.ErrorIs(t, pe, base)
	assert.Contains(t, pe.Error(), "permanent")
}
