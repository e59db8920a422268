package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = Sentinel("sentinel failure")

func TestWrapKeepsChain(t *testing.T) {
	err := Wrapf(errSentinel, "setting %d values", 3)
	require.NotNil(t, err)

	assert.True(t, Is(err, errSentinel))
	assert.Equal(t, "setting 3 values: sentinel failure", err.Error())
	assert.NotEmpty(t, err.StackTrace())

	outer := fmt.Errorf("outer: %w", err)
	assert.True(t, Is(outer, errSentinel))

	var typed *Error
	require.True(t, As(outer, &typed))
	assert.Equal(t, errSentinel, typed.Unwrap())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "nothing"))
	assert.Nil(t, Wrapf(nil, "nothing %d", 1))
}

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  New("bad patch"),
			want: "bad patch",
		},
		{
			name: "with operation and component",
			err:  New("bad patch").WithOperation("SetPatch").WithComponent("patch"),
			want: "bad patch: operation=SetPatch, component=patch",
		},
		{
			name: "formatted",
			err:  Errorf("index %d", 7),
			want: "index 7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestAsNilTarget(t *testing.T) {
	assert.False(t, As(nil, nil))
	assert.False(t, As(errSentinel, nil))
}
