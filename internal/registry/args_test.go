package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockbridge/internal/domain"
)

func TestBindNormalizesValues(t *testing.T) {
	e := Entry{
		Name:    "t:op",
		Script:  "1",
		Timeout: time.Second,
		Args: []ArgSpec{
			{Name: "host", Kind: ArgIdentifier},
			{Name: "max", Kind: ArgInt, Optional: true, Min: 1, Max: 100},
			{Name: "mode", Kind: ArgEnum, Enum: []string{"Merge", "Replace"}},
			{Name: "force", Kind: ArgBool, Optional: true},
		},
	}
	vals, err := e.Bind([]any{"WS-01", float64(10), "merge"})
	require.NoError(t, err)
	require.Len(t, vals, 4)
	assert.Equal(t, "WS-01", vals[0].V)
	assert.Equal(t, int64(10), vals[1].V)
	assert.Equal(t, "Merge", vals[2].V)
	assert.Nil(t, vals[3].V)

	vals, err = e.Bind([]any{"WS-01", json.Number("5"), "Replace", true})
	require.NoError(t, err)
	assert.Equal(t, int64(5), vals[1].V)
	assert.Equal(t, true, vals[3].V)
}

func TestBindRejects(t *testing.T) {
	e := Entry{
		Name:    "t:op",
		Script:  "1",
		Timeout: time.Second,
		Args: []ArgSpec{
			{Name: "user", Kind: ArgIdentifier},
			{Name: "max", Kind: ArgInt, Optional: true, Min: 1, Max: 100},
		},
	}
	tests := []struct {
		name string
		args []any
		arg  string
	}{
		{"missing required", nil, "user"},
		{"identifier with quote", []any{"alice'; rm"}, "user"},
		{"identifier empty", []any{""}, "user"},
		{"nul byte", []any{"a\x00b"}, "user"},
		{"not a string", []any{map[string]any{"x": 1}}, "user"},
		{"fractional int", []any{"alice", 1.5}, "max"},
		{"int out of range", []any{"alice", 1000}, "max"},
		{"string for int", []any{"alice", "5"}, "max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Bind(tt.args)
			var ce *domain.CallerError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, domain.ReasonInvalidArgument, ce.Reason)
			assert.Equal(t, tt.arg, ce.Arg)
		})
	}

	_, err := e.Bind([]any{"alice", 1, "extra"})
	assert.ErrorContains(t, err, "at most 2 arguments")
}
