package filter

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ElapsedMs int64   `json:"elapsedMs"`
	RPS       float64 `json:"rps"`
}

type dump struct {
	Name     string          `json:"name"`
	Report   json.RawMessage `json:"report"`
	Timeline []sample        `json:"timeline"`
}

func testDump() dump {
	return dump{
		Name:   "checkout",
		Report: json.RawMessage(`{"verdict":"good","backends":[{"label":"node-1","count":70},{"label":"node-2","count":30}]}`),
		Timeline: []sample{
			{ElapsedMs: 1000, RPS: 50},
			{ElapsedMs: 2000, RPS: 150},
			{ElapsedMs: 3000, RPS: 120},
		},
	}
}

func apply(t *testing.T, filterExpr, queryExpr string, doc any) string {
	t.Helper()
	sel, err := Compile(filterExpr, queryExpr)
	require.NoError(t, err)
	out, err := sel.Apply(context.Background(), doc)
	require.NoError(t, err)
	return string(out)
}

func TestSelection_QueryUsesJSONFieldNames(t *testing.T) {
	assert.Equal(t, `"good"`, apply(t, "", "report.verdict", testDump()))
	assert.JSONEq(t, `["node-1","node-2"]`, apply(t, "", "report.backends[].label", testDump()))
	assert.Equal(t, `"checkout"`, apply(t, "", "name", testDump()))
}

func TestSelection_FilterThenQuery(t *testing.T) {
	out := apply(t, "timeline[?rps > `100`]", "[].elapsedMs", testDump())
	assert.JSONEq(t, `[2000, 3000]`, out)
}

func TestSelection_NullResult(t *testing.T) {
	assert.Equal(t, "null", apply(t, "", "missing.field", testDump()))
}

func TestSelection_EmptyReturnsWholeDocument(t *testing.T) {
	sel, err := Compile("", "")
	require.NoError(t, err)
	assert.True(t, sel.Empty())

	out, err := sel.Apply(context.Background(), testDump())
	require.NoError(t, err)
	assert.Contains(t, string(out), `"checkout"`)
}

func TestCompile_RejectsInvalidExpressions(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		query  string
	}{
		{"bad query", "", "report.["},
		{"bad filter", "timeline[?", ""},
		{"empty shell", "", "$( )"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.filter, tt.query)
			assert.ErrorIs(t, err, ErrInvalidExpression)
		})
	}
}

func TestSelection_UnencodableDocument(t *testing.T) {
	sel, err := Compile("", "a")
	require.NoError(t, err)
	_, err = sel.Apply(context.Background(), make(chan int))
	assert.Error(t, err)
}

func TestSelection_ShellQuery(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	sel, err := Compile("", "$(wc -c)")
	require.NoError(t, err)
	assert.False(t, sel.Empty())

	out, err := sel.Apply(context.Background(), map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "7", string(out))
}

func TestSelection_ShellQueryFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	sel, err := Compile("", "$(exit 3)")
	require.NoError(t, err)
	_, err = sel.Apply(context.Background(), testDump())
	assert.Error(t, err)
}
