// Package filter narrows and reshapes run dumps for "runs show".
//
// A Selection pairs an optional JMESPath filter with an optional query. The query is
// either another JMESPath expression or a $(command) that receives the filtered
// document as JSON on stdin. Expressions are compiled up front so a typo fails before
// any run is loaded.
package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"
)

// QueryShellTimeout bounds a $(command) query
const QueryShellTimeout = 30 * time.Second

// ErrInvalidExpression wraps every compile failure
var ErrInvalidExpression = errors.New("invalid expression")

var shellPattern = regexp.MustCompile(`^\$\((.+)\)$`)

// Selection is a compiled --filter/--query pair
type Selection struct {
	filter *jmespath.JMESPath
	query  *jmespath.JMESPath
	shell  string
}

// Compile validates both expressions. Either may be empty.
func Compile(filterExpr, queryExpr string) (*Selection, error) {
	sel := &Selection{}

	if filterExpr != "" {
		jp, err := jmespath.Compile(filterExpr)
		if err != nil {
			return nil, fmt.Errorf("%w: filter %q: %v", ErrInvalidExpression, filterExpr, err)
		}
		sel.filter = jp
	}

	if queryExpr != "" {
		if m := shellPattern.FindStringSubmatch(queryExpr); len(m) > 1 {
			sel.shell = strings.TrimSpace(m[1])
			if sel.shell == "" {
				return nil, fmt.Errorf("%w: empty shell query", ErrInvalidExpression)
			}
		} else {
			jp, err := jmespath.Compile(queryExpr)
			if err != nil {
				return nil, fmt.Errorf("%w: query %q: %v", ErrInvalidExpression, queryExpr, err)
			}
			sel.query = jp
		}
	}

	return sel, nil
}

// Empty reports whether the selection leaves documents untouched
func (s *Selection) Empty() bool {
	return s.filter == nil && s.query == nil && s.shell == ""
}

// Apply runs the selection over doc, any JSON-encodable value, and returns indented JSON
// or the trimmed output of the shell query.
func (s *Selection) Apply(ctx context.Context, doc any) ([]byte, error) {
	// JMESPath resolves JSON field names, not Go struct fields
	data, err := normalize(doc)
	if err != nil {
		return nil, err
	}

	if s.filter != nil {
		if data, err = s.filter.Search(data); err != nil {
			return nil, fmt.Errorf("failed to apply filter: %w", err)
		}
	}

	if s.shell != "" {
		input, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode document: %w", err)
		}
		return runShell(ctx, s.shell, input)
	}

	if s.query != nil {
		if data, err = s.query.Search(data); err != nil {
			return nil, fmt.Errorf("failed to apply query: %w", err)
		}
	}

	if data == nil {
		return []byte("null"), nil
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return out, nil
}

func normalize(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return data, nil
}

func runShell(ctx context.Context, command string, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := err.Error()
		if stderr.Len() > 0 {
			msg = strings.TrimSpace(stderr.String())
		}
		return nil, fmt.Errorf("query command %q failed: %s", command, msg)
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}
