package recommender

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Selector projects diff records with a JSONPath expression, e.g., "$.item" or "$['query','item']".
type Selector struct {
	query string
	expr  jp.Expr
}

// NewSelector parses a JSONPath expression.
func NewSelector(query string) (*Selector, error) {
	// "$." is the root but jp does not accept it
	if query == "$." {
		query = "$"
	}
	expr, err := jp.ParseString(query)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression %q: %w", query, err)
	}
	return &Selector{query: query, expr: expr}, nil
}

// String returns the expression.
func (s *Selector) String() string { return s.query }

// Select returns the values the expression selects from the message, empty if nothing matches.
func (s *Selector) Select(m Message) ([]any, error) {
	record, err := oj.Parse(m.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s record: %w", m.Collection, err)
	}
	return s.expr.Get(record), nil
}

// SelectJSON is Select with each value encoded as compact JSON.
func (s *Selector) SelectJSON(m Message) ([]string, error) {
	values, err := s.Select(m)
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(values))
	for _, v := range values {
		ret = append(ret, oj.JSON(v))
	}
	return ret, nil
}
