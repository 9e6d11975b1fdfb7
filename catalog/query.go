package catalog

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/incview/incview"
	"github.com/incview/incview/ast"
	"github.com/incview/incview/ivm"
)

// The yaml shape of a query document. Conditions are one-of structs: a
// node sets exactly one of its fields.
type queryYAML struct {
	Table   string             `yaml:"table"`
	Alias   string             `yaml:"alias"`
	Where   *conditionYAML     `yaml:"where"`
	OrderBy []orderYAML        `yaml:"orderBy"`
	Limit   int                `yaml:"limit"`
	Related []relatedQueryYAML `yaml:"related"`
}

type orderYAML struct {
	Field     string `yaml:"field"`
	Direction string `yaml:"direction"`
}

type relatedQueryYAML struct {
	Name        string          `yaml:"name"`
	Correlation correlationYAML `yaml:"correlation"`
	Query       *queryYAML      `yaml:"query"`
}

type correlationYAML struct {
	Parent []string `yaml:"parent"`
	Child  []string `yaml:"child"`
}

type conditionYAML struct {
	Field string      `yaml:"field"`
	Op    string      `yaml:"op"`
	Value interface{} `yaml:"value"`

	And []conditionYAML `yaml:"and"`
	Or  []conditionYAML `yaml:"or"`

	Exists    *subqueryYAML `yaml:"exists"`
	NotExists *subqueryYAML `yaml:"notExists"`
}

type subqueryYAML struct {
	Correlation correlationYAML `yaml:"correlation"`
	Flip        bool            `yaml:"flip"`
	Query       queryYAML       `yaml:",inline"`
}

// ReadQuery reads a yaml query document into the query tree the builder
// compiles.
func ReadQuery(path string) (*ast.Query, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open query file")
	}
	defer file.Close()

	var document queryYAML
	if err := yaml.NewDecoder(file).Decode(&document); err != nil {
		return nil, errors.Wrap(err, "couldn't decode yaml query")
	}
	return buildQuery(&document)
}

func buildQuery(document *queryYAML) (*ast.Query, error) {
	if document.Table == "" {
		return nil, errors.New("query has no table")
	}
	query := &ast.Query{
		Table: document.Table,
		Alias: document.Alias,
		Limit: document.Limit,
	}
	for _, order := range document.OrderBy {
		direction, err := parseDirection(order.Direction)
		if err != nil {
			return nil, err
		}
		query.OrderBy = append(query.OrderBy, ivm.OrderPart{Field: order.Field, Direction: direction})
	}
	if document.Where != nil {
		where, err := buildCondition(document.Where)
		if err != nil {
			return nil, err
		}
		query.Where = where
	}
	for _, related := range document.Related {
		if related.Query == nil {
			return nil, errors.Errorf("related query %q has no query", related.Name)
		}
		child, err := buildQuery(related.Query)
		if err != nil {
			return nil, errors.Wrapf(err, "related query %q", related.Name)
		}
		correlation, err := buildCorrelation(related.Correlation)
		if err != nil {
			return nil, errors.Wrapf(err, "related query %q", related.Name)
		}
		query.Related = append(query.Related, ast.RelatedQuery{
			Name:        related.Name,
			Correlation: correlation,
			Query:       child,
		})
	}
	return query, nil
}

func buildCondition(document *conditionYAML) (*ast.Condition, error) {
	set := 0
	if document.Field != "" {
		set++
	}
	if document.And != nil {
		set++
	}
	if document.Or != nil {
		set++
	}
	if document.Exists != nil {
		set++
	}
	if document.NotExists != nil {
		set++
	}
	if set != 1 {
		return nil, errors.New("condition must set exactly one of: field, and, or, exists, notExists")
	}

	switch {
	case document.Field != "":
		op, err := parseComparisonOp(document.Op)
		if err != nil {
			return nil, errors.Wrapf(err, "condition on field %q", document.Field)
		}
		value, err := yamlValue(document.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "condition on field %q", document.Field)
		}
		return ast.NewSimple(document.Field, op, value), nil

	case document.And != nil:
		operands, err := buildConditions(document.And)
		if err != nil {
			return nil, err
		}
		return ast.NewAnd(operands...), nil

	case document.Or != nil:
		operands, err := buildConditions(document.Or)
		if err != nil {
			return nil, err
		}
		return ast.NewOr(operands...), nil

	case document.Exists != nil:
		return buildSubquery(ast.SubqueryExists, document.Exists)

	default:
		return buildSubquery(ast.SubqueryNotExists, document.NotExists)
	}
}

func buildConditions(documents []conditionYAML) ([]*ast.Condition, error) {
	out := make([]*ast.Condition, len(documents))
	for i := range documents {
		condition, err := buildCondition(&documents[i])
		if err != nil {
			return nil, err
		}
		out[i] = condition
	}
	return out, nil
}

func buildSubquery(subqueryType ast.SubqueryType, document *subqueryYAML) (*ast.Condition, error) {
	child, err := buildQuery(&document.Query)
	if err != nil {
		return nil, errors.Wrap(err, "subquery")
	}
	correlation, err := buildCorrelation(document.Correlation)
	if err != nil {
		return nil, errors.Wrap(err, "subquery")
	}
	condition := ast.NewSubquery(subqueryType, correlation, child)
	condition.Subquery.Flip = document.Flip
	return condition, nil
}

func buildCorrelation(document correlationYAML) (ast.Correlation, error) {
	if len(document.Parent) == 0 || len(document.Parent) != len(document.Child) {
		return ast.Correlation{}, errors.New("correlation needs matching parent and child field lists")
	}
	return ast.Correlation{ParentFields: document.Parent, ChildFields: document.Child}, nil
}

func parseDirection(name string) (ivm.Direction, error) {
	switch name {
	case "", "asc":
		return ivm.Ascending, nil
	case "desc":
		return ivm.Descending, nil
	default:
		return ivm.Ascending, errors.Errorf("unknown sort direction %q", name)
	}
}

func parseComparisonOp(name string) (ivm.ComparisonOp, error) {
	switch name {
	case "", "=", "==":
		return ivm.OpEqual, nil
	case "!=":
		return ivm.OpNotEqual, nil
	case "<":
		return ivm.OpLess, nil
	case "<=":
		return ivm.OpLessOrEqual, nil
	case ">":
		return ivm.OpGreater, nil
	case ">=":
		return ivm.OpGreaterOrEqual, nil
	default:
		return ivm.OpEqual, errors.Errorf("unknown comparison operator %q", name)
	}
}

func yamlValue(raw interface{}) (incview.Value, error) {
	switch typed := raw.(type) {
	case nil:
		return incview.NewNull(), nil
	case int:
		return incview.NewInt(typed), nil
	case float64:
		return incview.NewFloat(typed), nil
	case bool:
		return incview.NewBoolean(typed), nil
	case string:
		return incview.NewString(typed), nil
	default:
		return incview.Value{}, errors.Errorf("unsupported literal %v of type %T", raw, raw)
	}
}
