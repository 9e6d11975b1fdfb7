// Package builder compiles a query tree into a wired operator pipeline.
// It walks the tree top down, connects each table's source, and layers
// skip, join, exists, filter, fan-out/fan-in and take stages the way the
// query demands, asking its delegate for sources and operator storage.
package builder

import (
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/incview/incview/ast"
	"github.com/incview/incview/ivm"
	"github.com/incview/incview/optimizer"
)

type Builder struct {
	delegate Delegate
	log      logr.Logger
}

func New(delegate Delegate, log logr.Logger) *Builder {
	return &Builder{delegate: delegate, log: log}
}

// Build compiles the query as written, without reordering.
func (b *Builder) Build(query *ast.Query) (ivm.Input, error) {
	prepared, err := b.prepare(query)
	if err != nil {
		return nil, err
	}
	return b.newBuild().compileQuery(prepared, nil)
}

// BuildOptimized runs one flip pass before compiling. When a flip applies,
// the pipeline is compiled from the reordered tree and topped with the
// recovery stages: original-root rows are extracted back out of the nested
// shape, re-sorted, and get the original pagination and related queries
// reapplied. Only the first marker is resolved per call; queries carrying
// several markers compile with the remaining markers ignored.
func (b *Builder) BuildOptimized(query *ast.Query) (ivm.Input, error) {
	prepared, err := b.prepare(query)
	if err != nil {
		return nil, err
	}
	flipped, pathToRoot, changed := optimizer.FlipExists(prepared)
	if !changed {
		return b.newBuild().compileQuery(prepared, nil)
	}

	c := b.newBuild()
	c.log.V(1).Info("compiling flipped pipeline",
		"root", flipped.EffectiveAlias(), "pathToRoot", pathToRoot)
	input, label, err := c.compileQueryLabeled(flipped, nil)
	if err != nil {
		return nil, err
	}

	rootAlias := prepared.EffectiveAlias()
	extractStore, err := c.delegate.CreateStorage("extract/" + rootAlias)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create extract storage")
	}
	extract := ivm.NewExtractMatchingKeys(input, pathToRoot, extractStore)
	extractLabel := "extract(" + rootAlias + ")"
	input = c.wire(extract, label, extractLabel)
	label = extractLabel

	rootSort := prepared.OrderBy
	if len(rootSort) == 0 {
		rootSort = extract.Schema().DefaultSort()
	} else if err := validateOrder(rootAlias, rootSort, extract.Schema().PrimaryKey); err != nil {
		return nil, err
	}
	sortLabel := "sort(" + rootAlias + ")"
	input = c.wire(ivm.NewSortToRootOrder(input, rootSort), label, sortLabel)
	label = sortLabel

	if prepared.Start != nil {
		skipLabel := "skip(" + rootAlias + ")"
		input = c.wire(ivm.NewSkip(input, *prepared.Start), label, skipLabel)
		label = skipLabel
	}

	return c.finishQuery(input, label, prepared, nil)
}

func (b *Builder) prepare(query *ast.Query) (*ast.Query, error) {
	mapped := b.delegate.MapAST(query)
	if mapped.Table == "" {
		return nil, errors.New("query has no table")
	}
	prepared := mapped.Copy()
	uniquifyAliases(prepared, make(map[string]int))
	return prepared, nil
}

// uniquifyAliases renames repeated table uses once, globally, so the same
// table appearing twice never collides in storage keys or relationship
// names.
func uniquifyAliases(query *ast.Query, counts map[string]int) {
	base := query.EffectiveAlias()
	counts[base]++
	if counts[base] > 1 {
		query.Alias = fmt.Sprintf("%s_%d", base, counts[base])
	}
	uniquifyConditionAliases(query.Where, counts)
	for _, related := range query.Related {
		uniquifyAliases(related.Query, counts)
	}
}

func uniquifyConditionAliases(cond *ast.Condition, counts map[string]int) {
	if cond == nil {
		return
	}
	switch cond.Type {
	case ast.ConditionSimple:
	case ast.ConditionAnd, ast.ConditionOr:
		for _, operand := range cond.Operands {
			uniquifyConditionAliases(operand, counts)
		}
	case ast.ConditionSubquery:
		uniquifyAliases(cond.Subquery.Query, counts)
	default:
		panic("unexhaustive condition type match")
	}
}

// build is the per-invocation state: one pipeline identifier shared by all
// log lines and instrumentation of one compilation.
type build struct {
	delegate Delegate
	log      logr.Logger
}

func (b *Builder) newBuild() *build {
	id := ulid.MustNew(ulid.Now(), rand.Reader)
	return &build{
		delegate: b.delegate,
		log:      b.log.WithValues("pipeline", id.String()),
	}
}

// wire records the edge between two stages and runs the decoration hook.
func (c *build) wire(input ivm.Input, from, to string) ivm.Input {
	c.delegate.AddEdge(from, to)
	return c.delegate.DecorateInput(input, to)
}

func (c *build) compileQuery(query *ast.Query, childKeys []string) (ivm.Input, error) {
	input, _, err := c.compileQueryLabeled(query, childKeys)
	return input, err
}

// compileQueryLabeled builds the pipeline for one query node. childKeys
// are the correlation fields pinning this node to its parent, empty at the
// root; they partition any limit and force edit splitting at the source.
func (c *build) compileQueryLabeled(query *ast.Query, childKeys []string) (ivm.Input, string, error) {
	alias := query.EffectiveAlias()
	if alias == "" {
		return nil, "", errors.New("correlated query is missing a table or alias")
	}

	source, err := c.delegate.GetSource(query.Table)
	if err != nil {
		return nil, "", errors.Wrapf(err, "couldn't resolve table %q", query.Table)
	}
	schema := source.Schema()

	orderBy := query.OrderBy
	if len(orderBy) == 0 {
		orderBy = schema.DefaultSort()
	} else if err := validateOrder(alias, orderBy, schema.PrimaryKey); err != nil {
		return nil, "", err
	}

	filters, residual := splitPushdown(query.Where)
	srcInput, err := source.Connect(orderBy, filters, splitEditKeys(query, childKeys), c.log)
	if err != nil {
		return nil, "", errors.Wrapf(err, "couldn't connect to table %q", query.Table)
	}
	if !srcInput.FullyAppliedFilters() || c.delegate.ApplyFiltersAnyway() {
		// The source won't (or shouldn't be trusted to) filter; the whole
		// tree is applied as pipeline stages instead.
		residual = query.Where
	}

	label := "source(" + alias + ")"
	var input ivm.Input = c.delegate.DecorateSourceInput(srcInput, label)

	if query.Start != nil {
		skipLabel := "skip(" + alias + ")"
		input = c.wire(ivm.NewSkip(input, *query.Start), label, skipLabel)
		label = skipLabel
	}

	input, label, err = c.applyCondition(input, label, alias, residual)
	if err != nil {
		return nil, "", err
	}
	return c.finishQueryLabeled(input, label, query, childKeys)
}

// finishQuery applies the trailing stages shared by the plain and the
// flipped compilation path: the limit window, then the presentation joins.
func (c *build) finishQuery(input ivm.Input, label string, query *ast.Query, childKeys []string) (ivm.Input, error) {
	out, _, err := c.finishQueryLabeled(input, label, query, childKeys)
	return out, err
}

func (c *build) finishQueryLabeled(input ivm.Input, label string, query *ast.Query, childKeys []string) (ivm.Input, string, error) {
	alias := query.EffectiveAlias()
	if query.Limit > 0 {
		store, err := c.delegate.CreateStorage("take/" + alias)
		if err != nil {
			return nil, "", errors.Wrap(err, "couldn't create take storage")
		}
		takeLabel := "take(" + alias + ")"
		input = c.wire(ivm.NewTake(input, query.Limit, childKeys, store), label, takeLabel)
		label = takeLabel
	}

	for _, related := range query.Related {
		if err := validateCorrelation(alias, related.Correlation); err != nil {
			return nil, "", err
		}
		name := related.Name
		if name == "" {
			name = related.Query.EffectiveAlias()
		}
		child, childLabel, err := c.compileQueryLabeled(related.Query, related.Correlation.ChildFields)
		if err != nil {
			return nil, "", err
		}
		store, err := c.delegate.CreateStorage("join/" + alias + "/" + name)
		if err != nil {
			return nil, "", errors.Wrap(err, "couldn't create join storage")
		}
		joinLabel := "join(" + alias + "," + name + ")"
		join := ivm.NewJoin(input, child,
			related.Correlation.ParentFields, related.Correlation.ChildFields,
			name, false, store)
		c.delegate.AddEdge(childLabel, joinLabel)
		input = c.wire(join, label, joinLabel)
		label = joinLabel
	}
	return input, label, nil
}

// applyCondition layers filter stages for one condition tree. Subqueries
// reachable through AND become hidden join + exists pairs; OR branches
// containing subqueries get the fan-out/fan-in treatment, all other OR
// trees collapse into a single row predicate.
func (c *build) applyCondition(input ivm.Input, label, alias string, cond *ast.Condition) (ivm.Input, string, error) {
	if cond == nil {
		return input, label, nil
	}
	switch cond.Type {
	case ast.ConditionSimple:
		filterLabel := "filter(" + alias + ")"
		filter := ivm.NewFilter(input, simplePredicate(cond.Simple))
		c.delegate.AddEdge(label, filterLabel)
		return c.delegate.DecorateFilterInput(filter, filterLabel), filterLabel, nil
	case ast.ConditionAnd:
		var err error
		for _, operand := range cond.Operands {
			input, label, err = c.applyCondition(input, label, alias, operand)
			if err != nil {
				return nil, "", err
			}
		}
		return input, label, nil
	case ast.ConditionSubquery:
		return c.applySubquery(input, label, alias, cond.Subquery)
	case ast.ConditionOr:
		if !containsSubquery(cond) {
			filterLabel := "filter(" + alias + ")"
			filter := ivm.NewFilter(input, conditionPredicate(cond))
			c.delegate.AddEdge(label, filterLabel)
			return c.delegate.DecorateFilterInput(filter, filterLabel), filterLabel, nil
		}
		return c.applyDisjunction(input, label, alias, cond)
	default:
		panic("unexhaustive condition type match")
	}
}

func (c *build) applySubquery(input ivm.Input, label, alias string, sub *ast.SubqueryCondition) (ivm.Input, string, error) {
	childAlias := sub.Query.EffectiveAlias()
	if childAlias == "" {
		return nil, "", errors.Errorf("correlated subquery under %q is missing a table or alias", alias)
	}
	if err := validateCorrelation(alias, sub.Correlation); err != nil {
		return nil, "", err
	}

	child, childLabel, err := c.compileQueryLabeled(sub.Query, sub.Correlation.ChildFields)
	if err != nil {
		return nil, "", err
	}
	joinStore, err := c.delegate.CreateStorage("join/" + alias + "/" + childAlias)
	if err != nil {
		return nil, "", errors.Wrap(err, "couldn't create join storage")
	}
	joinLabel := "join(" + alias + "," + childAlias + ")"
	join := ivm.NewJoin(input, child,
		sub.Correlation.ParentFields, sub.Correlation.ChildFields,
		childAlias, true, joinStore)
	c.delegate.AddEdge(childLabel, joinLabel)
	input = c.wire(join, label, joinLabel)

	existsStore, err := c.delegate.CreateStorage("exists/" + alias + "/" + childAlias)
	if err != nil {
		return nil, "", errors.Wrap(err, "couldn't create exists storage")
	}
	typ := ivm.ExistsTypeExists
	if sub.Type == ast.SubqueryNotExists {
		typ = ivm.ExistsTypeNotExists
	}
	existsLabel := "exists(" + alias + "," + childAlias + ")"
	input = c.wire(ivm.NewExists(input, childAlias, typ, existsStore), joinLabel, existsLabel)
	return input, existsLabel, nil
}

// applyDisjunction compiles an OR containing subqueries: one fan-out
// branch per subquery-bearing operand, all subquery-free operands folded
// into a single predicate branch.
func (c *build) applyDisjunction(input ivm.Input, label, alias string, cond *ast.Condition) (ivm.Input, string, error) {
	fanOutLabel := "fanout(" + alias + ")"
	fanOut := ivm.NewFanOut(input)
	c.delegate.AddEdge(label, fanOutLabel)

	var branches []ivm.Input
	var plain []*ast.Condition
	for _, operand := range cond.Operands {
		if !containsSubquery(operand) {
			plain = append(plain, operand)
			continue
		}
		branch, branchLabel, err := c.applyCondition(fanOut.Branch(), fanOutLabel, alias, operand)
		if err != nil {
			return nil, "", err
		}
		branches = append(branches, branch)
		c.delegate.AddEdge(branchLabel, "fanin("+alias+")")
	}
	if len(plain) > 0 {
		predicate := conditionPredicate(ast.NewOr(plain...))
		filterLabel := "filter(" + alias + ")"
		branch := ivm.NewFilter(fanOut.Branch(), predicate)
		c.delegate.AddEdge(fanOutLabel, filterLabel)
		c.delegate.AddEdge(filterLabel, "fanin("+alias+")")
		branches = append(branches, c.delegate.DecorateFilterInput(branch, filterLabel))
	}

	fanInLabel := "fanin(" + alias + ")"
	fanIn := ivm.NewFanIn(fanOut, branches)
	return c.delegate.DecorateInput(fanIn, fanInLabel), fanInLabel, nil
}

func validateOrder(alias string, orderBy []ivm.OrderPart, primaryKey []string) error {
	for _, field := range primaryKey {
		found := false
		for _, part := range orderBy {
			if part.Field == field {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("ordering for %q must include primary key field %q", alias, field)
		}
	}
	return nil
}

func validateCorrelation(alias string, correlation ast.Correlation) error {
	if len(correlation.ParentFields) == 0 {
		return errors.Errorf("correlation under %q has no fields", alias)
	}
	if len(correlation.ParentFields) != len(correlation.ChildFields) {
		return errors.Errorf("correlation under %q has %d parent fields but %d child fields",
			alias, len(correlation.ParentFields), len(correlation.ChildFields))
	}
	return nil
}

// splitPushdown separates the simple comparisons reachable through AND,
// which a source can apply during its own scans, from the rest of the
// tree.
func splitPushdown(cond *ast.Condition) ([]ivm.FieldComparison, *ast.Condition) {
	if cond == nil {
		return nil, nil
	}
	switch cond.Type {
	case ast.ConditionSimple:
		return []ivm.FieldComparison{{
			Field: cond.Simple.Field,
			Op:    cond.Simple.Op,
			Value: cond.Simple.Value,
		}}, nil
	case ast.ConditionAnd:
		var filters []ivm.FieldComparison
		var rest []*ast.Condition
		for _, operand := range cond.Operands {
			operandFilters, operandRest := splitPushdown(operand)
			filters = append(filters, operandFilters...)
			if operandRest != nil {
				rest = append(rest, operandRest)
			}
		}
		switch len(rest) {
		case 0:
			return filters, nil
		case 1:
			return filters, rest[0]
		default:
			return filters, ast.NewAnd(rest...)
		}
	case ast.ConditionOr, ast.ConditionSubquery:
		return nil, cond
	default:
		panic("unexhaustive condition type match")
	}
}

// splitEditKeys lists the fields whose edits a source must re-express as
// remove+add: ordering fields and every correlation field this node
// participates in, on either side.
func splitEditKeys(query *ast.Query, childKeys []string) []string {
	set := make(map[string]bool)
	for _, part := range query.OrderBy {
		set[part.Field] = true
	}
	for _, field := range childKeys {
		set[field] = true
	}
	collectParentFields(query.Where, set)
	for _, related := range query.Related {
		for _, field := range related.Correlation.ParentFields {
			set[field] = true
		}
	}
	out := make([]string, 0, len(set))
	for field := range set {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

func collectParentFields(cond *ast.Condition, set map[string]bool) {
	if cond == nil {
		return
	}
	switch cond.Type {
	case ast.ConditionSimple:
	case ast.ConditionAnd, ast.ConditionOr:
		for _, operand := range cond.Operands {
			collectParentFields(operand, set)
		}
	case ast.ConditionSubquery:
		for _, field := range cond.Subquery.Correlation.ParentFields {
			set[field] = true
		}
	default:
		panic("unexhaustive condition type match")
	}
}

func containsSubquery(cond *ast.Condition) bool {
	if cond == nil {
		return false
	}
	switch cond.Type {
	case ast.ConditionSimple:
		return false
	case ast.ConditionAnd, ast.ConditionOr:
		for _, operand := range cond.Operands {
			if containsSubquery(operand) {
				return true
			}
		}
		return false
	case ast.ConditionSubquery:
		return true
	default:
		panic("unexhaustive condition type match")
	}
}

func simplePredicate(simple *ast.SimpleCondition) ivm.RowPredicate {
	comparison := ivm.FieldComparison{Field: simple.Field, Op: simple.Op, Value: simple.Value}
	return comparison.Matches
}

// conditionPredicate folds a subquery-free condition tree into one row
// predicate.
func conditionPredicate(cond *ast.Condition) ivm.RowPredicate {
	switch cond.Type {
	case ast.ConditionSimple:
		return simplePredicate(cond.Simple)
	case ast.ConditionAnd:
		operands := operandPredicates(cond.Operands)
		return func(row ivm.Row) bool {
			for _, operand := range operands {
				if !operand(row) {
					return false
				}
			}
			return true
		}
	case ast.ConditionOr:
		operands := operandPredicates(cond.Operands)
		return func(row ivm.Row) bool {
			for _, operand := range operands {
				if operand(row) {
					return true
				}
			}
			return false
		}
	case ast.ConditionSubquery:
		panic("subquery condition has no row predicate")
	default:
		panic("unexhaustive condition type match")
	}
}

func operandPredicates(operands []*ast.Condition) []ivm.RowPredicate {
	out := make([]ivm.RowPredicate, len(operands))
	for i, operand := range operands {
		out[i] = conditionPredicate(operand)
	}
	return out
}
