package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	"controlbar-mcp-server/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

//go:embed schema/audit.mg
var auditSchema []byte

// IssuePredicate is the derived predicate Audit reports.
const IssuePredicate = "layout_issue"

// Fact is one ground atom with the time it was observed.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Engine wraps the Mangle deductive database. It keeps a bounded history of
// reconciliation facts and evaluates the layout audit rules.
type Engine struct {
	cfg          config.MangleConfig
	log          *zap.Logger
	mu           sync.RWMutex
	schemaLoaded bool

	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	// facts is the temporal buffer; index maps predicate to buffer positions.
	facts []Fact
	index map[string][]int
}

func NewEngine(cfg config.MangleConfig, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:   cfg,
		log:   log,
		facts: make([]Fact, 0, cfg.FactBufferLimit),
		index: make(map[string][]int),
		store: factstore.NewSimpleInMemoryStore(),
	}
	if !cfg.Enable {
		return e, nil
	}

	source := auditSchema
	if cfg.SchemaPath != "" {
		data, err := os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		source = data
	}
	if err := e.LoadSchema(source); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadSchema parses and analyzes a Mangle program, replacing the current one.
func (e *Engine) LoadSchema(source []byte) error {
	unit, err := parse.Unit(bytes.NewReader(source))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = programInfo
	e.schemaLoaded = true
	return nil
}

// AddFacts appends facts to the temporal buffer and the persistent store,
// then re-evaluates the program.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	baseIdx := len(e.facts)
	e.facts = append(e.facts, facts...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		trim := len(e.facts) - e.cfg.FactBufferLimit
		e.facts = e.facts[trim:]
		e.rebuildIndex()
		// The store mirrors the buffer so trimmed history stops deriving.
		e.store = factstore.NewSimpleInMemoryStore()
		for _, f := range e.facts {
			e.store.Add(factToAtom(f))
		}
	} else {
		for i, f := range facts {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
			e.store.Add(factToAtom(f))
		}
	}

	if e.schemaLoaded {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}
	return nil
}

// Audit evaluates the program over facts alone, in a scratch store, and
// returns the derived layout issues.
func (e *Engine) Audit(ctx context.Context, facts []Fact) ([]Fact, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("engine not ready")
	}

	e.mu.RLock()
	programInfo := e.programInfo
	e.mu.RUnlock()

	store := factstore.NewSimpleInMemoryStore()
	for _, f := range facts {
		store.Add(factToAtom(f))
	}
	if err := engine.EvalProgram(programInfo, store); err != nil {
		return nil, fmt.Errorf("eval audit: %w", err)
	}

	issues, err := derived(programInfo, store, IssuePredicate)
	if err != nil {
		return nil, err
	}
	e.log.Debug("layout audit evaluated", zap.Int("facts", len(facts)), zap.Int("issues", len(issues)))
	return issues, nil
}

// Query returns the bindings of one query atom, e.g. `churn(P)`.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("engine not ready")
	}

	unit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				result[v.Symbol] = convertConstant(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

// Evaluate runs the program over the persistent store and returns the facts
// derived for predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("engine not ready")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}
	return derived(e.programInfo, e.store, predicate)
}

// QueryTemporal returns buffered facts observed strictly between after and
// before. Zero bounds are open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns the buffered facts of one predicate.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(e.facts) {
			results = append(results, e.facts[idx])
		}
	}
	return results
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether the engine can evaluate.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func derived(programInfo *analysis.ProgramInfo, store factstore.FactStore, predicate string) ([]Fact, error) {
	var sym ast.PredicateSym
	found := false
	for s := range programInfo.Decls {
		if s.Symbol == predicate {
			sym, found = s, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("predicate %s not declared", predicate)
	}

	now := time.Now()
	facts := make([]Fact, 0)
	err := store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		args := make([]interface{}, len(atom.Args))
		for i, arg := range atom.Args {
			args[i] = convertConstant(arg)
		}
		facts = append(facts, Fact{Predicate: predicate, Args: args, Timestamp: now})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return facts, nil
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)}, Args: args}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			val, _ := term.StringValue()
			return val
		case ast.NumberType:
			return term.NumValue
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
