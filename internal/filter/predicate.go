package filter

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/solana-event-reader/internal/event"
	"github.com/devblac/solana-event-reader/internal/txmeta"
)

// Predicate evaluates whether an event field map satisfies a condition.
type Predicate func(fields map[string]any) bool

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, <, >=, <=, in, contains.
// Examples:
//
//	"amount >= sol(1.5)"
//	"event in Deposit,Withdraw"
//	"memo contains alert"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if field, list, ok := strings.Cut(expr, " in "); ok {
		field = strings.TrimSpace(field)
		values := map[string]struct{}{}
		for _, v := range strings.Split(list, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values[v] = struct{}{}
			}
		}
		if field == "" || len(values) == 0 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		return func(fields map[string]any) bool {
			val, ok := fields[field]
			if !ok {
				return false
			}
			_, hit := values[fmt.Sprint(val)]
			return hit
		}, nil
	}

	if field, needle, ok := strings.Cut(expr, " contains "); ok {
		field = strings.TrimSpace(field)
		needle = strings.TrimSpace(needle)
		if field == "" {
			return nil, fmt.Errorf("invalid contains expression: %s", expr)
		}
		return func(fields map[string]any) bool {
			val, ok := fields[field]
			return ok && strings.Contains(fmt.Sprint(val), needle)
		}, nil
	}

	var op string
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.Contains(expr, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	lhsRaw, rhsRaw, _ := strings.Cut(expr, op)
	field := strings.TrimSpace(lhsRaw)
	rhsRaw = strings.TrimSpace(rhsRaw)
	if field == "" || rhsRaw == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}
	numRHS, rhsIsNum := evaluateNumber(rhsRaw)
	if !rhsIsNum && op != "==" && op != "!=" {
		return nil, fmt.Errorf("operator %s needs a numeric right-hand side: %s", op, expr)
	}

	return func(fields map[string]any) bool {
		val, ok := fields[field]
		if !ok {
			return false
		}
		if rhsIsNum {
			lhs, ok := toNumber(val)
			if !ok {
				return false
			}
			c := lhs.Cmp(numRHS)
			switch op {
			case "==":
				return c == 0
			case "!=":
				return c != 0
			case ">":
				return c > 0
			case "<":
				return c < 0
			case ">=":
				return c >= 0
			case "<=":
				return c <= 0
			}
		}
		lhs := fmt.Sprint(val)
		if op == "==" {
			return lhs == rhsRaw
		}
		return lhs != rhsRaw
	}, nil
}

var lamportsPerSOL = big.NewRat(1_000_000_000, 1)

// evaluateNumber evaluates a numeric expression exactly, supporting:
// - Simple numbers: "100", "1e6", "1_000_000"
// - Helper functions: "sol(1.5)", "lamports(5000)"
// - Multiplication: "1_000 * 1e6"
func evaluateNumber(s string) (*big.Rat, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")

	if a, b, ok := strings.Cut(s, "*"); ok {
		x, ok1 := evaluateNumber(a)
		y, ok2 := evaluateNumber(b)
		if !ok1 || !ok2 {
			return nil, false
		}
		return new(big.Rat).Mul(x, y), true
	}
	if inner, ok := helperArg(s, "sol"); ok {
		v, ok := evaluateNumber(inner)
		if !ok {
			return nil, false
		}
		return v.Mul(v, lamportsPerSOL), true
	}
	if inner, ok := helperArg(s, "lamports"); ok {
		return evaluateNumber(inner)
	}
	return new(big.Rat).SetString(s)
}

func helperArg(s, name string) (string, bool) {
	if strings.HasPrefix(s, name+"(") && strings.HasSuffix(s, ")") {
		return s[len(name)+1 : len(s)-1], true
	}
	return "", false
}

// toNumber accepts integer field values and decimal strings, which is how
// u128 fields are decoded.
func toNumber(v any) (*big.Rat, bool) {
	switch n := v.(type) {
	case bool, nil:
		return nil, false
	case float64:
		r := new(big.Rat).SetFloat64(n)
		return r, r != nil
	case json.Number:
		return new(big.Rat).SetString(n.String())
	default:
		return new(big.Rat).SetString(fmt.Sprint(n))
	}
}

// Filter keeps transactions with at least one recognized event that
// satisfies every predicate. An empty filter keeps everything.
type Filter struct {
	exprs []string
	preds []Predicate
}

// Compile builds a Filter from where expressions.
func Compile(exprs []string) (*Filter, error) {
	preds, err := CompilePredicates(exprs)
	if err != nil {
		return nil, err
	}
	return &Filter{exprs: exprs, preds: preds}, nil
}

// Empty reports whether the filter has no predicates.
func (f *Filter) Empty() bool { return f == nil || len(f.preds) == 0 }

// Match reports whether meta passes the filter.
func (f *Filter) Match(meta *txmeta.TransactionParsedMeta) bool {
	if f.Empty() {
		return true
	}
	for _, ev := range meta.RecognizedEvents() {
		if f.matchFields(Fields(meta, ev)) {
			return true
		}
	}
	return false
}

func (f *Filter) matchFields(fields map[string]any) bool {
	for _, p := range f.preds {
		if !p(fields) {
			return false
		}
	}
	return true
}

// Fields flattens a decoded event into the map predicates evaluate. Event
// values that are not maps are converted through their JSON form. The keys
// event, program, signature and slot are always present.
func Fields(meta *txmeta.TransactionParsedMeta, ev event.DecodedEvent) map[string]any {
	fields := map[string]any{}
	switch v := ev.Value.(type) {
	case map[string]any:
		for k, x := range v {
			fields[k] = x
		}
	case nil:
	default:
		if b, err := json.Marshal(v); err == nil {
			dec := json.NewDecoder(strings.NewReader(string(b)))
			dec.UseNumber()
			_ = dec.Decode(&fields)
		}
	}
	fields["event"] = ev.Name
	fields["program"] = ev.Context.ProgramID
	fields["signature"] = meta.Signature
	fields["slot"] = meta.Slot
	return fields
}
