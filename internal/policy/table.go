package policy

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidRule  = errors.New("invalid route rule")
	ErrShadowedRule = errors.New("route rule shadowed by an earlier rule")
)

// Outcome is the kind of answer Resolve gives.
type Outcome int

const (
	NoRuleForPath Outcome = iota
	MethodNotAllowedForPath
	Required
)

func (o Outcome) String() string {
	switch o {
	case Required:
		return "required"
	case MethodNotAllowedForPath:
		return "method-not-allowed"
	}
	return "no-rule"
}

// Rule maps a path pattern to the scope required for each allowed method.
type Rule struct {
	Pattern string            `yaml:"pattern" json:"pattern"`
	Methods map[string]string `yaml:"methods" json:"methods"`
}

// Resolution is the result of looking up one request.
type Resolution struct {
	Outcome Outcome
	Scope   string
	Pattern string
}

// Table is an ordered, immutable list of route rules. The first rule whose
// pattern matches a path decides for that path.
type Table struct {
	rules []Rule
}

// NewTable validates rules and builds a table. A rule that can never be
// reached because an earlier rule matches every path it does is rejected.
func NewTable(rules []Rule) (*Table, error) {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		nr, err := normalizeRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		for j, prev := range out {
			if shadows(prev.Pattern, nr.Pattern) {
				return nil, fmt.Errorf("%w: rule %d %q is covered by rule %d %q; place it earlier",
					ErrShadowedRule, i, nr.Pattern, j, prev.Pattern)
			}
		}
		out = append(out, nr)
	}
	return &Table{rules: out}, nil
}

// MustNewTable is NewTable for static catalogs.
func MustNewTable(rules []Rule) *Table {
	t, err := NewTable(rules)
	if err != nil {
		panic(err)
	}
	return t
}

// Resolve returns the scope required for method on reqPath. Scanning stops
// at the first matching pattern, even when its rule lacks method.
func (t *Table) Resolve(reqPath, method string) Resolution {
	if !isCleanPath(reqPath) {
		return Resolution{Outcome: NoRuleForPath}
	}
	method = strings.ToUpper(method)
	for _, r := range t.rules {
		if !matchPath(r.Pattern, reqPath) {
			continue
		}
		scope, ok := r.Methods[method]
		if !ok {
			return Resolution{Outcome: MethodNotAllowedForPath, Pattern: r.Pattern}
		}
		return Resolution{Outcome: Required, Scope: scope, Pattern: r.Pattern}
	}
	return Resolution{Outcome: NoRuleForPath}
}

// Rules returns a copy of the table's rules in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		m := make(map[string]string, len(r.Methods))
		for k, v := range r.Methods {
			m[k] = v
		}
		out[i] = Rule{Pattern: r.Pattern, Methods: m}
	}
	return out
}

// AllowedMethods returns the sorted methods of the rule deciding reqPath.
func (t *Table) AllowedMethods(reqPath string) []string {
	for _, r := range t.rules {
		if matchPath(r.Pattern, reqPath) {
			methods := make([]string, 0, len(r.Methods))
			for m := range r.Methods {
				methods = append(methods, m)
			}
			sort.Strings(methods)
			return methods
		}
	}
	return nil
}

// Len returns the number of rules.
func (t *Table) Len() int { return len(t.rules) }

func normalizeRule(r Rule) (Rule, error) {
	p := strings.TrimSpace(r.Pattern)
	if !strings.HasPrefix(p, "/") {
		return Rule{}, fmt.Errorf("%w: pattern %q must start with /", ErrInvalidRule, r.Pattern)
	}
	if i := strings.Index(p, "**"); i >= 0 && (i != len(p)-2 || !strings.HasSuffix(p, "/**")) {
		return Rule{}, fmt.Errorf("%w: ** is only allowed as the final segment in %q", ErrInvalidRule, p)
	}
	if _, err := path.Match(strings.TrimSuffix(p, "/**"), ""); err != nil {
		return Rule{}, fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, p, err)
	}
	if len(r.Methods) == 0 {
		return Rule{}, fmt.Errorf("%w: pattern %q has no methods", ErrInvalidRule, p)
	}
	methods := make(map[string]string, len(r.Methods))
	for m, scope := range r.Methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			return Rule{}, fmt.Errorf("%w: empty method in %q", ErrInvalidRule, p)
		}
		if _, dup := methods[m]; dup {
			return Rule{}, fmt.Errorf("%w: method %s listed twice in %q", ErrInvalidRule, m, p)
		}
		resource, action, ok := strings.Cut(strings.TrimSpace(scope), ":")
		if !ok || resource == "" || action == "" {
			return Rule{}, fmt.Errorf("%w: scope %q for %s %q must have the form resource:action", ErrInvalidRule, scope, m, p)
		}
		methods[m] = strings.TrimSpace(scope)
	}
	return Rule{Pattern: p, Methods: methods}, nil
}

// ParseRules decodes an ordered YAML list of rules.
func ParseRules(data []byte) ([]Rule, error) {
	var doc struct {
		Routes []Rule `yaml:"routes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing routes: %w", err)
	}
	return doc.Routes, nil
}

// LoadFile reads a YAML routes file and builds a table from it.
func LoadFile(name string) (*Table, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return NewTable(rules)
}

// DefaultRules is the built-in catalog for the administrative API.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "/api/v1/tokens", Methods: map[string]string{
			http.MethodGet:  "tokens:view",
			http.MethodPost: "tokens:manage",
		}},
		{Pattern: "/api/v1/tokens/*/revoke", Methods: map[string]string{
			http.MethodPost: "tokens:manage",
		}},
		{Pattern: "/api/v1/tokens/*", Methods: map[string]string{
			http.MethodGet: "tokens:view",
		}},
		{Pattern: "/api/v1/audit-log", Methods: map[string]string{
			http.MethodGet: "audit:view",
		}},
		{Pattern: "/api/v1/dashboard", Methods: map[string]string{
			http.MethodGet: "dashboard:view",
		}},
		{Pattern: "/api/v1/billing", Methods: map[string]string{
			http.MethodGet: "billing:view",
		}},
		{Pattern: "/api/v1/company/*/plan", Methods: map[string]string{
			http.MethodGet:   "billing:view",
			http.MethodPatch: "billing:manage",
		}},
		{Pattern: "/api/v1/companies", Methods: map[string]string{
			http.MethodGet:    "companies:view",
			http.MethodPost:   "companies:create",
			http.MethodDelete: "companies:delete",
		}},
		{Pattern: "/api/v1/companies/*", Methods: map[string]string{
			http.MethodGet:    "companies:view",
			http.MethodPut:    "companies:edit",
			http.MethodPatch:  "companies:edit",
			http.MethodDelete: "companies:delete",
		}},
		{Pattern: "/api/v1/users", Methods: map[string]string{
			http.MethodGet:  "users:view",
			http.MethodPost: "users:create",
		}},
		{Pattern: "/api/v1/users/*", Methods: map[string]string{
			http.MethodGet:    "users:view",
			http.MethodPut:    "users:edit",
			http.MethodDelete: "users:delete",
		}},
		{Pattern: "/api/v1/tickets", Methods: map[string]string{
			http.MethodGet:  "tickets:view",
			http.MethodPost: "tickets:create",
		}},
		{Pattern: "/api/v1/tickets/*", Methods: map[string]string{
			http.MethodGet:    "tickets:view",
			http.MethodPatch:  "tickets:edit",
			http.MethodDelete: "tickets:delete",
		}},
		{Pattern: "/api/v1/invoices", Methods: map[string]string{
			http.MethodGet:  "invoices:view",
			http.MethodPost: "invoices:create",
		}},
		{Pattern: "/api/v1/invoices/*", Methods: map[string]string{
			http.MethodGet:   "invoices:view",
			http.MethodPatch: "invoices:edit",
		}},
	}
}

// Default returns a table over DefaultRules.
func Default() *Table {
	return MustNewTable(DefaultRules())
}
