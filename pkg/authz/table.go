// Package authz decides which routes a ClassMarket caller may reach.
//
// Authentication has already happened by the time a request gets here: the
// gate either installed an [auth.Principal] or left the request anonymous.
// A [Table] holds an ordered list of route rules; the first rule whose
// method and path pattern match decides the outcome. An anonymous caller
// on a protected route gets 401, an authenticated caller without one of
// the rule's roles gets 403.
//
// Rules can be written as strings, which is how they appear in
// configuration:
//
//	"* /api/auth/** permitAll"
//	"GET /api/me authenticated"
//	"* /api/admin/** ROLE_ADMIN"
package authz

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/ClassMarket/classmarket-core/pkg/auth"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// Access is what a rule requires of the caller.
type Access string

const (
	PermitAll     Access = "permitAll"
	Authenticated Access = "authenticated"
	HasRole       Access = "hasRole"
	DenyAll       Access = "denyAll"
)

// Rule grants access to requests matching Method and Pattern. An empty or
// "*" Method matches every method. Pattern uses [auth.MatchRoute] syntax.
type Rule struct {
	Method  string
	Pattern string
	Access  Access
	Roles   []models.Role
}

// String renders r in the form accepted by [ParseRule].
func (r Rule) String() string {
	method := r.Method
	if method == "" {
		method = "*"
	}
	access := string(r.Access)
	if r.Access == HasRole {
		roles := make([]string, len(r.Roles))
		for i, role := range r.Roles {
			roles[i] = string(role)
		}
		access = strings.Join(roles, ",")
	}
	return method + " " + r.Pattern + " " + access
}

func (r Rule) matches(method, urlPath string) bool {
	if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return auth.MatchRoute(r.Pattern, urlPath)
}

// ParseRule parses "METHOD PATTERN ACCESS". ACCESS is permitAll,
// authenticated, denyAll, or a comma-separated list of roles.
func ParseRule(s string) (Rule, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return Rule{}, fmt.Errorf("authz: rule %q must have the form \"METHOD PATTERN ACCESS\"", s)
	}
	method, pattern, access := fields[0], fields[1], fields[2]
	if !strings.HasPrefix(pattern, "/") {
		return Rule{}, fmt.Errorf("authz: rule %q: pattern must start with /", s)
	}
	if _, err := path.Match(strings.TrimSuffix(pattern, "/**"), "/"); err != nil {
		return Rule{}, fmt.Errorf("authz: rule %q: bad pattern: %w", s, err)
	}

	r := Rule{Method: strings.ToUpper(method), Pattern: pattern}
	switch Access(access) {
	case PermitAll, Authenticated, DenyAll:
		r.Access = Access(access)
		return r, nil
	}

	r.Access = HasRole
	for _, name := range strings.Split(access, ",") {
		role := models.Role(strings.TrimSpace(name))
		if !role.Valid() {
			return Rule{}, fmt.Errorf("authz: rule %q: unknown role or access %q", s, name)
		}
		r.Roles = append(r.Roles, role)
	}
	return r, nil
}

// ParseRules parses every string with [ParseRule].
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// DefaultRules are the ClassMarket route rules. Public routes mirror
// [auth.DefaultPublicRoutes]; everything under /api needs a login and the
// admin area needs ROLE_ADMIN.
func DefaultRules() []Rule {
	rules := make([]Rule, 0, len(auth.DefaultPublicRoutes)+3)
	for _, p := range auth.DefaultPublicRoutes {
		rules = append(rules, Rule{Method: "*", Pattern: p, Access: PermitAll})
	}
	rules = append(rules,
		Rule{Method: "*", Pattern: "/api/admin/**", Access: HasRole, Roles: []models.Role{models.RoleAdmin}},
		Rule{Method: "*", Pattern: "/api/**", Access: Authenticated},
	)
	return rules
}

// Decision is the outcome of evaluating a request.
type Decision struct {
	Allowed bool

	// Err is set when Allowed is false: Unauthorized for anonymous
	// callers, Forbidden otherwise.
	Err *cmerr.Error

	// Rule is the rule that matched, or nil when the fallback applied.
	Rule *Rule
}

// Table evaluates rules in order. Requests matching no rule require an
// authenticated caller.
type Table struct {
	rules  []Rule
	logger *slog.Logger
}

// Option configures a [Table].
type Option func(*Table)

// WithLogger sets the logger used for denials.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTable returns a table over rules. Nil rules mean DefaultRules.
func NewTable(rules []Rule, opts ...Option) (*Table, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	for _, r := range rules {
		if r.Pattern == "" {
			return nil, cmerr.New(cmerr.CodeValidation, "authz: rule pattern must not be empty")
		}
		if r.Access == HasRole && len(r.Roles) == 0 {
			return nil, cmerr.Newf(cmerr.CodeValidation, "authz: rule %s requires at least one role", r.Pattern)
		}
	}
	t := &Table{rules: append([]Rule(nil), rules...), logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Decide evaluates a request by method, path and the caller's principal,
// which is nil for anonymous requests.
func (t *Table) Decide(method, urlPath string, p *auth.Principal) Decision {
	clean := path.Clean("/" + urlPath)
	for i := range t.rules {
		r := &t.rules[i]
		if r.matches(method, clean) {
			return decide(r, p)
		}
	}
	return decide(nil, p)
}

func decide(r *Rule, p *auth.Principal) Decision {
	access := Authenticated
	if r != nil {
		access = r.Access
	}

	switch access {
	case PermitAll:
		return Decision{Allowed: true, Rule: r}
	case DenyAll:
		return Decision{Err: cmerr.Forbidden("access denied"), Rule: r}
	}

	if p == nil {
		return Decision{Err: cmerr.Unauthorized("authentication required"), Rule: r}
	}
	if access == HasRole && !p.HasAnyRole(r.Roles...) {
		return Decision{
			Err:  cmerr.New(cmerr.CodeAuthorizationRole, "insufficient role"),
			Rule: r,
		}
	}
	return Decision{Allowed: true, Rule: r}
}

// Middleware enforces the table. It must run after the gate.
func (t *Table) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFromContext(r.Context())
		d := t.Decide(r.Method, r.URL.Path, p)
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"code", d.Err.Code.String(),
		}
		if d.Rule != nil {
			attrs = append(attrs, "rule", d.Rule.String())
		}
		if p != nil {
			attrs = append(attrs, "user_id", p.UserID)
		}
		t.logger.InfoContext(r.Context(), "authz: request denied", attrs...)
		cmerr.WriteHTTP(w, d.Err)
	})
}
