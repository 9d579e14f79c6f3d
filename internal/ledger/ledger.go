// Package ledger records every hook the bridge delivers as Mangle facts and
// derives lifecycle violations with Datalog rules.
package ledger

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/sarl/janus-version-1/internal/failure"
	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// rules is the lifecycle contract. Seq is a ledger-wide counter, so it
// orders events of one agent.
const rules = `
Decl hook_invoked(Agent, Hook, Seq).
Decl hook_failed(Agent, Hook, Seq).
Decl terminate_requested(Agent, Seq).
Decl failure_reported(Agent, Stage, Kind).

activated(A) :- hook_invoked(A, /activate, _).
ended(A) :- hook_invoked(A, /end, _).

live_without_activation(A) :- hook_invoked(A, /live, _), !activated(A).
live_before_activation(A) :- hook_invoked(A, /live, L), hook_invoked(A, /activate, S), L < S.
activate_repeated(A) :- hook_invoked(A, /activate, S1), hook_invoked(A, /activate, S2), S1 != S2.
end_repeated(A) :- hook_invoked(A, /end, S1), hook_invoked(A, /end, S2), S1 != S2.
invoked_after_end(A, H) :- hook_invoked(A, /end, E), hook_invoked(A, H, S), E < S.
scheduled_after_bind_failure(A) :- failure_reported(A, /bind, _), hook_invoked(A, _, _).
scheduled_after_load_failure(A) :- failure_reported(A, /load, _), hook_invoked(A, _, _).
`

// violationRules lists the derived predicates that signal a broken
// lifecycle, with their arity.
var violationRules = []ast.PredicateSym{
	{Symbol: "live_without_activation", Arity: 1},
	{Symbol: "live_before_activation", Arity: 1},
	{Symbol: "activate_repeated", Arity: 1},
	{Symbol: "end_repeated", Arity: 1},
	{Symbol: "invoked_after_end", Arity: 2},
	{Symbol: "scheduled_after_bind_failure", Arity: 1},
	{Symbol: "scheduled_after_load_failure", Arity: 1},
}

// Violation is one derived lifecycle violation.
type Violation struct {
	Rule    string
	AgentID string
	Hook    script.Hook // set for invoked_after_end
}

func (v Violation) String() string {
	if v.Hook != "" {
		return fmt.Sprintf("%s(%s, %s)", v.Rule, v.AgentID, v.Hook)
	}
	return fmt.Sprintf("%s(%s)", v.Rule, v.AgentID)
}

// Ledger is an agent.Observer and a failure.Reporter. It is safe for
// concurrent use.
type Ledger struct {
	program *analysis.ProgramInfo

	mu     sync.Mutex
	seq    int64
	facts  []ast.Atom
	counts map[string]map[script.Hook]int
}

// New compiles the lifecycle rules.
func New() (*Ledger, error) {
	unit, err := parse.Unit(bytes.NewReader([]byte(rules)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger rules: %w", err)
	}
	program, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze ledger rules: %w", err)
	}
	return &Ledger{program: program, counts: make(map[string]map[script.Hook]int)}, nil
}

// HookInvoked records that hook was delivered to agentID.
func (l *Ledger) HookInvoked(agentID string, hook script.Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[agentID] == nil {
		l.counts[agentID] = make(map[script.Hook]int)
	}
	l.counts[agentID][hook]++
	l.appendLocked("hook_invoked", ast.String(agentID), nameTerm(string(hook)), l.nextLocked())
}

// HookFailed records a failed hook.
func (l *Ledger) HookFailed(agentID string, hook script.Hook, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked("hook_failed", ast.String(agentID), nameTerm(string(hook)), l.nextLocked())
}

// TerminateRequested records the first terminate request of an agent.
func (l *Ledger) TerminateRequested(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked("terminate_requested", ast.String(agentID), l.nextLocked())
}

// Report records load and bind failures so the ledger can check that a
// failed agent never got scheduled.
func (l *Ledger) Report(f failure.Failure) {
	if f.AgentID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked("failure_reported", ast.String(f.AgentID), nameTerm(string(f.Stage)), nameTerm(string(f.Kind)))
}

// Count returns how many times hook was delivered to agentID.
func (l *Ledger) Count(agentID string, hook script.Hook) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[agentID][hook]
}

// Agents returns the agent IDs seen so far, sorted.
func (l *Ledger) Agents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.counts))
	for id := range l.counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Facts returns the number of recorded base facts.
func (l *Ledger) Facts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.facts)
}

// Violations evaluates the rules over a snapshot of the recorded facts.
// Rules with negation are only sound over a complete snapshot, so every
// call evaluates from scratch.
func (l *Ledger) Violations() ([]Violation, error) {
	timer := logging.StartTimer(logging.CategoryLedger, "ledger evaluation")
	defer timer.Stop()

	l.mu.Lock()
	facts := append([]ast.Atom(nil), l.facts...)
	l.mu.Unlock()

	store := factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore())
	for _, atom := range facts {
		store.Add(atom)
	}
	if _, err := mengine.EvalProgramWithStats(l.program, store); err != nil {
		return nil, fmt.Errorf("ledger evaluation failed: %w", err)
	}

	var out []Violation
	for _, sym := range violationRules {
		err := store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
			v := Violation{Rule: sym.Symbol, AgentID: constantText(atom.Args[0])}
			if len(atom.Args) > 1 {
				v.Hook = script.Hook(trimName(constantText(atom.Args[1])))
			}
			out = append(out, v)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if len(out) > 0 {
		logging.Get(logging.CategoryLedger).Warn("%d lifecycle violations", len(out))
	}
	return out, nil
}

func (l *Ledger) nextLocked() ast.BaseTerm {
	l.seq++
	return ast.Number(l.seq)
}

func (l *Ledger) appendLocked(pred string, args ...ast.BaseTerm) {
	l.facts = append(l.facts, ast.NewAtom(pred, args...))
}

func nameTerm(s string) ast.BaseTerm {
	name, err := ast.Name("/" + s)
	if err != nil {
		return ast.String(s)
	}
	return name
}

func constantText(term ast.BaseTerm) string {
	if c, ok := term.(ast.Constant); ok {
		return c.Symbol
	}
	return term.String()
}

func trimName(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}
