// Package statemachine holds the pure transition logic for orders and mandates.
// No I/O happens here; the ledgers call Transition under their single-writer guarantee.
package statemachine

import (
	"fmt"

	"github.com/sparrowinvest/mfengine/internal/contracts"
)

// Effect is a side effect the caller must perform for an accepted transition
type Effect string

const (
	EffectAppendRecord Effect = "append-record"
	EffectNotify       Effect = "notify"
)

// Snapshot is the part of an entity the machine looks at
type Snapshot struct {
	Entity    contracts.EntityType
	ID        string
	State     contracts.State
	LastEvent contracts.EventKind
}

// Outcome is the result of an accepted (or idempotently ignored) event
type Outcome struct {
	From    contracts.State
	To      contracts.State
	Event   contracts.EventKind
	NoOp    bool
	Effects []Effect
}

// Has reports whether the outcome carries effect e
func (o Outcome) Has(e Effect) bool {
	for _, x := range o.Effects {
		if x == e {
			return true
		}
	}
	return false
}

// Table is one entity's transition table
// ⭐ SSOT: 전이 규칙은 이 테이블에서만 (자유 로직 금지)
type Table struct {
	entity   contracts.EntityType
	initial  contracts.State
	states   []contracts.State
	terminal map[contracts.State]bool
	// rank on the success pipeline; states absent here are off-pipeline (terminal failures)
	pipeline map[contracts.State]int
	// event -> from -> allowed targets (first is the default)
	rules    map[contracts.EventKind]map[contracts.State][]contracts.State
	defaults map[contracts.EventKind]contracts.State
	notify   map[contracts.State]bool
}

// For returns the table for an entity type
func For(entity contracts.EntityType) *Table {
	if entity == contracts.EntityMandate {
		return Mandates
	}
	return Orders
}

// Entity returns the entity type this table governs
func (t *Table) Entity() contracts.EntityType { return t.entity }

// Initial is the state a freshly created entity starts in
func (t *Table) Initial() contracts.State { return t.initial }

// States lists every state in pipeline order followed by terminal failures
func (t *Table) States() []contracts.State {
	return append([]contracts.State(nil), t.states...)
}

// IsTerminal reports whether s is terminal
func (t *Table) IsTerminal(s contracts.State) bool { return t.terminal[s] }

// Notifies reports whether entering s schedules a notification
func (t *Table) Notifies(s contracts.State) bool { return t.notify[s] }

// NotifiableStates lists the states that schedule a notification
func (t *Table) NotifiableStates() []contracts.State {
	var out []contracts.State
	for _, s := range t.states {
		if t.notify[s] {
			out = append(out, s)
		}
	}
	return out
}

// CanCancel reports whether a local cancel request is accepted from s
func (t *Table) CanCancel(s contracts.State) bool {
	_, ok := t.rules[contracts.EventLocalCancel][s]
	return ok
}

// Allowed reports whether the table has the edge from --ev--> to
func (t *Table) Allowed(from contracts.State, ev contracts.EventKind, to contracts.State) bool {
	return contains(t.rules[ev][from], to)
}

func contains(list []contracts.State, s contracts.State) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Rank returns the pipeline rank of s and whether s is on the pipeline
func (t *Table) Rank(s contracts.State) (int, bool) {
	r, ok := t.pipeline[s]
	return r, ok
}

// Bridge returns the shortest walk of forward pipeline edges from "from" to
// "to", excluding from. kind names the event used for each hop. nil when to
// is not ahead of from or no walk exists.
func (t *Table) Bridge(from, to contracts.State, kind func(from, to contracts.State) contracts.EventKind) []contracts.State {
	start, fromOK := t.pipeline[from]
	end, toOK := t.pipeline[to]
	if !fromOK || !toOK || end <= start || t.terminal[from] {
		return nil
	}

	// BFS, pipeline 순서로 탐색해 결과가 결정적
	prev := map[contracts.State]contracts.State{from: ""}
	queue := []contracts.State{from}
	for len(queue) > 0 && queue[0] != to {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range t.states {
			r, on := t.pipeline[next]
			if !on || r <= t.pipeline[cur] || r > end {
				continue
			}
			if _, seen := prev[next]; seen {
				continue
			}
			if !t.Allowed(cur, kind(cur, next), next) {
				continue
			}
			prev[next] = cur
			queue = append(queue, next)
		}
	}

	if _, ok := prev[to]; !ok {
		return nil
	}
	var path []contracts.State
	for s := to; s != from; s = prev[s] {
		path = append([]contracts.State{s}, path...)
	}
	return path
}

// Transition decides the outcome of ev against the snapshot.
// Rejections are *contracts.TransitionError values; a duplicate of the last
// recorded event is a NoOp outcome, not an error.
func (t *Table) Transition(s Snapshot, ev contracts.Event) (Outcome, error) {
	reject := func(err error) (Outcome, error) {
		return Outcome{}, &contracts.TransitionError{
			Entity: t.entity, ID: s.ID, From: s.State, Event: ev.Kind, Err: err,
		}
	}
	noop := Outcome{From: s.State, To: s.State, Event: ev.Kind, NoOp: true}

	// 1. 멱등 재생
	if ev.Kind == s.LastEvent && (ev.Target == "" || ev.Target == s.State) {
		return noop, nil
	}

	targets, hasRule := t.rules[ev.Kind][s.State]

	// 2. 종결 상태 흡수
	if t.terminal[s.State] && !hasRule {
		return reject(contracts.ErrAlreadyTerminal)
	}

	// 3. 취소 가능 구간
	if ev.Kind == contracts.EventLocalCancel && !hasRule {
		return reject(contracts.ErrCancellationWindowClosed)
	}

	// 4. 테이블 조회
	// gateway-status-update has no default; the gateway must name the state
	target := ev.Target
	if target == "" {
		target = t.defaults[ev.Kind]
	}
	if hasRule && contains(targets, target) {
		effects := []Effect{EffectAppendRecord}
		if t.notify[target] {
			effects = append(effects, EffectNotify)
		}
		return Outcome{From: s.State, To: target, Event: ev.Kind, Effects: effects}, nil
	}

	if t.terminal[s.State] {
		return reject(contracts.ErrAlreadyTerminal)
	}

	// 5. 파이프라인 단조성: 같은 단계는 no-op, 이전 단계는 stale
	cur, curOK := t.pipeline[s.State]
	tgt, tgtOK := t.pipeline[target]
	if target != "" && curOK && tgtOK {
		switch {
		case tgt == cur:
			return noop, nil
		case tgt < cur:
			return reject(contracts.ErrStaleEvent)
		}
	}

	return reject(contracts.ErrInvalidTransition)
}

// ValidatePath checks that history is a legal walk through the table,
// starting with the creation record.
func (t *Table) ValidatePath(history []contracts.Transition) error {
	if len(history) == 0 {
		return fmt.Errorf("empty history")
	}
	first := history[0]
	if first.From != "" || first.To != t.initial || first.Event != contracts.EventCreated {
		return fmt.Errorf("history must start with %s -> %s, got %s -> %s (%s)",
			contracts.EventCreated, t.initial, first.From, first.To, first.Event)
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if cur.From != prev.To {
			return fmt.Errorf("record %d: from %s does not follow %s", i, cur.From, prev.To)
		}
		if cur.Seq <= prev.Seq {
			return fmt.Errorf("record %d: sequence %d not increasing", i, cur.Seq)
		}
		if !t.Allowed(cur.From, cur.Event, cur.To) {
			return fmt.Errorf("record %d: illegal %s -> %s on %s", i, cur.From, cur.To, cur.Event)
		}
	}
	return nil
}

// builder helpers

type edge struct {
	ev      contracts.EventKind
	from    []contracts.State
	targets []contracts.State
}

func on(ev contracts.EventKind, from []contracts.State, targets ...contracts.State) edge {
	return edge{ev: ev, from: from, targets: targets}
}

func states(s ...contracts.State) []contracts.State { return s }

func build(t *Table, edges []edge) *Table {
	t.rules = make(map[contracts.EventKind]map[contracts.State][]contracts.State)
	for _, e := range edges {
		if t.rules[e.ev] == nil {
			t.rules[e.ev] = make(map[contracts.State][]contracts.State)
		}
		for _, from := range e.from {
			t.rules[e.ev][from] = append(t.rules[e.ev][from], e.targets...)
		}
	}
	return t
}

func set(s ...contracts.State) map[contracts.State]bool {
	m := make(map[contracts.State]bool, len(s))
	for _, x := range s {
		m[x] = true
	}
	return m
}

func ranks(s ...contracts.State) map[contracts.State]int {
	m := make(map[contracts.State]int, len(s))
	for i, x := range s {
		m[x] = i
	}
	return m
}
