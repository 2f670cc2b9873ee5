// Package access implements the access controller (C6): an ordered list
// of rules evaluated against a decoded transaction, each with
// conjunctive terms, a default policy, and a gas-usage term whose
// bookkeeping shares the storage driver's counter infrastructure with
// C7 (spec.md §4.6).
package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/iotaledger/gas-station/internal/config"
	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/metrics"
	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/storage"
)

var logger = log.NewModuleLogger(log.Access)

// Verdict is the access controller's decision for a transaction.
type Verdict int

const (
	Allow Verdict = iota
	Deny
)

// Controller evaluates spec.md §4.6's ordered rule list.
type Controller struct {
	policy  string // disabled | allow-all | deny-all
	rules   []compiledRule
	store   storage.Store
	cache   *sourceCache
	hookCli *http.Client
	metrics *metrics.Collectors
}

// SetMetrics attaches the Prometheus collectors access verdicts are
// reported through; a nil Collectors is a no-op.
func (c *Controller) SetMetrics(m *metrics.Collectors) {
	c.metrics = m
}

type compiledRule struct {
	spec config.RuleSpec
}

// New compiles an AccessControllerConfig into a Controller.
func New(cfg config.AccessControllerConfig, store storage.Store) *Controller {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, compiledRule{spec: r})
	}
	return &Controller{
		policy:  cfg.AccessPolicy,
		rules:   rules,
		store:   store,
		cache:   newSourceCache(store, 5*time.Minute),
		hookCli: &http.Client{Timeout: 5 * time.Second},
	}
}

// Evaluate runs the rule list top-to-bottom, returning the first rule's
// verdict or the default policy if nothing matched (spec.md §4.6).
func (c *Controller) Evaluate(ctx context.Context, tx *Transaction) (Verdict, error) {
	if c.policy == "disabled" {
		return Allow, nil
	}

	for _, rule := range c.rules {
		matched, err := c.matchNonGasTerms(ctx, rule.spec, tx)
		if err != nil {
			return Deny, err
		}
		if !matched {
			continue
		}

		verdict, advance, err := c.resolveAction(ctx, rule.spec, tx)
		if err != nil {
			return Deny, err
		}
		if advance {
			continue // hook returned no-decision
		}

		if verdict == Allow && rule.spec.GasUsage != nil {
			ok, err := c.checkAndReserveGasUsage(ctx, rule.spec, tx)
			if err != nil {
				return Deny, err
			}
			if !ok {
				c.countVerdict(Deny)
				return Deny, nil
			}
		}
		c.countVerdict(verdict)
		return verdict, nil
	}

	verdict := c.defaultVerdict()
	c.countVerdict(verdict)
	return verdict, nil
}

func (c *Controller) countVerdict(v Verdict) {
	if c.metrics == nil {
		return
	}
	label := "allow"
	if v == Deny {
		label = "deny"
	}
	c.metrics.AccessVerdicts.WithLabelValues(label).Inc()
}

func (c *Controller) defaultVerdict() Verdict {
	switch c.policy {
	case "deny-all":
		return Deny
	default: // allow-all and anything unrecognized default to allow
		return Allow
	}
}

// matchNonGasTerms evaluates every term of a rule except gas-usage,
// which is checked last of all per spec.md §4.6.
func (c *Controller) matchNonGasTerms(ctx context.Context, r config.RuleSpec, tx *Transaction) (bool, error) {
	if r.SenderAddress != nil && !matchStringSet(r.SenderAddress, tx.Sender) {
		return false, nil
	}
	if r.GasBudget != nil && !compare(r.GasBudget.Comparator, int64(tx.GasBudget), r.GasBudget.Value) {
		return false, nil
	}
	if r.MoveCallPackageAddr != nil {
		// A tx with no move calls skips this rule: it does not match.
		matched := false
		for _, pkg := range tx.MoveCallPackages {
			if matchStringSet(r.MoveCallPackageAddr, pkg) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	if r.PTBCommandCount != nil {
		// A non-programmable tx skips this rule: it does not match.
		if !tx.IsProgrammable {
			return false, nil
		}
		if !compare(r.PTBCommandCount.Comparator, int64(tx.PTBCommandCount), r.PTBCommandCount.Value) {
			return false, nil
		}
	}
	if r.RegoExpression != nil {
		expr, err := c.cache.Get(ctx, r.RegoExpression.RuleName, r.RegoExpression.Source)
		if err != nil {
			return false, fmt.Errorf("%w: rego source for rule %q: %v", pool.ErrInternal, r.RegoExpression.RuleName, err)
		}
		ok, err := expr.Eval(tx.AsJSON())
		if err != nil {
			return false, fmt.Errorf("%w: evaluating rego rule %q: %v", pool.ErrInternal, r.RegoExpression.RuleName, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// resolveAction dispatches the rule's action: allow/deny directly, or a
// hook URL called last in the rule (spec.md §4.6). advance=true means
// the hook returned no-decision and evaluation should move to the next
// rule.
func (c *Controller) resolveAction(ctx context.Context, r config.RuleSpec, tx *Transaction) (verdict Verdict, advance bool, err error) {
	switch r.Action {
	case "allow":
		return Allow, false, nil
	case "deny":
		return Deny, false, nil
	case "":
		return Deny, false, fmt.Errorf("%w: rule has no action", pool.ErrInternal)
	default:
		return c.callHook(ctx, r.Action, tx)
	}
}

type hookResponse struct {
	Decision string `json:"decision"` // "allow" | "deny" | "no-decision"
}

func (c *Controller) callHook(ctx context.Context, url string, tx *Transaction) (Verdict, bool, error) {
	body, err := json.Marshal(tx.AsJSON())
	if err != nil {
		return Deny, false, fmt.Errorf("%w: encoding hook payload: %v", pool.ErrInternal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Deny, false, fmt.Errorf("%w: building hook request: %v", pool.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hookCli.Do(req)
	if err != nil {
		logger.Warn("hook call failed", "url", url, "err", err)
		return Deny, false, fmt.Errorf("%w: hook call: %v", pool.ErrInternal, err)
	}
	defer resp.Body.Close()

	var out hookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Deny, false, fmt.Errorf("%w: decoding hook response: %v", pool.ErrInternal, err)
	}

	switch out.Decision {
	case "allow":
		return Allow, false, nil
	case "deny":
		return Deny, false, nil
	case "no-decision":
		return Deny, true, nil
	default:
		return Deny, false, fmt.Errorf("%w: hook returned unknown decision %q", pool.ErrInternal, out.Decision)
	}
}

// checkAndReserveGasUsage implements spec.md §4.6's gas-usage bookkeeping:
// the comparator is checked against the counter *before* the rule's own
// increment (incrementing happens later, at finalization, via
// RecordGasUsage), so this only peeks. The counter is compared as it
// stands: no predicted gas for tx is added before the comparison.
func (c *Controller) checkAndReserveGasUsage(ctx context.Context, r config.RuleSpec, tx *Transaction) (bool, error) {
	term := r.GasUsage
	key := gasUsageKey(r, term, tx)
	current, err := c.store.PeekCounter(ctx, key)
	if err != nil {
		return false, err
	}
	return compare(term.Comparator, current, term.Value), nil
}

// RecordGasUsage increments the counter for every gas-usage rule that
// fired for tx, with the gas cost observed at finalization (spec.md
// §4.6, called by the execution coordinator after C5's Submitted ->
// Finalized transition).
func (c *Controller) RecordGasUsage(ctx context.Context, tx *Transaction, gasUsed uint64) error {
	for _, rule := range c.rules {
		if rule.spec.GasUsage == nil {
			continue
		}
		matched, err := c.matchNonGasTerms(ctx, rule.spec, tx)
		if err != nil || !matched {
			continue
		}
		key := gasUsageKey(rule.spec, rule.spec.GasUsage, tx)
		window := time.Duration(rule.spec.GasUsage.WindowSeconds) * time.Second
		if _, err := c.store.AggrIncrementSum(ctx, key, int64(gasUsed), window); err != nil {
			return err
		}
	}
	return nil
}

func gasUsageKey(r config.RuleSpec, term *config.GasUsageTerm, tx *Transaction) string {
	fp := ruleFingerprint(r)
	bucket := "global"
	switch term.CountBy {
	case "sender":
		bucket = tx.Sender
	case "move-call-target":
		if len(tx.MoveCallPackages) > 0 {
			bucket = tx.MoveCallPackages[0]
		}
	}
	return "usage:" + fp + ":" + bucket
}

// ruleFingerprint derives a stable key for a rule from its action and
// term shape — good enough to disambiguate rules in a small, operator
// authored config without requiring them to name rules explicitly.
func ruleFingerprint(r config.RuleSpec) string {
	var h uint64 = 14695981039346656037 // FNV offset basis
	write := func(s string) {
		for _, b := range []byte(s) {
			h ^= uint64(b)
			h *= 1099511628211
		}
	}
	write(r.Action)
	if r.SenderAddress != nil {
		write(fmt.Sprint(r.SenderAddress.Values))
	}
	if r.GasUsage != nil {
		write(r.GasUsage.Comparator + strconv.FormatInt(r.GasUsage.Value, 10) + r.GasUsage.CountBy)
	}
	return strconv.FormatUint(h, 16)
}

func matchStringSet(t *config.StringSetTerm, actual string) bool {
	for _, v := range t.Values {
		if v == "*" || v == actual {
			return true
		}
	}
	return false
}

func compare(comparator string, actual, want int64) bool {
	switch comparator {
	case "=", "==":
		return actual == want
	case "!=":
		return actual != want
	case "<":
		return actual < want
	case "<=":
		return actual <= want
	case ">":
		return actual > want
	case ">=":
		return actual >= want
	default:
		return false
	}
}
