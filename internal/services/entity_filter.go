package services

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"adpilot/internal/models"

	"github.com/google/cel-go/cel"
)

// EntityFilter 编译并缓存规则的 entity_filter（CEL 布尔表达式）
type EntityFilter struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program // rule id + version -> program
}

func NewEntityFilter() (*EntityFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &EntityFilter{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile type-checks expr and requires a boolean result.
func (f *EntityFilter) Compile(expr string) (cel.Program, error) {
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := f.env.Program(ast, cel.CostLimit(100000))
	if err != nil {
		return nil, err
	}
	return prg, nil
}

func filterKey(rule *models.AutomationRule) string {
	return fmt.Sprintf("%d:%d", rule.ID, rule.UpdatedAt.UnixNano())
}

func (f *EntityFilter) program(rule *models.AutomationRule) (cel.Program, error) {
	key := filterKey(rule)
	f.mu.RLock()
	prg, ok := f.programs[key]
	f.mu.RUnlock()
	if ok {
		return prg, nil
	}
	prg, err := f.Compile(rule.EntityFilter)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.programs[key] = prg
	f.mu.Unlock()
	return prg, nil
}

// Forget drops cached programs of a rule after update or delete.
func (f *EntityFilter) Forget(ruleID uint) {
	prefix := fmt.Sprintf("%d:", ruleID)
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.programs {
		if strings.HasPrefix(k, prefix) {
			delete(f.programs, k)
		}
	}
}

// Match 无表达式时全部命中；非布尔结果视为不命中
func (f *EntityFilter) Match(rule *models.AutomationRule, node *EntityNode) (bool, error) {
	if f == nil || strings.TrimSpace(rule.EntityFilter) == "" {
		return true, nil
	}
	prg, err := f.program(rule)
	if err != nil {
		return false, fmt.Errorf("compile entity_filter: %w", err)
	}
	out, _, err := prg.Eval(map[string]interface{}{"entity": node.Facts()})
	if err != nil {
		return false, fmt.Errorf("evaluate entity_filter: %w", err)
	}
	matched, _ := out.Value().(bool)
	return matched, nil
}

// Facts CEL 可见的实体字段
func (n *EntityNode) Facts() map[string]interface{} {
	budget, _ := n.Entity.DailyBudget.Float64()
	facts := map[string]interface{}{
		"id":          int64(n.Entity.ID),
		"name":        n.Entity.Name,
		"status":      n.Entity.Status,
		"insight":     n.Entity.Insight,
		"type":        n.Entity.Type,
		"budget":      budget,
		"external_id": n.Entity.ExternalID,
		"platform":    n.Account.Platform,
		"adset":       "",
		"campaign":    "",
		"age_days":    int64(time.Since(n.Entity.CreatedAt).Hours() / 24),
	}
	for _, a := range n.Ancestors {
		switch a.Type {
		case models.ScopeAdSet:
			facts["adset"] = a.Name
		case models.ScopeCampaign:
			facts["campaign"] = a.Name
		}
	}
	return facts
}
