package services

import (
	"context"
	"fmt"
	"sort"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EntityNode 层级中的实体及其账户、祖先（由近及远）
type EntityNode struct {
	Entity    models.AdEntity
	Account   models.AdAccount
	Ancestors []models.AdEntity
}

// Hierarchy is a tenant's ad tree restricted to active accounts.
type Hierarchy struct {
	nodes    map[uint]*EntityNode
	children map[uint][]uint
	roots    []uint
	cycles   []uint
}

// EntityService 加载租户的广告层级
type EntityService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewEntityService(db *gorm.DB, logger *logrus.Logger) *EntityService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EntityService{db: db, logger: logger}
}

// LoadHierarchy 读取租户活跃账户下未归档的实体并建树
func (s *EntityService) LoadHierarchy(ctx context.Context, tenantID uint) (*Hierarchy, error) {
	var accounts []models.AdAccount
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("load ad accounts: %w", err)
	}
	if len(accounts) == 0 {
		return buildHierarchy(nil, nil), nil
	}
	accountIDs := make([]uint, 0, len(accounts))
	for _, a := range accounts {
		accountIDs = append(accountIDs, a.ID)
	}

	var entities []models.AdEntity
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND account_id IN ? AND status <> ?", tenantID, accountIDs, models.EntityStatusArchived).
		Order("id ASC").
		Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("load ad entities: %w", err)
	}

	h := buildHierarchy(accounts, entities)
	if len(h.cycles) > 0 {
		s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "entities": h.cycles}).
			Warn("ad hierarchy contains a cycle; affected entities are skipped")
	}
	return h, nil
}

func buildHierarchy(accounts []models.AdAccount, entities []models.AdEntity) *Hierarchy {
	h := &Hierarchy{
		nodes:    make(map[uint]*EntityNode, len(entities)),
		children: make(map[uint][]uint),
	}
	byAccount := make(map[uint]models.AdAccount, len(accounts))
	for _, a := range accounts {
		if !a.IsActive() {
			continue
		}
		byAccount[a.ID] = a
	}
	for _, e := range entities {
		acct, ok := byAccount[e.AccountID]
		if !ok {
			continue
		}
		h.nodes[e.ID] = &EntityNode{Entity: e, Account: acct}
	}
	for id, n := range h.nodes {
		if n.Entity.ParentID == nil {
			h.roots = append(h.roots, id)
			continue
		}
		// 父节点不存在（已归档或不在活跃账户）时子树不参与评估
		if _, ok := h.nodes[*n.Entity.ParentID]; ok {
			h.children[*n.Entity.ParentID] = append(h.children[*n.Entity.ParentID], id)
		}
	}
	sort.Slice(h.roots, func(i, j int) bool { return h.roots[i] < h.roots[j] })
	for k := range h.children {
		ids := h.children[k]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	h.resolveAncestors()
	return h
}

// resolveAncestors 自底向上的迭代遍历，visited 集合检测环
func (h *Hierarchy) resolveAncestors() {
	for id, n := range h.nodes {
		visited := map[uint]bool{id: true}
		cur := n.Entity.ParentID
		for cur != nil {
			if visited[*cur] {
				h.cycles = append(h.cycles, id)
				n.Ancestors = nil
				break
			}
			visited[*cur] = true
			p, ok := h.nodes[*cur]
			if !ok {
				break
			}
			n.Ancestors = append(n.Ancestors, p.Entity)
			cur = p.Entity.ParentID
		}
	}
	sort.Slice(h.cycles, func(i, j int) bool { return h.cycles[i] < h.cycles[j] })
}

// InScope walks the tree breadth-first from the roots and returns nodes of the given type.
func (h *Hierarchy) InScope(scope string) []*EntityNode {
	var out []*EntityNode
	visited := make(map[uint]bool, len(h.nodes))
	queue := append([]uint(nil), h.roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		n := h.nodes[id]
		if n.Entity.Type == scope {
			out = append(out, n)
		}
		queue = append(queue, h.children[id]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity.ID < out[j].Entity.ID })
	return out
}

// Nodes 所有可从根节点到达的实体
func (h *Hierarchy) Nodes() []*EntityNode {
	var out []*EntityNode
	for _, scope := range []string{models.ScopeCampaign, models.ScopeAdSet, models.ScopeAd} {
		out = append(out, h.InScope(scope)...)
	}
	return out
}

func (h *Hierarchy) Node(id uint) (*EntityNode, bool) {
	n, ok := h.nodes[id]
	return n, ok
}

func (h *Hierarchy) Cycles() []uint {
	return h.cycles
}

// LoadNode 加载单个实体（审批执行时使用）
func (s *EntityService) LoadNode(ctx context.Context, tenantID, entityID uint) (*EntityNode, error) {
	var e models.AdEntity
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, entityID).First(&e).Error; err != nil {
		return nil, fmt.Errorf("load entity %d: %w", entityID, err)
	}
	var acct models.AdAccount
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, e.AccountID).First(&acct).Error; err != nil {
		return nil, fmt.Errorf("load account %d: %w", e.AccountID, err)
	}
	return &EntityNode{Entity: e, Account: acct}, nil
}
