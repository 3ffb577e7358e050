package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"adpilot/internal/config"
	"adpilot/pkg/adplatform"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常
	BreakerOpen                         // 熔断
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 单个广告账户的熔断器
type CircuitBreaker struct {
	cfg          config.CircuitBreakerConfig
	now          func() time.Time
	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	halfOpenReqs int
}

func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow 检查是否放行；开启状态超过 ResetTimeout 后进入半开
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.halfOpenReqs = 1
		return true
	case BreakerHalfOpen:
		if cb.halfOpenReqs >= cb.cfg.HalfOpenMaxReqs {
			return false
		}
		cb.halfOpenReqs++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.halfOpenReqs = 0
}

func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		cb.halfOpenReqs = 0
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// countsAsFailure 只有平台侧故障计入熔断；配置类错误不计
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, adplatform.ErrUnsupported) && !errors.Is(err, adplatform.ErrNotFound)
}

// BreakerSet keeps one breaker per ad account.
type BreakerSet struct {
	cfg      config.CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[uint]*CircuitBreaker
}

func NewBreakerSet(cfg config.CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[uint]*CircuitBreaker)}
}

func (s *BreakerSet) For(accountID uint) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[accountID]
	if !ok {
		b = NewCircuitBreaker(s.cfg)
		s.breakers[accountID] = b
	}
	return b
}

// Do runs fn through the account's breaker. A disabled set runs fn directly.
func (s *BreakerSet) Do(accountID uint, fn func() error) error {
	if s == nil || !s.cfg.Enabled {
		return fn()
	}
	b := s.For(accountID)
	if !b.Allow() {
		return fmt.Errorf("account %d: %w", accountID, ErrCircuitOpen)
	}
	err := fn()
	if countsAsFailure(err) {
		b.OnFailure()
	} else {
		b.OnSuccess()
	}
	return err
}

// Stats 各账户熔断状态，供运维接口展示
func (s *BreakerSet) Stats() map[uint]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint]string, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.State().String()
	}
	return out
}
