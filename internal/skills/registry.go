// Package skills maintains the capability index agents advertise through
// REGISTER_SKILLS and the search used for provider discovery.
package skills

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentchat/relay/internal/protocol"
)

// Registration is one agent's current skill set. Re-registering replaces
// the whole record.
type Registration struct {
	AgentID      string
	Skills       []protocol.Skill
	Signature    string
	RegisteredAt time.Time
}

// Result is one search hit, enriched with the provider's standing.
type Result struct {
	AgentID      string           `json:"agent"`
	Skills       []protocol.Skill `json:"skills"`
	Rating       int              `json:"rating"`
	Transactions int              `json:"transactions"`
	RegisteredAt time.Time        `json:"registered_at"`
}

// RatingFunc resolves an agent's rating and transaction count at search time.
type RatingFunc func(agentID string) (rating, transactions int)

// Registry is the in-memory skills index.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Registration
	rating RatingFunc
	logger *log.Logger
}

// NewRegistry creates a registry backed by the given rating resolver.
func NewRegistry(rating RatingFunc) *Registry {
	return &Registry{
		byID:   make(map[string]*Registration),
		rating: rating,
		logger: log.New(log.Writer(), "[SKILLS] ", log.LstdFlags),
	}
}

// Register replaces the agent's skill record.
func (r *Registry) Register(agentID string, list []protocol.Skill, signature string) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &Registration{
		AgentID:      agentID,
		Skills:       append([]protocol.Skill(nil), list...),
		Signature:    signature,
		RegisteredAt: time.Now(),
	}
	r.byID[agentID] = reg
	r.logger.Printf("registered %d skill(s) for %s", len(list), agentID)
	return reg
}

// Unregister drops an agent's record.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, agentID)
}

// Get returns an agent's registration, if any.
func (r *Registry) Get(agentID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[agentID]
	return reg, ok
}

// Search returns providers matching q, sorted by rating descending then
// registration time descending.
func (r *Registry) Search(q protocol.SkillQuery) []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = protocol.DefaultSkillLimit
	}
	capNeedle := strings.ToLower(q.Capability)
	currency := strings.ToLower(q.Currency)

	var out []Result
	for _, reg := range r.byID {
		matched := matchSkills(reg.Skills, capNeedle, q.MaxRate, currency)
		if len(matched) == 0 {
			continue
		}
		rating, txns := r.rating(reg.AgentID)
		out = append(out, Result{
			AgentID:      reg.AgentID,
			Skills:       matched,
			Rating:       rating,
			Transactions: txns,
			RegisteredAt: reg.RegisteredAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matchSkills(list []protocol.Skill, capNeedle string, maxRate float64, currency string) []protocol.Skill {
	var matched []protocol.Skill
	for _, s := range list {
		if capNeedle != "" && !strings.Contains(strings.ToLower(s.Capability), capNeedle) {
			continue
		}
		if maxRate > 0 && s.Rate > maxRate {
			continue
		}
		if currency != "" && strings.ToLower(s.Currency) != currency {
			continue
		}
		matched = append(matched, s)
	}
	return matched
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
