package server

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/agentchat/relay/internal/identity"
)

// accessEntry is one allowlist/banlist line: either a full public key PEM
// or a bare agent id.
type accessEntry struct {
	Pubkey  string `json:"pubkey,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Note    string `json:"note,omitempty"`
}

// accessList answers membership questions for an allowlist or banlist
// loaded from a JSON file. A nil accessList matches nothing.
type accessList struct {
	mu  sync.RWMutex
	ids map[string]bool // bare agent ids (pubkey entries are reduced to ids)
}

// loadAccessList reads a list file. An empty path yields an empty list.
func loadAccessList(path string) (*accessList, error) {
	al := &accessList{ids: make(map[string]bool)}
	if path == "" {
		return al, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return al, nil
		}
		return nil, fmt.Errorf("read access list %s: %w", path, err)
	}

	var entries []accessEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse access list %s: %w", path, err)
	}
	for _, e := range entries {
		switch {
		case e.AgentID != "":
			al.ids[trimAt(e.AgentID)] = true
		case e.Pubkey != "":
			al.ids[identity.AgentID(e.Pubkey)] = true
		}
	}
	return al, nil
}

// Contains reports whether the agent id is listed.
func (al *accessList) Contains(agentID string) bool {
	if al == nil {
		return false
	}
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.ids[agentID]
}

// Add admits an agent id at runtime (admin path).
func (al *accessList) Add(agentID string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.ids[trimAt(agentID)] = true
}

func trimAt(s string) string {
	if len(s) > 0 && s[0] == '@' {
		return s[1:]
	}
	return s
}
