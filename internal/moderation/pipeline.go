// Package moderation hosts the message-moderation plugin pipeline. Plugins
// run in registration order before a message commits; the strictest action
// on the severity lattice wins, and an admin event short-circuits to ALLOW.
package moderation

import (
	"fmt"
	"log"
	"sync"
)

// Action is one point on the severity lattice. Ordering is significant:
// ALLOW < WARN < THROTTLE < BLOCK < TIMEOUT < KICK.
type Action int

const (
	ActionAllow Action = iota
	ActionWarn
	ActionThrottle
	ActionBlock
	ActionTimeout
	ActionKick
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "ALLOW"
	case ActionWarn:
		return "WARN"
	case ActionThrottle:
		return "THROTTLE"
	case ActionBlock:
		return "BLOCK"
	case ActionTimeout:
		return "TIMEOUT"
	case ActionKick:
		return "KICK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(a))
	}
}

// Suppresses reports whether the action prevents message commit.
func (a Action) Suppresses() bool { return a >= ActionBlock }

// Event is the message under moderation.
type Event struct {
	AgentID string
	Channel string // empty for direct messages
	Content string
	IsAdmin bool
}

// Verdict is one plugin's decision.
type Verdict struct {
	Action Action
	Reason string
}

// Plugin is a moderation check. CheckMessage runs synchronously on the
// message path, so implementations must be fast.
type Plugin interface {
	// Name returns the plugin's unique identifier.
	Name() string

	// Channels returns the channels this plugin applies to; empty means
	// global scope.
	Channels() []string

	// FailOpen reports how a plugin error aggregates: true means the
	// error is logged and ALLOW assumed, false means the error counts
	// as BLOCK.
	FailOpen() bool

	// CheckMessage evaluates one event.
	CheckMessage(ev *Event) (Verdict, error)

	// OnDisconnect is called when an agent disconnects (state cleanup).
	OnDisconnect(agentID string)

	// Cleanup is called at shutdown.
	Cleanup()
}

// Result is the aggregated pipeline outcome.
type Result struct {
	Action Action
	Reason string
	Plugin string // plugin that produced the winning action
}

// Pipeline is the ordered plugin host.
type Pipeline struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *log.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		logger: log.New(log.Writer(), "[MODERATION] ", log.LstdFlags),
	}
}

// Register appends a plugin. Order of registration is order of execution.
func (p *Pipeline) Register(plugin Plugin) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.plugins {
		if existing.Name() == plugin.Name() {
			return fmt.Errorf("plugin %q already registered", plugin.Name())
		}
	}
	p.plugins = append(p.plugins, plugin)
	p.logger.Printf("registered plugin %s (channels=%v, failOpen=%v)",
		plugin.Name(), plugin.Channels(), plugin.FailOpen())
	return nil
}

// Check runs the event through every in-scope plugin and aggregates with
// strictest-wins. Admin events short-circuit to ALLOW.
func (p *Pipeline) Check(ev *Event) Result {
	if ev.IsAdmin {
		return Result{Action: ActionAllow}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	result := Result{Action: ActionAllow}
	for _, plugin := range p.plugins {
		if !inScope(plugin, ev.Channel) {
			continue
		}
		verdict, err := plugin.CheckMessage(ev)
		if err != nil {
			if plugin.FailOpen() {
				p.logger.Printf("plugin %s failed open: %v", plugin.Name(), err)
				continue
			}
			verdict = Verdict{Action: ActionBlock, Reason: fmt.Sprintf("plugin %s error: %v", plugin.Name(), err)}
		}
		if verdict.Action > result.Action {
			result = Result{Action: verdict.Action, Reason: verdict.Reason, Plugin: plugin.Name()}
		}
	}
	return result
}

func inScope(plugin Plugin, channel string) bool {
	scoped := plugin.Channels()
	if len(scoped) == 0 {
		return true
	}
	if channel == "" {
		return false
	}
	for _, ch := range scoped {
		if ch == channel {
			return true
		}
	}
	return false
}

// NotifyDisconnect fans the disconnect hook out to every plugin.
func (p *Pipeline) NotifyDisconnect(agentID string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, plugin := range p.plugins {
		plugin.OnDisconnect(agentID)
	}
}

// Cleanup runs every plugin's shutdown hook.
func (p *Pipeline) Cleanup() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, plugin := range p.plugins {
		plugin.Cleanup()
	}
}

// Count returns the number of registered plugins.
func (p *Pipeline) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.plugins)
}
