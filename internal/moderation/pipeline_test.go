package moderation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlugin struct {
	name     string
	channels []string
	failOpen bool
	verdict  Verdict
	err      error

	disconnects []string
	cleaned     bool
}

func (p *stubPlugin) Name() string       { return p.name }
func (p *stubPlugin) Channels() []string { return p.channels }
func (p *stubPlugin) FailOpen() bool     { return p.failOpen }
func (p *stubPlugin) CheckMessage(*Event) (Verdict, error) {
	return p.verdict, p.err
}
func (p *stubPlugin) OnDisconnect(agentID string) { p.disconnects = append(p.disconnects, agentID) }
func (p *stubPlugin) Cleanup()                    { p.cleaned = true }

func TestSeverityLatticeOrdering(t *testing.T) {
	assert.True(t, ActionAllow < ActionWarn)
	assert.True(t, ActionWarn < ActionThrottle)
	assert.True(t, ActionThrottle < ActionBlock)
	assert.True(t, ActionBlock < ActionTimeout)
	assert.True(t, ActionTimeout < ActionKick)

	assert.False(t, ActionThrottle.Suppresses())
	assert.True(t, ActionBlock.Suppresses())
	assert.True(t, ActionKick.Suppresses())
}

func TestStrictestActionWins(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.Register(&stubPlugin{name: "warns", verdict: Verdict{Action: ActionWarn, Reason: "tone"}}))
	require.NoError(t, p.Register(&stubPlugin{name: "blocks", verdict: Verdict{Action: ActionBlock, Reason: "spam"}}))
	require.NoError(t, p.Register(&stubPlugin{name: "allows", verdict: Verdict{Action: ActionAllow}}))

	result := p.Check(&Event{AgentID: "aaaa1111", Channel: "#general", Content: "buy now"})
	assert.Equal(t, ActionBlock, result.Action)
	assert.Equal(t, "spam", result.Reason)
	assert.Equal(t, "blocks", result.Plugin)
}

func TestAdminShortCircuits(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.Register(&stubPlugin{name: "kicks", verdict: Verdict{Action: ActionKick}}))

	result := p.Check(&Event{AgentID: "admin111", IsAdmin: true, Content: "anything"})
	assert.Equal(t, ActionAllow, result.Action)
}

func TestFailOpenVersusFailClosed(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.Register(&stubPlugin{name: "flaky-open", failOpen: true, err: errors.New("boom")}))

	result := p.Check(&Event{AgentID: "aaaa1111", Content: "hi"})
	assert.Equal(t, ActionAllow, result.Action)

	require.NoError(t, p.Register(&stubPlugin{name: "flaky-closed", failOpen: false, err: errors.New("boom")}))
	result = p.Check(&Event{AgentID: "aaaa1111", Content: "hi"})
	assert.Equal(t, ActionBlock, result.Action)
	assert.Equal(t, "flaky-closed", result.Plugin)
}

func TestChannelScoping(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.Register(&stubPlugin{
		name: "trading-only", channels: []string{"#trading"},
		verdict: Verdict{Action: ActionBlock, Reason: "off-topic"},
	}))

	// Out of scope: other channels and direct messages pass.
	assert.Equal(t, ActionAllow, p.Check(&Event{Channel: "#general"}).Action)
	assert.Equal(t, ActionAllow, p.Check(&Event{Channel: ""}).Action)
	assert.Equal(t, ActionBlock, p.Check(&Event{Channel: "#trading"}).Action)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.Register(&stubPlugin{name: "dup"}))
	assert.Error(t, p.Register(&stubPlugin{name: "dup"}))
	assert.Equal(t, 1, p.Count())
}

func TestHooks(t *testing.T) {
	p := NewPipeline()
	plugin := &stubPlugin{name: "hooked"}
	require.NoError(t, p.Register(plugin))

	p.NotifyDisconnect("aaaa1111")
	assert.Equal(t, []string{"aaaa1111"}, plugin.disconnects)

	p.Cleanup()
	assert.True(t, plugin.cleaned)
}
