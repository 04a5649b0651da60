package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProposalSigningContent(t *testing.T) {
	content := ProposalSigningContent("@abcd1234", "summarize logs", 10, "USD", "PAY-1", 1730000000, 50)
	assert.Equal(t, "@abcd1234|summarize logs|10|USD|PAY-1|1730000000|50", content)
}

func TestSigningContentOmitsMissingOptionals(t *testing.T) {
	content := ProposalSigningContent("@abcd1234", "task", 0, "", "", 0, 0)
	assert.Equal(t, "@abcd1234|task|||||", content)
}

func TestTransitionSigningContents(t *testing.T) {
	assert.Equal(t, "ACCEPT|prop_1|PAY-1|50", AcceptSigningContent("prop_1", "PAY-1", 50))
	assert.Equal(t, "ACCEPT|prop_1||", AcceptSigningContent("prop_1", "", 0))
	assert.Equal(t, "REJECT|prop_1|too busy", RejectSigningContent("prop_1", "too busy"))
	assert.Equal(t, "COMPLETE|prop_1|sha:abc", CompleteSigningContent("prop_1", "sha:abc"))
	assert.Equal(t, "DISPUTE|prop_1|non-delivery", DisputeSigningContent("prop_1", "non-delivery"))
}

func TestAuthSigningContent(t *testing.T) {
	content := AuthSigningContent("deadbeef", "ch-1", 1730000000000)
	assert.Equal(t, "AGENTCHAT_AUTH|deadbeef|ch-1|1730000000000", content)
}
