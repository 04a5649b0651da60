package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/config"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/protocol"
)

// ============================================================================
// TEST HARNESS
// ============================================================================

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Reputation.SnapshotPath = filepath.Join(t.TempDir(), "ratings.json")

	srv, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, fields map[string]interface{}) {
	t.Helper()
	if _, ok := fields["ts"]; !ok {
		fields["ts"] = time.Now().UnixMilli()
	}
	require.NoError(t, conn.WriteJSON(fields))
}

func read(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := read(t, conn)
		if frame["type"] == want {
			return frame
		}
	}
	t.Fatalf("never received %s", want)
	return nil
}

// identifyEphemeral connects and identifies without a key, returning the
// assigned agent id.
func identifyEphemeral(t *testing.T, conn *websocket.Conn, name string) string {
	t.Helper()
	send(t, conn, map[string]interface{}{"type": "IDENTIFY", "name": name})
	welcome := readUntil(t, conn, "WELCOME")
	return welcome["agent_id"].(string)
}

// identifyKeyed runs the full challenge handshake for a keypair.
func identifyKeyed(t *testing.T, conn *websocket.Conn, name string, kp *identity.Keypair) string {
	t.Helper()
	pem, err := identity.MarshalPublicPEM(kp.Public)
	require.NoError(t, err)

	send(t, conn, map[string]interface{}{"type": "IDENTIFY", "name": name, "pubkey": pem})
	challenge := readUntil(t, conn, "CHALLENGE")
	nonce := challenge["nonce"].(string)
	challengeID := challenge["challenge_id"].(string)

	ts := time.Now().UnixMilli()
	sig := identity.Sign(kp.Private, protocol.AuthSigningContent(nonce, challengeID, ts))
	send(t, conn, map[string]interface{}{
		"type": "VERIFY_IDENTITY", "challenge_id": challengeID,
		"signature": sig, "timestamp": ts,
	})

	welcome := readUntil(t, conn, "WELCOME")
	return welcome["agent_id"].(string)
}

// ============================================================================
// HANDSHAKE + CHANNELS
// ============================================================================

func TestPreAuthFramesRejected(t *testing.T) {
	_, ts := testServer(t)
	conn := dial(t, ts)

	send(t, conn, map[string]interface{}{"type": "JOIN", "channel": "#general"})
	frame := read(t, conn)
	assert.Equal(t, "ERROR", frame["type"])
	assert.Equal(t, "AUTH_REQUIRED", frame["code"])
}

func TestChallengeHandshakeAndChannelSend(t *testing.T) {
	_, ts := testServer(t)
	conn := dial(t, ts)

	kp, err := identity.Generate()
	require.NoError(t, err)
	pem, err := identity.MarshalPublicPEM(kp.Public)
	require.NoError(t, err)

	agentID := identifyKeyed(t, conn, "alice", kp)
	assert.Equal(t, identity.AgentID(pem), agentID)

	send(t, conn, map[string]interface{}{"type": "JOIN", "channel": "#general"})
	joined := readUntil(t, conn, "JOINED")
	assert.Equal(t, "#general", joined["channel"])
	agents := joined["agents"].([]interface{})
	assert.Contains(t, agents, "@"+agentID)

	send(t, conn, map[string]interface{}{"type": "MSG", "to": "#general", "content": "hi"})
	echo := readUntil(t, conn, "MSG")
	assert.Equal(t, "@"+agentID, echo["from"])
	assert.Equal(t, "#general", echo["to"])
	assert.Equal(t, "hi", echo["content"])
}

func TestWrongChallengeSignatureRejected(t *testing.T) {
	_, ts := testServer(t)
	conn := dial(t, ts)

	kp, err := identity.Generate()
	require.NoError(t, err)
	wrongKey, err := identity.Generate()
	require.NoError(t, err)
	pem, err := identity.MarshalPublicPEM(kp.Public)
	require.NoError(t, err)

	send(t, conn, map[string]interface{}{"type": "IDENTIFY", "name": "mallory", "pubkey": pem})
	challenge := readUntil(t, conn, "CHALLENGE")

	ts2 := time.Now().UnixMilli()
	sig := identity.Sign(wrongKey.Private, protocol.AuthSigningContent(
		challenge["nonce"].(string), challenge["challenge_id"].(string), ts2))
	send(t, conn, map[string]interface{}{
		"type": "VERIFY_IDENTITY", "challenge_id": challenge["challenge_id"],
		"signature": sig, "timestamp": ts2,
	})

	frame := read(t, conn)
	assert.Equal(t, "ERROR", frame["type"])
	assert.Equal(t, "VERIFICATION_FAILED", frame["code"])
}

func TestEphemeralIdentify(t *testing.T) {
	_, ts := testServer(t)
	conn := dial(t, ts)

	agentID := identifyEphemeral(t, conn, "drifter")
	assert.Len(t, agentID, 8)
	assert.Regexp(t, "^[a-z0-9]{8}$", agentID)
}

func TestSessionDisplacement(t *testing.T) {
	_, ts := testServer(t)
	kp, err := identity.Generate()
	require.NoError(t, err)

	first := dial(t, ts)
	id1 := identifyKeyed(t, first, "alice", kp)

	second := dial(t, ts)
	id2 := identifyKeyed(t, second, "alice", kp)
	assert.Equal(t, id1, id2)

	displaced := readUntil(t, first, "SESSION_DISPLACED")
	assert.NotNil(t, displaced)

	// The old socket is terminated after the notice.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 5; i++ {
		if _, _, err := first.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatal("displaced connection was not closed")
}

func TestChannelReplayAndPeerBroadcast(t *testing.T) {
	_, ts := testServer(t)

	a := dial(t, ts)
	idA := identifyEphemeral(t, a, "alice")
	send(t, a, map[string]interface{}{"type": "JOIN", "channel": "#general"})
	readUntil(t, a, "JOINED")
	send(t, a, map[string]interface{}{"type": "MSG", "to": "#general", "content": "first!"})
	readUntil(t, a, "MSG")

	b := dial(t, ts)
	identifyEphemeral(t, b, "bob")
	send(t, b, map[string]interface{}{"type": "JOIN", "channel": "#general"})

	// A sees the join notice; B gets the member list and the replayed
	// history tagged as replay.
	joinNotice := readUntil(t, a, "AGENT_JOINED")
	assert.Equal(t, "#general", joinNotice["channel"])

	joined := readUntil(t, b, "JOINED")
	assert.Len(t, joined["agents"], 2)
	replayed := readUntil(t, b, "MSG")
	assert.Equal(t, "first!", replayed["content"])
	assert.Equal(t, true, replayed["replay"])
	assert.Equal(t, "@"+idA, replayed["from"])
}

func TestInviteOnlyChannel(t *testing.T) {
	_, ts := testServer(t)

	owner := dial(t, ts)
	identifyEphemeral(t, owner, "owner")
	send(t, owner, map[string]interface{}{"type": "CREATE_CHANNEL", "channel": "#private", "invite_only": true})
	readUntil(t, owner, "CHANNEL_CREATED")

	outsider := dial(t, ts)
	outsiderID := identifyEphemeral(t, outsider, "outsider")
	send(t, outsider, map[string]interface{}{"type": "JOIN", "channel": "#private"})
	frame := read(t, outsider)
	assert.Equal(t, "NOT_INVITED", frame["code"])

	send(t, owner, map[string]interface{}{"type": "INVITE", "channel": "#private", "agent": "@" + outsiderID})
	readUntil(t, owner, "INVITED")
	readUntil(t, outsider, "MSG") // invite notice from @server

	send(t, outsider, map[string]interface{}{"type": "JOIN", "channel": "#private"})
	joined := readUntil(t, outsider, "JOINED")
	assert.Equal(t, "#private", joined["channel"])
}

func TestDirectMessageUnknownTarget(t *testing.T) {
	_, ts := testServer(t)
	conn := dial(t, ts)
	identifyEphemeral(t, conn, "alice")

	send(t, conn, map[string]interface{}{"type": "MSG", "to": "@nobody99", "content": "hello?"})
	frame := read(t, conn)
	assert.Equal(t, "AGENT_NOT_FOUND", frame["code"])
}

// ============================================================================
// PROPOSALS + SETTLEMENT
// ============================================================================

func proposalPair(t *testing.T, ts *httptest.Server) (aConn, bConn *websocket.Conn, aKP, bKP *identity.Keypair, aID, bID string) {
	t.Helper()
	aKP, err := identity.Generate()
	require.NoError(t, err)
	bKP, err = identity.Generate()
	require.NoError(t, err)

	aConn = dial(t, ts)
	aID = identifyKeyed(t, aConn, "alice", aKP)
	bConn = dial(t, ts)
	bID = identifyKeyed(t, bConn, "bob", bKP)
	return
}

func TestProposalHappyPathSettlement(t *testing.T) {
	srv, ts := testServer(t)
	aConn, bConn, aKP, bKP, aID, bID := proposalPair(t, ts)

	sig := identity.Sign(aKP.Private, protocol.ProposalSigningContent(
		"@"+bID, "summarize logs", 10, "", "", 0, 0))
	send(t, aConn, map[string]interface{}{
		"type": "PROPOSAL", "to": "@" + bID, "task": "summarize logs",
		"amount": 10, "sig": sig,
	})
	ack := readUntil(t, aConn, "PROPOSAL_RESULT")
	proposalID := ack["proposal_id"].(string)

	forwarded := readUntil(t, bConn, "PROPOSAL")
	assert.Equal(t, proposalID, forwarded["proposal_id"])

	acceptSig := identity.Sign(bKP.Private, protocol.AcceptSigningContent(proposalID, "", 0))
	send(t, bConn, map[string]interface{}{
		"type": "ACCEPT", "proposal_id": proposalID, "sig": acceptSig,
	})
	accepted := readUntil(t, bConn, "PROPOSAL_RESULT")
	assert.Equal(t, "accepted", accepted["status"])
	acceptedForA := readUntil(t, aConn, "PROPOSAL_RESULT")
	assert.Equal(t, "accepted", acceptedForA["status"])

	completeSig := identity.Sign(aKP.Private, protocol.CompleteSigningContent(proposalID, "sha:done"))
	send(t, aConn, map[string]interface{}{
		"type": "COMPLETE", "proposal_id": proposalID, "proof": "sha:done", "sig": completeSig,
	})
	completed := readUntil(t, aConn, "PROPOSAL_RESULT")
	assert.Equal(t, "completed", completed["status"])

	// Fresh 1200-rated agents: K=32, E=0.5, each gains 32*0.5/2 = 8.
	// Amount scaling is off by default, so amount 10 leaves K untouched.
	ratingA, txnsA := srv.ratings.Get(aID)
	ratingB, txnsB := srv.ratings.Get(bID)
	assert.Equal(t, 1208, ratingA)
	assert.Equal(t, 1208, ratingB)
	assert.Equal(t, 1, txnsA)
	assert.Equal(t, 1, txnsB)
}

func TestProposalRequiresKeyedIdentity(t *testing.T) {
	_, ts := testServer(t)
	conn := dial(t, ts)
	identifyEphemeral(t, conn, "drifter")

	send(t, conn, map[string]interface{}{
		"type": "PROPOSAL", "to": "@abcd1234", "task": "anything", "sig": "c2ln",
	})
	frame := read(t, conn)
	assert.Equal(t, "SIGNATURE_REQUIRED", frame["code"])
}

func TestStakedDisputeSettlement(t *testing.T) {
	srv, ts := testServer(t)
	aConn, bConn, aKP, bKP, aID, bID := proposalPair(t, ts)

	sig := identity.Sign(aKP.Private, protocol.ProposalSigningContent(
		"@"+bID, "deliver dataset", 0, "", "", 0, 50))
	send(t, aConn, map[string]interface{}{
		"type": "PROPOSAL", "to": "@" + bID, "task": "deliver dataset",
		"elo_stake": 50, "sig": sig,
	})
	ack := readUntil(t, aConn, "PROPOSAL_RESULT")
	proposalID := ack["proposal_id"].(string)
	readUntil(t, bConn, "PROPOSAL")

	acceptSig := identity.Sign(bKP.Private, protocol.AcceptSigningContent(proposalID, "", 50))
	send(t, bConn, map[string]interface{}{
		"type": "ACCEPT", "proposal_id": proposalID, "elo_stake": 50, "sig": acceptSig,
	})
	readUntil(t, bConn, "PROPOSAL_RESULT")
	readUntil(t, aConn, "PROPOSAL_RESULT")

	assert.Equal(t, 50, srv.escrow.Escrowed(aID))
	assert.Equal(t, 50, srv.escrow.Escrowed(bID))

	disputeSig := identity.Sign(aKP.Private, protocol.DisputeSigningContent(proposalID, "non-delivery"))
	send(t, aConn, map[string]interface{}{
		"type": "DISPUTE", "proposal_id": proposalID, "reason": "non-delivery", "sig": disputeSig,
	})
	result := readUntil(t, aConn, "PROPOSAL_RESULT")
	assert.Equal(t, "disputed", result["status"])

	// B at fault: loses 16 ELO + 50 stake. A gains 8 + the 50 stake.
	ratingA, _ := srv.ratings.Get(aID)
	ratingB, _ := srv.ratings.Get(bID)
	assert.Equal(t, 1258, ratingA)
	assert.Equal(t, 1134, ratingB)
	assert.Equal(t, 0, srv.escrow.Escrowed(aID))
	assert.Equal(t, 0, srv.escrow.Escrowed(bID))
}

func TestInsufficientStakeRejectedOnAccept(t *testing.T) {
	srv, ts := testServer(t)
	aConn, bConn, aKP, bKP, _, bID := proposalPair(t, ts)

	// Grind B down to 120 rating first.
	for i := 0; i < 60; i++ {
		if rating, _ := srv.ratings.Get(bID); rating <= 120 {
			break
		}
		_, _, err := srv.ratings.ApplyDispute("someone1", bID, 0, 0)
		require.NoError(t, err)
	}
	require.NoError(t, srv.ratings.Adjust(bID, 120-firstOf(srv.ratings.Get(bID))))
	rating, _ := srv.ratings.Get(bID)
	require.Equal(t, 120, rating)

	sig := identity.Sign(aKP.Private, protocol.ProposalSigningContent("@"+bID, "task", 0, "", "", 0, 0))
	send(t, aConn, map[string]interface{}{
		"type": "PROPOSAL", "to": "@" + bID, "task": "task", "sig": sig,
	})
	ack := readUntil(t, aConn, "PROPOSAL_RESULT")
	proposalID := ack["proposal_id"].(string)
	readUntil(t, bConn, "PROPOSAL")

	// available = 120 - 0 - 100 = 20 < 30.
	acceptSig := identity.Sign(bKP.Private, protocol.AcceptSigningContent(proposalID, "", 30))
	send(t, bConn, map[string]interface{}{
		"type": "ACCEPT", "proposal_id": proposalID, "elo_stake": 30, "sig": acceptSig,
	})
	frame := read(t, bConn)
	assert.Equal(t, "INSUFFICIENT_REPUTATION", frame["code"])

	// The proposal rolled back to pending and remains acceptable.
	p, ok := srv.proposals.Get(proposalID)
	require.True(t, ok)
	assert.Equal(t, "pending", string(p.Status))
}

func firstOf(rating, _ int) int { return rating }

// ============================================================================
// PEER VERIFICATION
// ============================================================================

func TestPeerVerificationSuccess(t *testing.T) {
	_, ts := testServer(t)
	aConn, bConn, _, bKP, _, bID := proposalPair(t, ts)

	nonce := "abcdefghijklmnop" // 16 chars
	send(t, aConn, map[string]interface{}{
		"type": "VERIFY_REQUEST", "target": "@" + bID, "nonce": nonce,
	})
	readUntil(t, aConn, "VERIFY_ACK")
	request := readUntil(t, bConn, "VERIFY_REQUEST")
	requestID := request["request_id"].(string)
	assert.Equal(t, nonce, request["nonce"])

	send(t, bConn, map[string]interface{}{
		"type": "VERIFY_RESPONSE", "request_id": requestID,
		"nonce": nonce, "sig": identity.Sign(bKP.Private, nonce),
	})

	success := readUntil(t, aConn, "VERIFY_SUCCESS")
	assert.Equal(t, "@"+bID, success["target"])
	assert.Contains(t, success["pubkey"], "BEGIN PUBLIC KEY")
}

func TestPeerVerificationBadSignature(t *testing.T) {
	_, ts := testServer(t)
	aConn, bConn, aKP, _, _, bID := proposalPair(t, ts)

	nonce := "abcdefghijklmnop"
	send(t, aConn, map[string]interface{}{
		"type": "VERIFY_REQUEST", "target": "@" + bID, "nonce": nonce,
	})
	request := readUntil(t, bConn, "VERIFY_REQUEST")

	// B signs with the wrong key.
	send(t, bConn, map[string]interface{}{
		"type": "VERIFY_RESPONSE", "request_id": request["request_id"],
		"nonce": nonce, "sig": identity.Sign(aKP.Private, nonce),
	})

	failed := readUntil(t, aConn, "VERIFY_FAILED")
	assert.Equal(t, "Signature verification failed", failed["reason"])
}

func TestVerifyRequestNoPubkey(t *testing.T) {
	_, ts := testServer(t)

	a := dial(t, ts)
	identifyEphemeral(t, a, "alice")
	b := dial(t, ts)
	bID := identifyEphemeral(t, b, "bob")

	send(t, a, map[string]interface{}{
		"type": "VERIFY_REQUEST", "target": "@" + bID, "nonce": "abcdefghijklmnop",
	})
	frame := read(t, a)
	assert.Equal(t, "NO_PUBKEY", frame["code"])
}

// ============================================================================
// FLOOR CONTROL
// ============================================================================

func TestFloorContention(t *testing.T) {
	_, ts := testServer(t)

	x := dial(t, ts)
	xID := identifyEphemeral(t, x, "xagent")
	y := dial(t, ts)
	yID := identifyEphemeral(t, y, "yagent")
	// Ties go to the lexicographically smaller agent id; ephemeral ids are
	// random, so X is whichever connection got the smaller one.
	if yID < xID {
		x, y = y, x
	}
	for _, conn := range []*websocket.Conn{x, y} {
		send(t, conn, map[string]interface{}{"type": "JOIN", "channel": "#general"})
		readUntil(t, conn, "JOINED")
	}

	send(t, x, map[string]interface{}{
		"type": "RESPONDING_TO", "channel": "#general", "msg_id": "m1", "started_at": 100,
	})
	granted := readUntil(t, x, "FLOOR_GRANTED")
	assert.Equal(t, "m1", granted["msg_id"])

	// Same start time, larger agent id: denied.
	send(t, y, map[string]interface{}{
		"type": "RESPONDING_TO", "channel": "#general", "msg_id": "m1", "started_at": 100,
	})
	frame := readUntil(t, y, "FLOOR_DENIED")
	assert.NotNil(t, frame["holder"])

	// Earlier start: Y takes the floor and X is told to yield.
	send(t, y, map[string]interface{}{
		"type": "RESPONDING_TO", "channel": "#general", "msg_id": "m1", "started_at": 99,
	})
	readUntil(t, y, "FLOOR_GRANTED")
	yield := readUntil(t, x, "YIELD")
	assert.Equal(t, "m1", yield["msg_id"])
}

// ============================================================================
// SKILLS
// ============================================================================

func TestSkillsRegisterAndSearch(t *testing.T) {
	_, ts := testServer(t)
	aConn, bConn, aKP, _, aID, _ := proposalPair(t, ts)

	skillsSig := identity.Sign(aKP.Private, "skills")
	send(t, aConn, map[string]interface{}{
		"type": "REGISTER_SKILLS", "sig": skillsSig,
		"skills": []map[string]interface{}{
			{"capability": "translation", "rate": 2.5, "currency": "USD"},
		},
	})
	registered := readUntil(t, aConn, "SKILLS_REGISTERED")
	assert.Equal(t, float64(1), registered["count"])

	send(t, bConn, map[string]interface{}{
		"type": "SEARCH_SKILLS", "query": map[string]interface{}{"capability": "trans"},
	})
	results := readUntil(t, bConn, "SKILLS_RESULTS")
	hits := results["results"].([]interface{})
	require.Len(t, hits, 1)
	hit := hits[0].(map[string]interface{})
	assert.Equal(t, "@"+aID, hit["agent"])
	assert.Equal(t, float64(1200), hit["rating"])
}

// ============================================================================
// HEALTH
// ============================================================================

func TestHealthSnapshot(t *testing.T) {
	srv, ts := testServer(t)
	srv.started = time.Now()

	conn := dial(t, ts)
	identifyEphemeral(t, conn, "alice")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.handleHealth(rec, req)

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, "ok", snapshot["status"])
	assert.Equal(t, "agentchat", snapshot["server"])

	agents := snapshot["agents"].(map[string]interface{})
	assert.Equal(t, float64(1), agents["connected"])
	channels := snapshot["channels"].(map[string]interface{})
	assert.Equal(t, float64(3), channels["total"])
}
