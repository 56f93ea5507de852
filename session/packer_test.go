package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/eth2030/discv5/packet"
)

// testPeers builds two packers that know each other's static keys through
// their resolvers, with no local records (handshakes then rely on the
// resolver for identity proof verification).
func testPeers(t *testing.T) (a, b *Packer, aliceID, bobID [32]byte) {
	t.Helper()
	alice := newTestIdentity(t, 1)
	bob := newTestIdentity(t, 1)

	aliceResolver := newFakeResolver()
	aliceResolver.keys[bob.id] = &bob.key.PublicKey
	bobResolver := newFakeResolver()
	bobResolver.keys[alice.id] = &alice.key.PublicKey

	a = NewPacker(alice.id, alice.key, nil, aliceResolver)
	b = NewPacker(bob.id, bob.key, nil, bobResolver)
	return a, b, alice.id, bob.id
}

// decodeWhoAreYou parses raw as a WhoAreYou addressed to localID.
func decodeWhoAreYou(t *testing.T, raw []byte, localID [32]byte) *packet.WhoAreYouPacket {
	t.Helper()
	return decodeAs(t, raw, localID, packet.KindWhoAreYou).(*packet.WhoAreYouPacket)
}

func TestPackerHandshakeAndSessionTraffic(t *testing.T) {
	alicePk, bobPk, aliceID, bobID := testPeers(t)

	ping := []byte{0x01, 0xc3, 0x12, 0x01}
	random, err := alicePk.EncodeOutbound(bobID, ping)
	if err != nil {
		t.Fatalf("encode outbound: %v", err)
	}
	if random == nil {
		t.Fatal("expected an initial random packet")
	}

	msg, replies, peer, err := bobPk.HandleInbound(random)
	if err != nil {
		t.Fatalf("bob handle random: %v", err)
	}
	if msg != nil {
		t.Fatal("random packet produced a message")
	}
	if peer != aliceID {
		t.Fatalf("recovered peer = %x, want %x", peer, aliceID)
	}
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1 (the challenge)", len(replies))
	}

	challenge := decodeWhoAreYou(t, replies[0], aliceID)
	bobPub, _ := alicePk.resolver.StaticPubkey(bobID)
	packets, err := alicePk.HandleWhoAreYou(bobID, challenge, bobPub)
	if err != nil {
		t.Fatalf("alice handle who-are-you: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("packets = %d, want 1 (the auth header)", len(packets))
	}

	msg, replies, peer, err = bobPk.HandleInbound(packets[0])
	if err != nil {
		t.Fatalf("bob handle auth header: %v", err)
	}
	if peer != aliceID {
		t.Fatalf("recovered peer = %x, want %x", peer, aliceID)
	}
	if !bytes.Equal(msg, ping) {
		t.Fatalf("decrypted message = %x, want %x", msg, ping)
	}
	if len(replies) != 0 {
		t.Fatalf("unexpected replies after establishment: %d", len(replies))
	}

	// Established in both directions: bob -> alice ...
	pong := []byte{0x02, 0xc3, 0x12, 0x01}
	sealed, err := bobPk.EncodeOutbound(aliceID, pong)
	if err != nil {
		t.Fatalf("bob encode outbound: %v", err)
	}
	msg, _, _, err = alicePk.HandleInbound(sealed)
	if err != nil {
		t.Fatalf("alice handle sealed: %v", err)
	}
	if !bytes.Equal(msg, pong) {
		t.Fatalf("alice decrypted %x, want %x", msg, pong)
	}

	// ... and alice -> bob, without a fresh handshake.
	sealed2, err := alicePk.EncodeOutbound(bobID, ping)
	if err != nil {
		t.Fatalf("alice encode outbound: %v", err)
	}
	msg, _, _, err = bobPk.HandleInbound(sealed2)
	if err != nil {
		t.Fatalf("bob handle sealed: %v", err)
	}
	if !bytes.Equal(msg, ping) {
		t.Fatalf("bob decrypted %x, want %x", msg, ping)
	}
}

// Messages queued behind an in-flight handshake all go out, in order, once
// it completes.
func TestPackerFlushesBufferedMessages(t *testing.T) {
	alicePk, bobPk, aliceID, bobID := testPeers(t)

	msgs := [][]byte{
		[]byte("first"),
		[]byte("second"),
		[]byte("third"),
	}

	random, err := alicePk.EncodeOutbound(bobID, msgs[0])
	if err != nil {
		t.Fatalf("encode first: %v", err)
	}
	for _, m := range msgs[1:] {
		out, err := alicePk.EncodeOutbound(bobID, m)
		if err != nil {
			t.Fatalf("encode buffered: %v", err)
		}
		if out != nil {
			t.Fatal("expected nil output while a handshake is in flight")
		}
	}

	_, replies, _, err := bobPk.HandleInbound(random)
	if err != nil {
		t.Fatalf("bob handle random: %v", err)
	}
	challenge := decodeWhoAreYou(t, replies[0], aliceID)

	bobPub, _ := alicePk.resolver.StaticPubkey(bobID)
	packets, err := alicePk.HandleWhoAreYou(bobID, challenge, bobPub)
	if err != nil {
		t.Fatalf("alice handle who-are-you: %v", err)
	}
	if len(packets) != len(msgs) {
		t.Fatalf("packets = %d, want %d (auth header + flushed buffer)", len(packets), len(msgs))
	}

	for i, p := range packets {
		msg, _, _, err := bobPk.HandleInbound(p)
		if err != nil {
			t.Fatalf("bob handle packet %d: %v", i, err)
		}
		if !bytes.Equal(msg, msgs[i]) {
			t.Errorf("packet %d decrypted to %q, want %q", i, msg, msgs[i])
		}
	}
}

// When both sides initiate at once, the smaller node-id's handshake wins
// and the loser's buffered messages are flushed once the winning handshake
// establishes the shared session.
func TestPackerSimultaneousInitiateTieBreak(t *testing.T) {
	alicePk, bobPk, aliceID, bobID := testPeers(t)

	winner, loser := alicePk, bobPk
	winnerID, loserID := aliceID, bobID
	if lessNodeID(bobID, aliceID) {
		winner, loser = bobPk, alicePk
		winnerID, loserID = bobID, aliceID
	}

	winnerMsg := []byte("from winner")
	loserMsg := []byte("from loser")

	winnerRandom, err := winner.EncodeOutbound(loserID, winnerMsg)
	if err != nil {
		t.Fatalf("winner encode: %v", err)
	}
	loserRandom, err := loser.EncodeOutbound(winnerID, loserMsg)
	if err != nil {
		t.Fatalf("loser encode: %v", err)
	}

	// The winner ignores the loser's initiation entirely.
	msg, replies, _, err := winner.HandleInbound(loserRandom)
	if err != nil {
		t.Fatalf("winner handle loser random: %v", err)
	}
	if msg != nil || len(replies) != 0 {
		t.Fatal("winner should drop the competing initiation silently")
	}

	// The loser abandons its own attempt and answers as recipient.
	_, replies, _, err = loser.HandleInbound(winnerRandom)
	if err != nil {
		t.Fatalf("loser handle winner random: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("loser replies = %d, want 1 (the challenge)", len(replies))
	}
	challenge := decodeWhoAreYou(t, replies[0], winnerID)

	loserPub, _ := winner.resolver.StaticPubkey(loserID)
	packets, err := winner.HandleWhoAreYou(loserID, challenge, loserPub)
	if err != nil {
		t.Fatalf("winner handle who-are-you: %v", err)
	}

	// The loser decrypts the winner's message and flushes its own buffered
	// one under the now-shared keys.
	msg, replies, _, err = loser.HandleInbound(packets[0])
	if err != nil {
		t.Fatalf("loser handle auth header: %v", err)
	}
	if !bytes.Equal(msg, winnerMsg) {
		t.Fatalf("loser decrypted %q, want %q", msg, winnerMsg)
	}
	if len(replies) != 1 {
		t.Fatalf("flushed replies = %d, want 1", len(replies))
	}
	msg, _, _, err = winner.HandleInbound(replies[0])
	if err != nil {
		t.Fatalf("winner handle flushed message: %v", err)
	}
	if !bytes.Equal(msg, loserMsg) {
		t.Fatalf("winner decrypted %q, want %q", msg, loserMsg)
	}
}

func TestPackerExpireIdle(t *testing.T) {
	alicePk, bobPk, aliceID, bobID := testPeers(t)

	random, err := alicePk.EncodeOutbound(bobID, []byte("hello"))
	if err != nil {
		t.Fatalf("encode outbound: %v", err)
	}
	_, replies, _, err := bobPk.HandleInbound(random)
	if err != nil {
		t.Fatalf("bob handle random: %v", err)
	}
	challenge := decodeWhoAreYou(t, replies[0], aliceID)
	bobPub, _ := alicePk.resolver.StaticPubkey(bobID)
	packets, err := alicePk.HandleWhoAreYou(bobID, challenge, bobPub)
	if err != nil {
		t.Fatalf("alice handle who-are-you: %v", err)
	}
	if _, _, _, err := bobPk.HandleInbound(packets[0]); err != nil {
		t.Fatalf("bob handle auth header: %v", err)
	}

	if n := alicePk.ActiveSessions(); n != 1 {
		t.Fatalf("alice active sessions = %d, want 1", n)
	}

	if n := alicePk.ExpireIdle(time.Hour); n != 0 {
		t.Errorf("expired %d sessions under a generous deadline, want 0", n)
	}

	time.Sleep(2 * time.Millisecond)
	if n := alicePk.ExpireIdle(time.Millisecond); n != 1 {
		t.Errorf("expired %d sessions under a tiny deadline, want 1", n)
	}
	if n := alicePk.ActiveSessions(); n != 0 {
		t.Errorf("alice active sessions after expiry = %d, want 0", n)
	}
}
