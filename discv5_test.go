package discv5

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eth2030/discv5/identity"
	"github.com/eth2030/discv5/node"
	"github.com/eth2030/discv5/p2p/enr"
)

// freeUDPPort reserves and immediately releases a loopback UDP port so two
// Services can be preconfigured with each other's eventual bind address.
// There is a small window between release and rebind; acceptable for a
// single-process test.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func newTestService(t *testing.T, port int) *Service {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	udpBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(udpBuf, uint16(port))

	cfg := node.DefaultConfig()
	cfg.ListenAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	cfg.Name = "test"

	svc, err := New(Config{
		Node:  cfg,
		Key:   key,
		Store: identity.NewMemStore(),
		LocalRecord: map[string][]byte{
			enr.KeyIP:  net.ParseIP("127.0.0.1").To4(),
			enr.KeyUDP: udpBuf,
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

// encodeRawENR re-derives the raw ENR bytes AddBootnode expects from a
// running Service's current local record.
func encodeRawENR(t *testing.T, svc *Service) []byte {
	t.Helper()
	raw, err := enr.EncodeENR(svc.LocalENR())
	if err != nil {
		t.Fatalf("encode enr: %v", err)
	}
	return raw
}

// TestColdHandshakeAndPing exercises the end-to-end scenario of two nodes
// with no prior session: alice pings bob, which forces the session packer
// through a full WHOAREYOU/AuthHeader handshake before the PING/PONG
// exchange can complete.
func TestColdHandshakeAndPing(t *testing.T) {
	alicePort := freeUDPPort(t)
	bobPort := freeUDPPort(t)

	alice := newTestService(t, alicePort)
	bob := newTestService(t, bobPort)

	if err := alice.Start(); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()
	if err := bob.Start(); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer bob.Stop()

	if err := alice.AddBootnode(encodeRawENR(t, bob)); err != nil {
		t.Fatalf("alice add bootnode: %v", err)
	}
	if err := bob.AddBootnode(encodeRawENR(t, alice)); err != nil {
		t.Fatalf("bob add bootnode: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pong, err := alice.Ping(ctx, bob.NodeID())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pong.ENRSeq != bob.LocalENR().Seq {
		t.Errorf("pong enr_seq = %d, want %d", pong.ENRSeq, bob.LocalENR().Seq)
	}
	if pong.PacketIP == nil || !pong.PacketIP.Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("pong packet ip = %v, want 127.0.0.1", pong.PacketIP)
	}
	if int(pong.PacketPort) != alicePort {
		t.Errorf("pong packet port = %d, want %d", pong.PacketPort, alicePort)
	}

	// A second ping reuses the now-established session (no fresh handshake).
	pong2, err := alice.Ping(ctx, bob.NodeID())
	if err != nil {
		t.Fatalf("second ping: %v", err)
	}
	if pong2.ReqID == pong.ReqID {
		t.Errorf("expected a fresh request id for the second ping")
	}
}

// TestSimultaneousInitiate has both nodes ping each other at nearly the same
// time with no established session, forcing the simultaneous-initiate
// tie-break in session/packer.go to resolve the race.
func TestSimultaneousInitiate(t *testing.T) {
	alicePort := freeUDPPort(t)
	bobPort := freeUDPPort(t)

	alice := newTestService(t, alicePort)
	bob := newTestService(t, bobPort)

	if err := alice.Start(); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()
	if err := bob.Start(); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer bob.Stop()

	if err := alice.AddBootnode(encodeRawENR(t, bob)); err != nil {
		t.Fatalf("alice add bootnode: %v", err)
	}
	if err := bob.AddBootnode(encodeRawENR(t, alice)); err != nil {
		t.Fatalf("bob add bootnode: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := alice.Ping(ctx, bob.NodeID())
		errs <- err
	}()
	go func() {
		_, err := bob.Ping(ctx, alice.NodeID())
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("simultaneous ping failed: %v", err)
		}
	}
}
