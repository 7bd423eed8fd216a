package p2p_test

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/p2p"
	"github.com/ironforge-chain/ironforge/wire"
)

// sendRawFrame writes a length-prefixed frame directly to conn, the same
// wire shape p2p.Service speaks, for tests that need to drive the protocol
// below the level of a full p2p.Service (duplicate Connects, raw requests).
func sendRawFrame(t *testing.T, conn net.Conn, raw []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	_, err := conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
}

func readRawFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(conn, lenBuf[:])
	require.NoError(t, err)
	buf := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

const testNetworkID = 9

func genKey(t *testing.T) crypto.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return k
}

type collector struct {
	mu  sync.Mutex
	msg []wire.Any
}

func (c *collector) handle(from crypto.PublicKey, msg wire.Any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg = append(c.msg, msg)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msg)
}

func TestHandshakeAndMessageDelivery(t *testing.T) {
	keyA := genKey(t)
	keyB := genKey(t)
	var collA collector

	svcA, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyA, ListenAddr: "127.0.0.1:0", Handler: collA.handle})
	require.NoError(t, err)
	svcB, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyB, ListenAddr: "127.0.0.1:0", Handler: func(crypto.PublicKey, wire.Any) {}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svcA.Start(ctx))
	require.NoError(t, svcB.Start(ctx))
	defer svcA.Stop()
	defer svcB.Stop()

	require.NoError(t, svcB.Dial(svcA.Addr().String(), keyA.Public()))

	txRaw, err := wire.EncodeTransaction(testNetworkID, keyB, 6, 1, []byte("payload"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return svcB.Send(keyA.Public(), txRaw) == nil
	}, 200*time.Millisecond, 5*time.Millisecond, "svcB should have svcA registered as a peer after the mutual handshake")

	require.Eventually(t, func() bool {
		return collA.count() == 1
	}, 200*time.Millisecond, 5*time.Millisecond, "svcA's handler should receive the transaction sent by svcB")
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	keyA := genKey(t)
	var collB, collC collector

	svcA, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyA, ListenAddr: "127.0.0.1:0", Handler: func(crypto.PublicKey, wire.Any) {}})
	require.NoError(t, err)
	svcB, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: genKey(t), ListenAddr: "127.0.0.1:0", Handler: collB.handle})
	require.NoError(t, err)
	svcC, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: genKey(t), ListenAddr: "127.0.0.1:0", Handler: collC.handle})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svcA.Start(ctx))
	require.NoError(t, svcB.Start(ctx))
	require.NoError(t, svcC.Start(ctx))
	defer svcA.Stop()
	defer svcB.Stop()
	defer svcC.Stop()

	require.NoError(t, svcB.Dial(svcA.Addr().String(), keyA.Public()))
	require.NoError(t, svcC.Dial(svcA.Addr().String(), keyA.Public()))

	txRaw, err := wire.EncodeTransaction(testNetworkID, keyA, 6, 1, []byte("broadcast"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		svcA.Broadcast(txRaw)
		return collB.count() > 0 && collC.count() > 0
	}, 300*time.Millisecond, 10*time.Millisecond, "broadcast should reach both dialed peers")
}

func TestExcludedPeerMessagesAreDropped(t *testing.T) {
	keyA := genKey(t)
	keyB := genKey(t)
	var collA collector

	svcA, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyA, ListenAddr: "127.0.0.1:0", Handler: collA.handle})
	require.NoError(t, err)
	svcB, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyB, ListenAddr: "127.0.0.1:0", Handler: func(crypto.PublicKey, wire.Any) {}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svcA.Start(ctx))
	require.NoError(t, svcB.Start(ctx))
	defer svcA.Stop()
	defer svcB.Stop()

	require.NoError(t, svcB.Dial(svcA.Addr().String(), keyA.Public()))
	time.Sleep(50 * time.Millisecond)

	svcA.Exclude(keyB.Public(), time.Minute)

	txRaw, err := wire.EncodeTransaction(testNetworkID, keyB, 6, 1, []byte("ignored"))
	require.NoError(t, err)
	require.NoError(t, svcB.Send(keyA.Public(), txRaw))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, collA.count())
}

// TestDuplicateConnectOlderTimestampLoses exercises registerConn's tie-break
// (spec §4.7): of two Connects racing for the same key, the one with the
// older timestamp is dropped and its connection closed.
func TestDuplicateConnectOlderTimestampLoses(t *testing.T) {
	keyA := genKey(t)
	keyB := genKey(t)

	svcA, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyA, ListenAddr: "127.0.0.1:0", Handler: func(crypto.PublicKey, wire.Any) {}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svcA.Start(ctx))
	defer svcA.Stop()

	older, err := net.Dial("tcp", svcA.Addr().String())
	require.NoError(t, err)
	defer older.Close()
	oldRaw, err := wire.EncodeConnect(testNetworkID, keyB, "older-addr:1", 1000)
	require.NoError(t, err)
	sendRawFrame(t, older, oldRaw)
	readRawFrame(t, older) // A's reciprocal Connect

	newer, err := net.Dial("tcp", svcA.Addr().String())
	require.NoError(t, err)
	defer newer.Close()
	newRaw, err := wire.EncodeConnect(testNetworkID, keyB, "newer-addr:1", 2000)
	require.NoError(t, err)
	sendRawFrame(t, newer, newRaw)
	readRawFrame(t, newer) // A's reciprocal Connect

	older.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = older.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF, "the older Connect's connection should be closed once a newer one registers")
}

// TestRequestPeersForwardsKnownConnects exercises the §4.7 peer-exchange
// response path: a RequestPeers from a freshly handshaked peer is answered
// with the Connect message of every other currently connected peer.
func TestRequestPeersForwardsKnownConnects(t *testing.T) {
	keyA := genKey(t)
	keyB := genKey(t)
	keyD := genKey(t)

	svcA, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyA, ListenAddr: "127.0.0.1:0", Handler: func(crypto.PublicKey, wire.Any) {}})
	require.NoError(t, err)
	svcB, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyB, ListenAddr: "127.0.0.1:0", Handler: func(crypto.PublicKey, wire.Any) {}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svcA.Start(ctx))
	require.NoError(t, svcB.Start(ctx))
	defer svcA.Stop()
	defer svcB.Stop()

	require.NoError(t, svcB.Dial(svcA.Addr().String(), keyA.Public()))
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", svcA.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	connectRaw, err := wire.EncodeConnect(testNetworkID, keyD, "requester-addr:1", time.Now().Unix())
	require.NoError(t, err)
	sendRawFrame(t, conn, connectRaw)
	readRawFrame(t, conn) // A's reciprocal Connect

	reqRaw, err := wire.EncodeRequest(testNetworkID, keyD, keyA.Public(), wire.RequestPeers, 0, 0, crypto.Hash{}, time.Now().UnixNano(), nil)
	require.NoError(t, err)
	sendRawFrame(t, conn, reqRaw)

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	frame := readRawFrame(t, conn)
	any, err := wire.Decode(testNetworkID, frame)
	require.NoError(t, err)
	require.NotNil(t, any.Connect)
	require.Equal(t, keyB.Public(), any.Connect.PublicKey, "A should forward B's Connect in answer to D's RequestPeers")
}

// TestStaticPeerReconnectsAfterDisconnect exercises maybeReconnect: a peer
// listed in StaticPeers is redialed after ReconnectTimeout once its
// connection drops, and the reconnect succeeds once the peer's listener
// comes back on the same address.
func TestStaticPeerReconnectsAfterDisconnect(t *testing.T) {
	keyA := genKey(t)
	keyB := genKey(t)

	svcA, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyA, ListenAddr: "127.0.0.1:0", Handler: func(crypto.PublicKey, wire.Any) {}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svcA.Start(ctx))
	addrA := svcA.Addr().String()

	svcB, err := p2p.New(p2p.Config{
		NetworkID:        testNetworkID,
		Self:             keyB,
		ListenAddr:       "127.0.0.1:0",
		ReconnectTimeout: 20 * time.Millisecond,
		StaticPeers:      map[crypto.PublicKey]string{keyA.Public(): addrA},
		Handler:          func(crypto.PublicKey, wire.Any) {},
	})
	require.NoError(t, err)
	require.NoError(t, svcB.Start(ctx))
	defer svcB.Stop()

	require.NoError(t, svcB.Dial(addrA, keyA.Public()))
	require.Eventually(t, func() bool {
		return svcA.Send(keyB.Public(), mustEncodeTx(t, keyB)) == nil
	}, 500*time.Millisecond, 10*time.Millisecond, "A should register B as connected")

	require.NoError(t, svcA.Stop())

	svcA2, err := p2p.New(p2p.Config{NetworkID: testNetworkID, Self: keyA, ListenAddr: addrA, Handler: func(crypto.PublicKey, wire.Any) {}})
	require.NoError(t, err)
	require.NoError(t, svcA2.Start(ctx))
	defer svcA2.Stop()

	require.Eventually(t, func() bool {
		return svcA2.Send(keyB.Public(), mustEncodeTx(t, keyB)) == nil
	}, time.Second, 10*time.Millisecond, "B should redial A after the reconnect timeout once A comes back")
}

func mustEncodeTx(t *testing.T, key crypto.PrivateKey) []byte {
	t.Helper()
	raw, err := wire.EncodeTransaction(testNetworkID, key, 6, 1, []byte("ping"))
	require.NoError(t, err)
	return raw
}
