// Package p2p implements the raw TCP transport of spec §6: a stream of
// length-prefixed wire-framed messages per connection, a Connect handshake
// establishing each peer's public key, and a gossip-style broadcast to
// every connected peer. The teacher's own p2p stack (beacon-chain/p2p) is
// built on libp2p's gossipsub/kad-dht, which only makes sense for an
// open/discoverable network; a permissioned validator set of known peers
// calls for direct TCP dialing instead, so this package keeps only the
// teacher's identity primitive (libp2p-core crypto.PrivKey, reused via the
// crypto package) and replaces the rest of the transport.
package p2p

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ironforge-chain/ironforge/crypto"
	"github.com/ironforge-chain/ironforge/wire"
)

var log = logrus.WithField("prefix", "p2p")

// maxFrameSize bounds a single message so a corrupt or hostile length
// prefix can't make a reader allocate unbounded memory.
const maxFrameSize = 16 << 20

// Handler receives a fully decoded message from a peer. Connect, Status,
// Request, Transaction and BlockMessage signatures were verified during
// decode; Propose, Prevote, Precommit and ConfigVote name only a validator
// index, so the caller (consensus.Service) checks their signatures before
// acting on them.
type Handler func(from crypto.PublicKey, msg wire.Any)

// Config configures a Service.
type Config struct {
	NetworkID  uint16
	Self       crypto.PrivateKey
	ListenAddr string
	Handler    Handler

	// PeerExchangeTimeout is how often the service asks a random connected
	// peer for its own peer list (spec §4.7). Defaults to 5s.
	PeerExchangeTimeout time.Duration
	// ReconnectTimeout is how long to wait before redialing a statically
	// configured peer after it disconnects. Defaults to 3s.
	ReconnectTimeout time.Duration
	// StaticPeers are the validator peers dialed at startup, keyed by
	// their public key; a disconnect from one of them triggers a
	// redial attempt after ReconnectTimeout.
	StaticPeers map[crypto.PublicKey]string
	// OnDisconnect, if set, is called with a peer's key once its
	// connection is torn down, so the consensus layer can purge any
	// in-flight requests addressed to it.
	OnDisconnect func(crypto.PublicKey)
}

// Service accepts inbound connections, dials outbound peers, and exposes
// Send/Broadcast to the consensus layer. Exclusion of misbehaving peers is
// tracked in a short-lived ristretto cache rather than a permanent
// blocklist, the same cache library the teacher uses for its read-through
// stores, repurposed here as a peer scoring cache.
type Service struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listener net.Listener

	mu    sync.RWMutex
	conns map[crypto.PublicKey]*peerConn

	excluded *ristretto.Cache

	staticPeers map[crypto.PublicKey]string
}

type peerConn struct {
	conn net.Conn
	w    *bufio.Writer
	mu   sync.Mutex

	// connectRaw and timestamp are the peer's own handshake Connect
	// message and its declared timestamp: connectRaw is forwarded
	// verbatim to other peers during peer exchange, and timestamp
	// breaks ties between two Connects racing for the same key.
	connectRaw []byte
	timestamp  int64
}

// New builds a Service. Call Start to begin listening and accepting.
func New(cfg Config) (*Service, error) {
	if cfg.PeerExchangeTimeout <= 0 {
		cfg.PeerExchangeTimeout = 5 * time.Second
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 3 * time.Second
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create peer exclusion cache")
	}
	staticPeers := make(map[crypto.PublicKey]string, len(cfg.StaticPeers))
	for k, addr := range cfg.StaticPeers {
		staticPeers[k] = addr
	}
	return &Service{cfg: cfg, conns: make(map[crypto.PublicKey]*peerConn), excluded: cache, staticPeers: staticPeers}, nil
}

// Start opens the listening socket and begins accepting connections.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.listener = ln

	s.wg.Add(2)
	go s.acceptLoop()
	go s.peerExchangeLoop()
	return nil
}

// Stop closes the listener and every connection, and waits for their
// reader goroutines to exit.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for _, pc := range s.conns {
		pc.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Addr returns the listener's bound address, useful when ListenAddr used
// port 0 and the actual port is only known after Start.
func (s *Service) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.WithError(err).Error("accept failed")
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn, nil)
	}
}

// Dial connects to a peer's listen address and performs the Connect
// handshake. expectedKey, if non-zero, is verified against the peer's
// handshake key before the connection is kept.
func (s *Service) Dial(addr string, expectedKey crypto.PublicKey) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	raw, err := wire.EncodeConnect(s.cfg.NetworkID, s.cfg.Self, s.cfg.ListenAddr, time.Now().Unix())
	if err != nil {
		conn.Close()
		return err
	}
	if err := writeFrame(conn, raw); err != nil {
		conn.Close()
		return err
	}
	s.wg.Add(1)
	go s.handleConn(conn, &expectedKey)
	return nil
}

func (s *Service) handleConn(conn net.Conn, expectedKey *crypto.PublicKey) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	var peerKey crypto.PublicKey
	var pc *peerConn
	handshaked := false

	for {
		raw, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("connection read error, dropping")
			}
			break
		}
		any, err := wire.Decode(s.cfg.NetworkID, raw)
		if err != nil {
			log.WithError(err).Warn("malformed message, dropping connection")
			break
		}

		if !handshaked {
			if any.Connect == nil {
				log.Warn("first message on connection was not Connect, dropping")
				break
			}
			if expectedKey != nil && any.Connect.PublicKey != *expectedKey {
				log.Warn("peer public key mismatch, dropping")
				break
			}
			peerKey = any.Connect.PublicKey
			var accepted bool
			pc, accepted = s.registerConn(peerKey, conn, any.Connect.Raw(), any.Connect.Timestamp)
			if !accepted {
				log.WithField("peer", peerKey).Debug("stale duplicate connect, dropping")
				break
			}
			handshaked = true

			// The handshake is mutual: whichever side accepted the
			// connection (didn't already send its own Connect via Dial)
			// announces itself back over the same socket so the dialer
			// registers this side as a peer too.
			if expectedKey == nil {
				raw, err := wire.EncodeConnect(s.cfg.NetworkID, s.cfg.Self, s.cfg.ListenAddr, time.Now().Unix())
				if err != nil {
					log.WithError(err).Error("encode reciprocal connect")
					break
				}
				if err := s.Send(peerKey, raw); err != nil {
					log.WithError(err).Debug("failed to send reciprocal connect")
					break
				}
			}
			continue
		}

		if s.isExcluded(peerKey) {
			break
		}

		if any.Request != nil && any.Request.Kind == wire.RequestPeers {
			s.respondPeers(any.Request)
			continue
		}
		if any.Connect != nil {
			s.handlePeerGossip(any.Connect)
			continue
		}

		s.cfg.Handler(peerKey, any)
	}

	if handshaked {
		s.handleDisconnect(peerKey, pc)
	}
}

// registerConn installs conn as the connection for key, unless an existing
// connection for key carries a timestamp at or after the new one — spec
// §4.7's tie-break for two Connects racing for the same key, where the
// older loses and the connection that sent it is closed.
func (s *Service) registerConn(key crypto.PublicKey, conn net.Conn, connectRaw []byte, timestamp int64) (*peerConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conns[key]; ok {
		if existing.timestamp >= timestamp {
			return nil, false
		}
		existing.conn.Close()
	}
	pc := &peerConn{conn: conn, w: bufio.NewWriter(conn), connectRaw: connectRaw, timestamp: timestamp}
	s.conns[key] = pc
	return pc, true
}

// unregisterConn removes pc only if it is still the registered connection
// for key, so a stale connection's deferred cleanup can't delete the entry
// installed by the connection that won registerConn's tie-break.
func (s *Service) unregisterConn(key crypto.PublicKey, pc *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[key] != pc {
		return false
	}
	delete(s.conns, key)
	return true
}

// handleDisconnect runs once a connection's read loop exits. It notifies
// the consensus layer so any in-flight requests.Tracker state addressed to
// this peer is purged, and attempts a reconnect if the peer is one of the
// statically configured validators.
func (s *Service) handleDisconnect(key crypto.PublicKey, pc *peerConn) {
	if pc == nil || !s.unregisterConn(key, pc) {
		return
	}
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(key)
	}
	s.maybeReconnect(key)
}

// maybeReconnect redials a statically configured peer after
// ReconnectTimeout, giving up if the service is shutting down.
func (s *Service) maybeReconnect(key crypto.PublicKey) {
	addr, ok := s.staticPeers[key]
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.cfg.ReconnectTimeout):
		case <-s.ctx.Done():
			return
		}
		if err := s.Dial(addr, key); err != nil {
			log.WithError(err).WithField("peer", key).Debug("reconnect attempt failed")
		}
	}()
}

// respondPeers answers a RequestPeers by forwarding every other connected
// peer's original handshake Connect message, letting the requester dial
// them directly without this service acting as a relay for anything but
// the introduction.
func (s *Service) respondPeers(req *wire.Request) {
	if req.Expired(time.Now()) {
		return
	}
	s.mu.RLock()
	raws := make([][]byte, 0, len(s.conns))
	for key, pc := range s.conns {
		if key == req.From {
			continue
		}
		raws = append(raws, pc.connectRaw)
	}
	s.mu.RUnlock()
	for _, raw := range raws {
		if err := s.Send(req.From, raw); err != nil {
			log.WithError(err).Debug("failed to forward peer gossip entry")
			return
		}
	}
}

// handlePeerGossip dials a peer learned about via peer exchange, unless it
// is already connected or is this node itself.
func (s *Service) handlePeerGossip(c *wire.Connect) {
	if c.PublicKey == s.cfg.Self.Public() {
		return
	}
	s.mu.RLock()
	_, known := s.conns[c.PublicKey]
	s.mu.RUnlock()
	if known {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Dial(c.Address, c.PublicKey); err != nil {
			log.WithError(err).WithField("peer", c.PublicKey).Debug("peer gossip dial failed")
		}
	}()
}

// peerExchangeLoop periodically asks a random connected peer for its own
// peer list (spec §4.7), growing the mesh beyond the statically configured
// peers each node starts with.
func (s *Service) peerExchangeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PeerExchangeTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.requestPeersFromRandomPeer()
		}
	}
}

func (s *Service) requestPeersFromRandomPeer() {
	s.mu.RLock()
	keys := make([]crypto.PublicKey, 0, len(s.conns))
	for k := range s.conns {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	if len(keys) == 0 {
		return
	}
	to := keys[rand.Intn(len(keys))]
	raw, err := wire.EncodeRequest(s.cfg.NetworkID, s.cfg.Self, to, wire.RequestPeers, 0, 0, crypto.Hash{}, time.Now().UnixNano(), nil)
	if err != nil {
		log.WithError(err).Error("encode peer exchange request")
		return
	}
	if err := s.Send(to, raw); err != nil {
		log.WithError(err).Debug("failed to send peer exchange request")
	}
}

// Exclude marks a peer as misbehaving for the given duration; inbound
// messages from it are dropped without being handed to Handler.
func (s *Service) Exclude(key crypto.PublicKey, ttl time.Duration) {
	s.excluded.SetWithTTL(key.Bytes(), true, 1, ttl)
}

func (s *Service) isExcluded(key crypto.PublicKey) bool {
	_, ok := s.excluded.Get(key.Bytes())
	return ok
}

// Send delivers raw to a single connected peer.
func (s *Service) Send(to crypto.PublicKey, raw []byte) error {
	s.mu.RLock()
	pc, ok := s.conns[to]
	s.mu.RUnlock()
	if !ok {
		return errors.New("p2p: peer not connected")
	}
	return pc.write(raw)
}

// Broadcast delivers raw to every connected peer concurrently, bounded by
// the current peer set (never more in flight than connected peers), and
// best-effort: one peer's write failure never blocks or cancels delivery
// to the rest.
func (s *Service) Broadcast(raw []byte) {
	s.mu.RLock()
	targets := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		targets = append(targets, pc)
	}
	s.mu.RUnlock()

	var g errgroup.Group
	for _, pc := range targets {
		pc := pc
		g.Go(func() error {
			if err := pc.write(raw); err != nil {
				log.WithError(err).Debug("broadcast write failed for one peer")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (pc *peerConn) write(raw []byte) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return writeFrameBuf(pc.w, raw)
}

func writeFrame(w io.Writer, raw []byte) error {
	bw := bufio.NewWriter(w)
	if err := writeFrameBuf(bw, raw); err != nil {
		return err
	}
	return bw.Flush()
}

func writeFrameBuf(w *bufio.Writer, raw []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, errors.New("p2p: frame exceeds maximum size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
