// Package server implements the voice server: a TLS control plane and a
// UDP voice datapath sharing a registry of connected users.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iyara/mumble/pkg/datastore"
	"github.com/Iyara/mumble/pkg/model"
	"github.com/Iyara/mumble/pkg/sessionpool"
)

// Server owns all shared state. The users registry's lock is the central
// synchronization point between the control loop and the UDP datapath;
// the channel graph, per-user presence, and the whisper target cache are
// all guarded by it.
type Server struct {
	cfg Config

	users    *Registry
	channels *ChannelGraph
	perms    *PermissionCache
	targets  *TargetResolver
	pool     *sessionpool.Pool

	// incoming carries decoded control frames from per-connection reader
	// goroutines to the control loop; events carries datapath requests.
	incoming chan clientMessage
	events   chan any

	metrics *Metrics
	store   *datastore.Store

	tlsListener net.Listener
	udpConn     *net.UDPConn

	banMu sync.Mutex
	bans  []model.Ban

	ctx    context.Context
	cancel context.CancelFunc
	netwg  sync.WaitGroup
}

// clientMessage is one decoded control frame, or a terminal read error.
type clientMessage struct {
	u       *User
	kind    byte
	payload []byte
	err     error
}

// New creates a Server from a validated config and an open store.
func New(cfg Config, store *datastore.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		users:    NewRegistry(),
		channels: NewChannelGraph("Root"),
		perms:    NewPermissionCache(),
		targets:  NewTargetResolver(),
		pool:     sessionpool.New(),
		incoming: make(chan clientMessage, 64),
		events:   make(chan any, eventQueueSize),
		metrics:  NewMetrics(),
		store:    store,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Metrics returns the server's runtime counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) isClosing() bool { return s.ctx.Err() != nil }

// clearUserCaches invalidates everything derived from one user's
// permissions: the evaluated permission sets and every whisper expansion
// that baked them in. Caller holds the exclusive users lock.
func (s *Server) clearUserCaches(session uint32) {
	s.perms.ClearUser(session)
	s.targets.ClearUser(session)
}

// clearAllCaches invalidates after a structural change (ACLs edited,
// channels created, deleted, moved, or relinked). Caller holds the
// exclusive users lock.
func (s *Server) clearAllCaches() {
	s.perms.ClearAll()
	s.targets.ClearAll()
}

// removeClient tears a user down: marks it dead, drops it from the
// registry and its channel, releases its session id, and closes the
// connection. Safe to call twice; only runs on the control loop.
func (s *Server) removeClient(u *User, reason string) {
	s.users.Lock()
	if u.state == StateDead {
		s.users.Unlock()
		return
	}
	wasAuth := u.state == StateAuthenticated
	u.state = StateDead
	if u.channel != nil {
		delete(u.channel.users, u.session)
		u.channel = nil
	}
	s.users.Remove(u)
	s.clearUserCaches(u.session)
	s.users.Unlock()

	_ = u.conn.Close()
	s.pool.Put(u.session)
	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)

	if wasAuth {
		s.broadcastUserRemove(u, reason)
		slog.Info("user disconnected", "user", u.name, "session", u.session, "reason", reason)
	} else {
		slog.Debug("connection closed before auth", "session", u.session, "reason", reason)
	}
}

// isBanned reports whether a host matches an active ban.
func (s *Server) isBanned(host netip.Addr, now time.Time) bool {
	s.banMu.Lock()
	defer s.banMu.Unlock()
	kept := s.bans[:0]
	banned := false
	for _, b := range s.bans {
		if !b.Active(now) {
			continue
		}
		kept = append(kept, b)
		if b.Matches(host) {
			banned = true
		}
	}
	s.bans = kept
	return banned
}

// addBan records a ban in memory and in the store.
func (s *Server) addBan(b model.Ban) {
	s.banMu.Lock()
	s.bans = append(s.bans, b)
	s.banMu.Unlock()
	if err := s.store.AddBan(&b); err != nil {
		slog.Error("persist ban failed", "error", err)
	}
	s.metrics.BanCount.Add(1)
}

// acceptLoop owns the TLS listener. Each accepted connection gets a
// session id and a reader goroutine; all further handling happens on the
// control loop.
func (s *Server) acceptLoop() {
	defer s.netwg.Done()
	for {
		conn, err := s.tlsListener.Accept()
		if err != nil {
			if s.isClosing() {
				return
			}
			slog.Error("accept failed", "error", err)
			continue
		}
		s.acceptClient(conn)
	}
}

func (s *Server) acceptClient(conn net.Conn) {
	host := hostOf(conn.RemoteAddr())
	if s.isBanned(host, time.Now()) {
		slog.Info("rejected banned host", "host", host)
		_ = conn.Close()
		return
	}

	s.users.RLock()
	full := s.users.Count() >= s.cfg.MaxUsers
	s.users.RUnlock()
	if full {
		slog.Info("rejected connection, server full", "host", host)
		_ = conn.Close()
		return
	}

	session := s.pool.Get()
	u := newUser(session, conn, host)
	if err := u.crypt.GenerateKey(); err != nil {
		slog.Error("crypt key generation failed", "error", err)
		s.pool.Put(session)
		_ = conn.Close()
		return
	}

	s.users.Lock()
	s.users.Add(u)
	s.users.Unlock()

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("new control connection", "host", host, "session", session)

	s.netwg.Add(1)
	go s.readerLoop(u)
}

func hostOf(addr net.Addr) netip.Addr {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if a, ok := netip.AddrFromSlice(tcp.IP); ok {
			return a.Unmap()
		}
	}
	return netip.Addr{}
}

// loadOrGenerateTLS loads the configured certificate pair, generating a
// self-signed one on first start.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile
	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Mumble Server"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: create cert: %w", err)
	}

	certOut, err := os.Create(certPath) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: write cert: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		_ = certOut.Close()
		return tls.Certificate{}, fmt.Errorf("server: encode cert: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("server: close cert file: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: marshal key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: write key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return tls.Certificate{}, fmt.Errorf("server: encode key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("server: close key file: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)
	return tls.LoadX509KeyPair(certPath, keyPath)
}
