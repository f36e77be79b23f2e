package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/Iyara/mumble/pkg/acl"
	"github.com/Iyara/mumble/pkg/datastore"
	"github.com/Iyara/mumble/pkg/model"
	"github.com/Iyara/mumble/pkg/version"
)

// Run starts the server and blocks until a shutdown signal. The server
// owns the store from here on and closes it on the way out.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	defer func() { _ = s.store.Close() }()

	if err := s.loadState(); err != nil {
		return err
	}

	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		return fmt.Errorf("server: tls: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.tlsListener = ln

	udpConn, err := listenUDP(s.cfg.Host, s.cfg.Port)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("server: listen voice: %w", err)
	}
	s.udpConn = udpConn

	s.netwg.Add(3)
	go s.acceptLoop()
	go s.udpLoop()
	go s.handlerLoop()

	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	slog.Info("server running",
		"version", version.String(),
		"addr", addr,
		"max_users", s.cfg.MaxUsers,
		"max_bandwidth", s.cfg.MaxBandwidth,
		"channels", s.channels.Len(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	s.Shutdown()
	return nil
}

// Shutdown stops the listeners, disconnects every client, and waits for
// the server goroutines to drain.
func (s *Server) Shutdown() {
	s.cancel()
	if s.tlsListener != nil {
		_ = s.tlsListener.Close()
	}
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}

	s.users.Lock()
	all := s.users.All()
	s.users.Unlock()
	for _, u := range all {
		_ = u.conn.Close()
	}

	s.netwg.Wait()
	s.metrics.LogSummary()
}

// loadState builds the in-memory channel graph, ACLs, and ban list from
// the store.
func (s *Server) loadState() error {
	if err := s.store.EnsureRootChannel("Root"); err != nil {
		return fmt.Errorf("server: ensure root: %w", err)
	}

	persisted, err := s.store.ListChannels()
	if err != nil {
		return fmt.Errorf("server: load channels: %w", err)
	}

	// Parents get lower ids than their children on a fresh database, but
	// reparenting can break that, so insert in passes until the tree
	// settles.
	byID := make(map[int64]bool, len(persisted))
	byID[datastore.RootChannelID] = true
	if root := findChannel(persisted, datastore.RootChannelID); root != nil {
		s.channels.Root().Name = root.Name
		s.channels.Root().Description = root.Description
	}
	pending := make([]int, 0, len(persisted))
	for i := range persisted {
		if persisted[i].ID != datastore.RootChannelID {
			pending = append(pending, i)
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		return persisted[pending[a]].ID < persisted[pending[b]].ID
	})
	for len(pending) > 0 {
		progress := false
		rest := pending[:0]
		for _, i := range pending {
			pc := &persisted[i]
			parent := s.channels.Get(pc.ParentID)
			if parent == nil {
				rest = append(rest, i)
				continue
			}
			c := s.channels.AddWithID(pc.ID, pc.Name, parent)
			c.Description = pc.Description
			c.ACL.InheritACL = pc.InheritACL
			byID[pc.ID] = true
			progress = true
		}
		pending = rest
		if !progress {
			return fmt.Errorf("server: channel tree has orphans: %d unplaced", len(pending))
		}
	}

	links, err := s.store.ListLinks()
	if err != nil {
		return fmt.Errorf("server: load links: %w", err)
	}
	for _, l := range links {
		a, b := s.channels.Get(l.A), s.channels.Get(l.B)
		if a != nil && b != nil {
			s.channels.Link(a, b)
		}
	}

	for id := range byID {
		c := s.channels.Get(id)
		entries, err := s.store.ListACLEntries(id)
		if err != nil {
			return fmt.Errorf("server: load acl: %w", err)
		}
		for _, e := range entries {
			c.ACL.Rules = append(c.ACL.Rules, acl.Rule{
				UserID:    e.UserID,
				Group:     e.Group,
				ApplyHere: e.ApplyHere,
				ApplySubs: e.ApplySubs,
				Allow:     acl.Permission(e.Allow),
				Deny:      acl.Permission(e.Deny),
			})
		}
		members, err := s.store.ListGroupMembers(id)
		if err != nil {
			return fmt.Errorf("server: load groups: %w", err)
		}
		for _, m := range members {
			g := c.ACL.Groups[m.Group]
			if g == nil {
				g = acl.NewGroup(m.Group)
				c.ACL.Groups[m.Group] = g
			}
			g.Members[m.UserID] = true
		}
	}

	if err := s.store.RemoveExpiredBans(time.Now()); err != nil {
		slog.Warn("purge expired bans failed", "error", err)
	}
	bans, err := s.store.ListBans()
	if err != nil {
		return fmt.Errorf("server: load bans: %w", err)
	}
	s.bans = bans

	return nil
}

func findChannel(channels []model.Channel, id int64) *model.Channel {
	for i := range channels {
		if channels[i].ID == id {
			return &channels[i]
		}
	}
	return nil
}
