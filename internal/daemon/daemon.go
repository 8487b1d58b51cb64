// Package daemon wires the capability interfaces into a running node:
// a refdb backend, the tracking store's policy, the request-pull
// server and gossip fanout. The hooks controller is not wired here.
package daemon

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/emberlink/ember/internal/blockingpool"
	"github.com/emberlink/ember/internal/config"
	"github.com/emberlink/ember/internal/gossip"
	"github.com/emberlink/ember/internal/obslog"
	"github.com/emberlink/ember/internal/refdb"
	"github.com/emberlink/ember/internal/refdb/factory"
	"github.com/emberlink/ember/internal/replication"
	"github.com/emberlink/ember/internal/requestpull"
	"github.com/emberlink/ember/internal/rpc"
	"github.com/emberlink/ember/internal/tracking"
)

// Node bundles the capabilities a running emberd needs, assembled from
// Config by Open.
type Node struct {
	Config   *config.Config
	Store    refdb.Store
	Self     refdb.PeerID
	Tracking *tracking.Store
	Pool     *blockingpool.Pool
	Gossip   *gossip.Fanout

	listener net.Listener
	server   *requestpull.Server
}

// Open loads identity material and the refdb backend, and constructs
// the tracking store and blocking pool: store first, then the
// capabilities layered on top of it.
func Open(ctx context.Context, cfg *config.Config) (*Node, error) {
	self, err := loadOrCreateIdentity(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("daemon: identity: %w", err)
	}

	store, err := factory.Open(ctx, cfg.Backend, cfg.BackendPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open backend %s: %w", cfg.Backend, err)
	}

	return &Node{
		Config:   cfg,
		Store:    store,
		Self:     self,
		Tracking: tracking.New(store, store, self),
		Pool:     blockingpool.New(4),
		Gossip:   gossip.NewFanout(),
	}, nil
}

// loadOrCreateIdentity reads an ed25519 seed from path, generating and
// persisting a new one if absent. A missing key file means first run,
// not an error.
func loadOrCreateIdentity(path string) (refdb.PeerID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return refdb.PeerID{}, fmt.Errorf("key file %s holds %d bytes, want a %d-byte seed", path, len(data), ed25519.SeedSize)
		}
		pub := ed25519.NewKeyFromSeed(data).Public().(ed25519.PublicKey)
		return refdb.NewPeerID(pub)
	}
	if !os.IsNotExist(err) {
		return refdb.PeerID{}, err
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return refdb.PeerID{}, err
	}
	seed := priv.Seed()
	if dir := parentDir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return refdb.PeerID{}, err
		}
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return refdb.PeerID{}, err
	}
	return refdb.NewPeerID(priv.Public().(ed25519.PublicKey))
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

// Serve opens the request-pull listener at n.Config.Listen and accepts
// connections until ctx is cancelled or a shutdown signal arrives.
func (n *Node) Serve(ctx context.Context) error {
	listener, err := rpc.Listen(n.Config.Listen)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", n.Config.Listen, err)
	}
	n.listener = listener
	defer listener.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- n.acceptLoop(ctx, listener)
	}()

	select {
	case <-ctx.Done():
		obslog.Logger.Info("emberd: shutting down")
		if n.server != nil {
			n.server.Close()
		}
		listener.Close()
		<-acceptErr
		return nil
	case err := <-acceptErr:
		return err
	}
}

func (n *Node) acceptLoop(ctx context.Context, listener net.Listener) error {
	server := requestpull.NewServer(n.guard, requestpull.ReplicatorFunc(n.replicate), n.Gossip)
	server.MaxSessions = n.Config.MaxSessions
	n.server = server
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}
		go n.handleConn(ctx, server, conn)
	}
}

func (n *Node) handleConn(ctx context.Context, server *requestpull.Server, conn net.Conn) {
	defer conn.Close()
	ctx, end := obslog.Span(ctx, "daemon.request_pull_session")
	err := server.Serve(ctx, conn, refdb.PeerID{}, nil)
	end(err)
	if err != nil {
		obslog.Logger.WithError(err).Warn("emberd: request-pull session ended with an error")
	}
}

func (n *Node) guard(ctx context.Context, peer refdb.PeerID, urn refdb.URN) (fmt.Stringer, error) {
	tracked, err := n.Tracking.IsTracked(ctx, urn, &peer)
	if err != nil {
		return nil, err
	}
	if !tracked {
		return nil, fmt.Errorf("peer %s is not tracked for %s", peer, urn)
	}
	return requestpull.Displayable("tracked peer authorized"), nil
}

// replicate runs the replication driver over conn. With a nil conn,
// which is what handleConn passes, it returns an error saying no git
// transport is wired rather than silently no-op'ing, so a caller
// driving this path sees exactly why nothing replicated (the
// line-oriented pack protocol subprocess this would fetch over is out
// of this core's scope).
func (n *Node) replicate(ctx context.Context, conn replication.Connection, urn refdb.URN, peer refdb.PeerID) (*replication.Outcome, error) {
	if conn == nil {
		return nil, fmt.Errorf("daemon: no git transport wired for this connection")
	}
	policy := tracking.NewRefPolicy(n.Tracking)
	return replication.Replicate(ctx, n.Pool, n.Store, conn, policy, nil, urn, peer, &n.Self, n.Config.Replication.Budget())
}

// Close releases the node's resources.
func (n *Node) Close() error {
	if n.server != nil {
		n.server.Close()
	}
	n.Pool.Close()
	if n.listener != nil {
		return n.listener.Close()
	}
	return nil
}
