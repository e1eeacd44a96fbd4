package karpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/veilrelay/gateway/keyalloc"
)

// KeyAllocatorService adapts keyalloc.Allocator to the net/rpc calling
// convention: one exported method per RPC, each taking (args, *reply).
type KeyAllocatorService struct {
	allocator *keyalloc.Allocator
	logger    *zap.Logger
}

// NewKeyAllocatorService wraps allocator for RPC exposure.
func NewKeyAllocatorService(allocator *keyalloc.Allocator, logger *zap.Logger) *KeyAllocatorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyAllocatorService{allocator: allocator, logger: logger}
}

func toModelRequests(in []ModelRequest) []keyalloc.ModelRequest {
	out := make([]keyalloc.ModelRequest, len(in))
	for i, m := range in {
		out[i] = keyalloc.ModelRequest{Provider: m.Provider, Model: m.Model}
	}
	return out
}

// SelectKeysForSession is the RPC named in §6.
func (s *KeyAllocatorService) SelectKeysForSession(args SelectKeysArgs, reply *SelectKeysReply) error {
	selected, err := s.allocator.SelectKeys(context.Background(), args.SessionID, args.UserID, toModelRequests(args.Models), args.CountPerModel)
	if err != nil {
		return err
	}
	keys := make([]SelectedKey, len(selected))
	for i, k := range selected {
		keys[i] = SelectedKey{
			KeyID: k.KeyID, Provider: k.Provider, Model: k.Model, Secret: k.Secret,
			HourlyTokens: k.HourlyTokens, LifeTokens: k.LifeTokens, Status: string(k.Status),
		}
	}
	reply.Keys = keys
	return nil
}

// ReleaseKey is the RPC named in §6 (implements §4.1's ReleaseSession).
func (s *KeyAllocatorService) ReleaseKey(args ReleaseKeyArgs, reply *struct{}) error {
	return s.allocator.ReleaseSession(context.Background(), args.SessionID)
}

// ReloadKeys is the RPC named in §6.
func (s *KeyAllocatorService) ReloadKeys(args ReloadKeysArgs, reply *ReloadKeysReply) error {
	counts, err := s.allocator.ReloadKeys(context.Background(), args.Path)
	if err != nil {
		return err
	}
	reply.PoolCounts = counts
	return nil
}

// TrackUsage is the RPC named in §6.
func (s *KeyAllocatorService) TrackUsage(args TrackUsageArgs, reply *struct{}) error {
	return s.allocator.TrackUsage(context.Background(), args.KeyID, args.Tokens)
}

// GetStats is the RPC named in §6.
func (s *KeyAllocatorService) GetStats(args StatsArgs, reply *GetStatsReply) error {
	stats, err := s.allocator.GetStats(context.Background(), toModelRequests(args.Models))
	if err != nil {
		return err
	}
	pools := make([]PoolStats, len(stats))
	for i, p := range stats {
		pools[i] = PoolStats{Provider: p.Provider, Model: p.Model, KeyCount: p.KeyCount}
	}
	reply.Pools = pools
	return nil
}

// GetDetailedStats is the RPC named in §6.
func (s *KeyAllocatorService) GetDetailedStats(args StatsArgs, reply *GetDetailedStatsReply) error {
	details, err := s.allocator.GetDetailedStats(context.Background(), toModelRequests(args.Models))
	if err != nil {
		return err
	}
	keys := make([]KeyDetail, len(details))
	for i, d := range details {
		keys[i] = KeyDetail{
			KeyID: d.KeyID, Provider: d.Provider, Model: d.Model,
			HourlyTokens: d.HourlyTokens, LifeTokens: d.LifeTokens, Status: d.Status,
		}
	}
	reply.Keys = keys
	return nil
}

// Health is the RPC named in §6.
func (s *KeyAllocatorService) Health(args struct{}, reply *HealthReply) error {
	if err := s.allocator.Health(context.Background()); err != nil {
		reply.OK = false
		reply.Error = err.Error()
		return nil
	}
	reply.OK = true
	return nil
}

// Server serves a KeyAllocatorService over a Unix-domain socket.
type Server struct {
	socketPath string
	listener   net.Listener
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewServer registers service on a fresh *rpc.Server and binds socketPath,
// removing any stale socket file left behind by a prior unclean shutdown.
func NewServer(socketPath string, service *KeyAllocatorService, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("KeyAllocator", service); err != nil {
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", socketPath, err)
	}

	srv := &Server{socketPath: socketPath, listener: listener, logger: logger}
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go rpcServer.ServeConn(conn)
		}
	}()

	logger.Info("key allocator rpc server listening", zap.String("socket", socketPath))
	return srv, nil
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}
