package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/WuKongIM/kvraft/internal/options"
	"github.com/WuKongIM/kvraft/pkg/kvstore"
	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/WuKongIM/kvraft/pkg/raftstore"
	"github.com/WuKongIM/kvraft/pkg/transport"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/WuKongIM/kvraft/version"
	"github.com/gin-gonic/gin"
	"github.com/judwhite/go-svc"
	"github.com/lni/goutils/syncutil"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Server struct {
	opts        *options.Options         // 配置
	wklog.Log                            // 日志
	storage     raftstore.Storage        // raft日志存储
	node        *raftnode.Node           // raft节点
	raftServer  *transport.Server        // raft rpc服务
	sm          *kvstore.StateMachine    // kv状态机
	applyC      chan raftnode.Apply      // 已提交操作
	apiServer   *APIServer               // api服务
	timingWheel *timingwheel.TimingWheel // 定时任务
	stopper     *syncutil.Stopper
	start       time.Time // 服务开始时间
	started     atomic.Bool

	ctx    context.Context // 存储故障时取消，go-svc据此退出
	cancel context.CancelFunc
	err    atomic.Error
}

func New(opts *options.Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:        opts,
		Log:         wklog.NewWKLog("Server"),
		sm:          kvstore.New(),
		applyC:      make(chan raftnode.Apply, 1024),
		timingWheel: timingwheel.NewTimingWheel(time.Millisecond*100, 60),
		stopper:     syncutil.NewStopper(),
		ctx:         ctx,
		cancel:      cancel,
	}
	gin.SetMode(opts.GinMode)
	raftnode.RegisterMetrics()
	s.apiServer = NewAPIServer(s)
	return s
}

func (s *Server) Init(env svc.Environment) error {
	if env.IsWindowsService() {
		dir := filepath.Dir(os.Args[0])
		return os.Chdir(dir)
	}
	return nil
}

func (s *Server) Start() error {
	if err := s.opts.Check(); err != nil {
		return err
	}
	s.start = time.Now()
	s.Info("kvraft is Starting...")
	s.Info(fmt.Sprintf("  Mode:  %s", s.opts.Mode))
	s.Info(fmt.Sprintf("  NodeID:  %d", s.opts.NodeID))
	s.Info(fmt.Sprintf("  Version:  %s", version.Version))
	s.Info(fmt.Sprintf("  Git:  %s", fmt.Sprintf("%s-%s", version.CommitDate, version.Commit)))
	s.Info(fmt.Sprintf("  Go build:  %s", runtime.Version()))
	s.Info(fmt.Sprintf("  DataDir:  %s", s.opts.DataDir))
	s.Info(fmt.Sprintf("  Storage:  %s", s.opts.Storage.Engine))

	if err := s.opts.InitSeqGenerator(); err != nil {
		return err
	}
	storage, err := s.openStorage()
	if err != nil {
		return err
	}
	s.storage = storage

	s.node, err = raftnode.New(s.raftOptions())
	if err != nil {
		return errors.Wrap(err, "create raft node")
	}
	s.raftServer = transport.NewServer(s.opts.Raft.Addr, s.node, transport.WithMaxMsgSize(s.opts.TransportMsgSize()))
	if err = s.raftServer.Start(); err != nil {
		return err
	}
	s.stopper.RunWorker(func() {
		s.sm.Run(s.stopper.ShouldStop(), s.applyC)
	})
	if err = s.node.Start(); err != nil {
		return errors.Wrap(err, "start raft node")
	}
	s.stopper.RunWorker(s.watchFatal)

	if err = s.apiServer.Start(); err != nil {
		return err
	}
	s.timingWheel.Start()
	s.Schedule(s.opts.StatusInterval, s.logStatus)

	s.started.Store(true)
	s.Info(fmt.Sprintf("Listening  for raft rpc on %s", s.raftServer.Addr()))
	s.Info(fmt.Sprintf("Listening  for Http api on %s", fmt.Sprintf("http://%s", s.apiServer.Addr())))
	s.Info("Server is ready")
	return nil
}

func (s *Server) Stop() error {
	s.Info("Server is Stoping...")
	defer s.Info("Server is exited")

	s.started.Store(false)
	s.apiServer.Stop()
	s.timingWheel.Stop()
	if s.raftServer != nil {
		s.raftServer.Stop()
	}
	if s.node != nil {
		s.node.Stop()
	}
	s.stopper.Stop()
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.Warn("close storage failed", zap.Error(err))
		}
	}
	s.cancel()
	_ = wklog.Sync()
	return nil
}

// Context is done once the node hit a fatal error; go-svc stops the service
// when it is.
func (s *Server) Context() context.Context {
	return s.ctx
}

// Err returns the fatal error that stopped the node, if any.
func (s *Server) Err() error {
	return s.err.Load()
}

// Schedule 周期任务
func (s *Server) Schedule(interval time.Duration, f func()) *timingwheel.Timer {
	return s.timingWheel.ScheduleFunc(&everyScheduler{
		Interval: interval,
	}, f)
}

func (s *Server) Node() *raftnode.Node {
	return s.node
}

func (s *Server) StateMachine() *kvstore.StateMachine {
	return s.sm
}

func (s *Server) openStorage() (raftstore.Storage, error) {
	switch s.opts.Storage.Engine {
	case options.StorageMemory:
		return raftstore.NewMemoryStorage(), nil
	default:
		dir := s.opts.RaftDir()
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create raft dir %s", dir)
		}
		ps := raftstore.NewPebbleStorage(dir)
		if err := ps.Open(); err != nil {
			return nil, err
		}
		return ps, nil
	}
}

func (s *Server) raftOptions() *raftnode.Options {
	opts := raftnode.NewOptions().With(
		raftnode.WithNodeID(s.opts.NodeID),
		raftnode.WithAddr(s.opts.Raft.Addr),
		raftnode.WithPeers(s.opts.PeerMap()),
		raftnode.WithJoin(s.opts.Join),
		raftnode.WithStorage(s.storage),
		raftnode.WithTransport(transport.New(s.opts.NodeID, transport.WithMaxMsgSize(s.opts.TransportMsgSize()))),
		raftnode.WithApplyC(s.applyC),
		raftnode.WithDecode(kvstore.Decode),
		raftnode.WithTickInterval(s.opts.Raft.TickInterval),
		raftnode.WithElectionTick(s.opts.Raft.ElectionTick),
		raftnode.WithHeartbeatTick(s.opts.Raft.HeartbeatTick),
		raftnode.WithEventQueueSize(s.opts.Raft.EventQueueSize),
		raftnode.WithSendQueueSize(s.opts.Raft.SendQueueSize),
		raftnode.WithDispatchPoolSize(s.opts.Raft.DispatchPoolSize),
		raftnode.WithSendTimeout(s.opts.Raft.SendTimeout),
		raftnode.WithMaxEntrySize(s.opts.MaxEntrySize()),
	)
	opts.MaxSizePerMsg = s.opts.Raft.MaxSizePerMsg
	opts.MaxInflightMsgs = s.opts.Raft.MaxInflightMsgs
	opts.PreVote = s.opts.Raft.PreVote
	opts.CheckQuorum = s.opts.Raft.CheckQuorum
	opts.MaxUncommittedEntriesSize = s.opts.Raft.MaxUncommittedEntriesSize
	return opts
}

// watchFatal turns a storage failure of the node into a service stop with an
// error, so a supervisor can restart the process.
func (s *Server) watchFatal() {
	select {
	case err := <-s.node.Fatal():
		s.Error("raft node failed, stopping server", zap.Error(err))
		s.err.Store(err)
		s.cancel()
	case <-s.stopper.ShouldStop():
	}
}

func (s *Server) logStatus() {
	if !s.started.Load() {
		return
	}
	st := s.node.Status()
	s.Info("status",
		zap.Uint64("leader", st.LeaderID),
		zap.Uint64("term", st.Term),
		zap.Uint64("committed", st.Committed),
		zap.Uint64("applied", st.Applied),
		zap.Uint64("kvApplied", s.sm.AppliedIndex()),
		zap.Int("pending", st.Pending),
		zap.Int("peers", s.node.Addresses().Len()),
		zap.Duration("uptime", time.Since(s.start)),
	)
}

type everyScheduler struct {
	Interval time.Duration
}

func (s *everyScheduler) Next(prev time.Time) time.Time {
	return prev.Add(s.Interval)
}
