package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/WuKongIM/kvraft/pkg/client"
	"github.com/WuKongIM/kvraft/pkg/kvstore"
	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/WuKongIM/kvraft/pkg/wkhttp"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/pprof"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer serves the client HTTP API.
type APIServer struct {
	r    *wkhttp.WKHttp
	addr string
	srv  *http.Server
	lis  net.Listener
	s    *Server
	wklog.Log
}

func NewAPIServer(s *Server) *APIServer {
	log := wklog.NewWKLog("APIServer")
	hs := &APIServer{
		r:    wkhttp.NewWithLogger(wkhttp.LoggerWithWklog(log)),
		addr: s.opts.HTTPAddr,
		s:    s,
		Log:  log,
	}
	if s.opts.PprofOn {
		pprof.Register(hs.r.GetGinRoute()) // 注册pprof
	}
	hs.r.Use(wkhttp.CORSMiddleware(), requestIDMiddleware())
	hs.r.GetGinRoute().Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	hs.setRoutes()
	return hs
}

// Start 开始
func (a *APIServer) Start() error {
	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", a.addr)
	}
	a.lis = lis
	a.srv = &http.Server{Handler: a.r}
	go func() {
		if err := a.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			a.Error("api server stopped", zap.Error(err))
		}
	}()
	a.Info("ApiServer started", zap.String("addr", lis.Addr().String()))
	return nil
}

// Stop 停止服务
func (a *APIServer) Stop() {
	if a.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		a.Warn("api server shutdown", zap.Error(err))
	}
}

func (a *APIServer) Addr() string {
	if a.lis == nil {
		return a.addr
	}
	return a.lis.Addr().String()
}

func (a *APIServer) setRoutes() {
	a.r.GET("/health", func(c *wkhttp.Context) {
		c.ResponseOK()
	})
	a.r.Handle(http.MethodGet, "/metrics", promhttp.Handler())

	a.r.PUT("/kv/:key", a.put)
	a.r.GET("/kv/:key", a.get)
	a.r.DELETE("/kv/:key", a.delete)

	a.r.GET("/cluster/status", a.status)
	a.r.GET("/cluster/members", a.members)
	a.r.POST("/cluster/members", a.addMember)
	a.r.DELETE("/cluster/members/:id", a.removeMember)
}

func (a *APIServer) put(c *wkhttp.Context) {
	// 超过MaxValueSize时读取返回MaxBytesError
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(a.s.opts.MaxValueSize))
	value, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.ResponseError(errors.Wrapf(kvstore.ErrValueTooLarge, "limit %d bytes", a.s.opts.MaxValueSize))
			return
		}
		c.ResponseError(err)
		return
	}
	a.proposeOp(c, kvstore.Put(c.Param("key"), value))
}

func (a *APIServer) delete(c *wkhttp.Context) {
	a.proposeOp(c, kvstore.Delete(c.Param("key")))
}

// get 读本地状态机，非leader节点可能读到旧值
func (a *APIServer) get(c *wkhttp.Context) {
	key := c.Param("key")
	value, ok := a.s.sm.Get(key)
	if !ok {
		c.ResponseErrorWithStatus(http.StatusNotFound, errors.New("key not found"))
		return
	}
	c.ResponseOKWithData(client.KV{
		Key:   key,
		Value: value,
		Index: a.s.sm.AppliedIndex(),
	})
}

func (a *APIServer) status(c *wkhttp.Context) {
	st := a.s.node.Status()
	c.ResponseOKWithData(client.Status{
		ID:           st.ID,
		LeaderID:     st.LeaderID,
		IsLeader:     st.IsLeader(),
		Term:         st.Term,
		Committed:    st.Committed,
		Applied:      st.Applied,
		Pending:      st.Pending,
		AppliedIndex: a.s.sm.AppliedIndex(),
		Keys:         a.s.sm.Len(),
	})
}

func (a *APIServer) members(c *wkhttp.Context) {
	c.ResponseOKWithData(toMembers(a.s.node.Addresses()))
}

func (a *APIServer) addMember(c *wkhttp.Context) {
	var req client.Member
	if err := c.ShouldBindJSON(&req); err != nil {
		c.ResponseError(errors.Wrap(err, "invalid member"))
		return
	}
	if req.ID == 0 {
		c.ResponseError(errors.New("id is required"))
		return
	}
	if req.Addr == "" {
		c.ResponseError(errors.New("addr is required"))
		return
	}
	if len(req.Addr) > raftnode.MaxAddrLen {
		c.ResponseError(errors.Wrapf(raftnode.ErrAddrTooLong, "limit %d bytes", raftnode.MaxAddrLen))
		return
	}
	a.proposeConfChange(c, raftnode.ConfChange{Type: raftnode.ConfChangeAddNode, NodeID: req.ID, Addr: req.Addr})
}

func (a *APIServer) removeMember(c *wkhttp.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.ResponseError(errors.New("invalid node id"))
		return
	}
	a.proposeConfChange(c, raftnode.ConfChange{Type: raftnode.ConfChangeRemoveNode, NodeID: id})
}

func (a *APIServer) proposeOp(c *wkhttp.Context, op *kvstore.Op) {
	if len(op.Key) > kvstore.MaxKeyLen {
		c.ResponseError(kvstore.ErrKeyTooLong)
		return
	}
	a.wait(c, func(ctx context.Context, seq uint64, cb raftnode.Callback) error {
		return a.s.node.Propose(ctx, seq, op, cb)
	}, true)
}

func (a *APIServer) proposeConfChange(c *wkhttp.Context, cc raftnode.ConfChange) {
	a.wait(c, func(ctx context.Context, seq uint64, cb raftnode.Callback) error {
		return a.s.node.ProposeConfChange(ctx, seq, cc, cb)
	}, false)
}

// wait submits a proposal and blocks until its callback fires. Kv writes also
// wait for the local state machine, so a read on this node sees the write.
func (a *APIServer) wait(c *wkhttp.Context, submit func(context.Context, uint64, raftnode.Callback) error, applied bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.s.opts.RequestTimeout)
	defer cancel()

	resC := make(chan raftnode.Result, 1)
	seq := a.s.opts.GenSeq()
	if err := submit(ctx, seq, func(r raftnode.Result) {
		resC <- r
	}); err != nil {
		a.responseFailure(c, raftnode.Result{Err: err})
		return
	}
	select {
	case res := <-resC:
		if !res.Success {
			a.responseFailure(c, res)
			return
		}
		if applied {
			if err := a.s.sm.WaitApplied(ctx, res.Index); err != nil {
				c.ResponseErrorWithStatus(http.StatusGatewayTimeout, err)
				return
			}
		}
		c.ResponseOKWithData(client.WriteResult{Index: res.Index})
	case <-ctx.Done():
		c.ResponseErrorWithStatus(http.StatusGatewayTimeout, ctx.Err())
	}
}

func (a *APIServer) responseFailure(c *wkhttp.Context, res raftnode.Result) {
	err := res.Err
	switch {
	case errors.Is(err, raftnode.ErrNotLeader):
		c.ResponseErrorWithData(http.StatusMisdirectedRequest, err, client.NotLeader{
			LeaderID: res.LeaderID,
			Members:  toMembers(res.Addresses),
		})
	case errors.Is(err, raftnode.ErrDuplicateSeq):
		c.ResponseErrorWithStatus(http.StatusConflict, err)
	case errors.Is(err, raftnode.ErrMalformedEntry), errors.Is(err, raftnode.ErrAddrTooLong), errors.Is(err, raftnode.ErrEntryTooLarge),
		errors.Is(err, kvstore.ErrKeyTooLong), errors.Is(err, kvstore.ErrValueTooLarge):
		c.ResponseError(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.ResponseErrorWithStatus(http.StatusGatewayTimeout, err)
	case errors.Is(err, raftnode.ErrStopped), errors.Is(err, raftnode.ErrProposalDropped), raftnode.IsStorageError(err):
		c.ResponseErrorWithStatus(http.StatusServiceUnavailable, err)
	default:
		a.Warn("proposal failed", zap.String("requestId", c.Writer.Header().Get(requestIDHeader)), zap.Error(err))
		c.ResponseErrorWithStatus(http.StatusInternalServerError, err)
	}
}

func toMembers(table raftnode.AddressTable) []client.Member {
	ids := table.NodeIDs()
	members := make([]client.Member, 0, len(ids))
	for _, id := range ids {
		e := table.Entries[id]
		members = append(members, client.Member{ID: id, Addr: e.Addr, Version: e.Version})
	}
	return members
}

const requestIDHeader = "X-Request-Id"

func requestIDMiddleware() wkhttp.HandlerFunc {
	return func(c *wkhttp.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
