package options

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/WuKongIM/kvraft/pkg/kvstore"
	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

type Mode string

const (
	//debug 模式
	DebugMode Mode = "debug"
	// 正式模式
	ReleaseMode Mode = "release"
)

const (
	entryOverhead     = 64          // 提案信封和op头部
	transportHeadroom = 1024 * 1024 // raft消息头部等额外开销
)

type StorageEngine string

const (
	StoragePebble StorageEngine = "pebble"
	StorageMemory StorageEngine = "memory"
)

// Peer is one member of the initial cluster.
type Peer struct {
	ID   uint64
	Addr string
}

type Options struct {
	vp             *viper.Viper  // 内部配置对象
	Mode           Mode          // 模式 debug 测试 release 正式
	NodeID         uint64        // 节点ID，必须小于或等于1023（snowflake的限制）
	RootDir        string        // 根目录
	DataDir        string        // 数据目录
	GinMode        string        // gin框架的模式
	HTTPAddr       string        // http api的监听地址
	Join           bool          // 是否以加入方式启动（不引导集群，等待被添加）
	Peers          []*Peer       // 集群初始节点 格式为 nodeID@addr
	DeadlockCheck  bool          // 死锁检查
	PprofOn        bool          // 是否开启pprof
	StatusInterval time.Duration // 状态日志打印间隔
	RequestTimeout time.Duration // 写请求等待提交的超时时间
	MaxValueSize   int           // 单个value的最大字节数

	Raft struct {
		Addr            string        // raft rpc监听地址
		TickInterval    time.Duration // 逻辑时钟间隔
		ElectionTick    int
		HeartbeatTick   int
		MaxSizePerMsg   uint64
		MaxInflightMsgs int
		PreVote         bool
		CheckQuorum     bool
		// MaxUncommittedEntriesSize 未提交日志总大小上限
		MaxUncommittedEntriesSize uint64
		EventQueueSize            int
		SendQueueSize             int           // 每个节点的发送队列长度
		DispatchPoolSize          int           // 发送协程池大小
		SendTimeout               time.Duration // 单次rpc超时
	}

	Storage struct {
		Engine StorageEngine
	}

	Logger struct {
		Dir     string // 日志存储目录
		Level   zapcore.Level
		LineNum bool // 是否显示代码行数
	}

	peersErr error
	seqGen   *snowflake.Node
}

func New(op ...Option) *Options {
	homeDir, err := GetHomeDir()
	if err != nil {
		panic(err)
	}
	opts := &Options{
		Mode:           DebugMode,
		RootDir:        filepath.Join(homeDir, "kvraft"),
		GinMode:        "debug",
		HTTPAddr:       "0.0.0.0:5001",
		StatusInterval: time.Second * 30,
		RequestTimeout: time.Second * 5,
		MaxValueSize:   1024 * 1024,
	}
	opts.Raft.Addr = "0.0.0.0:11110"
	opts.Raft.TickInterval = time.Millisecond * 100
	opts.Raft.ElectionTick = 10
	opts.Raft.HeartbeatTick = 3
	opts.Raft.MaxSizePerMsg = 1024 * 1024
	opts.Raft.MaxInflightMsgs = 256
	opts.Raft.PreVote = true
	opts.Raft.MaxUncommittedEntriesSize = 1 << 30
	opts.Raft.EventQueueSize = 1024
	opts.Raft.SendQueueSize = 1024
	opts.Raft.DispatchPoolSize = 64
	opts.Raft.SendTimeout = time.Second * 2
	opts.Storage.Engine = StoragePebble
	opts.Logger.Dir = "logs"
	opts.Logger.Level = zapcore.InfoLevel

	for _, o := range op {
		o(opts)
	}
	return opts
}

func GetHomeDir() (string, error) {
	u, err := user.Current()
	if err == nil {
		return u.HomeDir, nil
	}
	return "", err
}

func (o *Options) ConfigureWithViper(vp *viper.Viper) {
	o.vp = vp

	o.RootDir = o.getString("rootDir", o.RootDir)

	modeStr := o.getString("mode", string(o.Mode))
	if strings.TrimSpace(modeStr) == "" {
		o.Mode = DebugMode
	} else {
		o.Mode = Mode(modeStr)
	}
	if o.Mode == ReleaseMode {
		o.GinMode = "release"
	}
	o.GinMode = o.getString("ginMode", o.GinMode)

	o.NodeID = o.getUint64("nodeId", o.NodeID)
	o.HTTPAddr = o.getString("http.addr", o.HTTPAddr)
	o.Join = o.getBool("join", o.Join)
	o.StatusInterval = o.getDuration("statusInterval", o.StatusInterval)
	o.RequestTimeout = o.getDuration("requestTimeout", o.RequestTimeout)
	o.MaxValueSize = o.getInt("maxValueSize", o.MaxValueSize)

	peers := o.getStringSlice("peers") // 格式为： nodeID@addr 例如 1@localhost:11110
	if len(peers) > 0 {
		o.Peers, o.peersErr = ParsePeers(peers)
	}

	o.Raft.Addr = o.getString("raft.addr", o.Raft.Addr)
	o.Raft.TickInterval = o.getDuration("raft.tickInterval", o.Raft.TickInterval)
	o.Raft.ElectionTick = o.getInt("raft.electionTick", o.Raft.ElectionTick)
	o.Raft.HeartbeatTick = o.getInt("raft.heartbeatTick", o.Raft.HeartbeatTick)
	o.Raft.MaxSizePerMsg = o.getUint64("raft.maxSizePerMsg", o.Raft.MaxSizePerMsg)
	o.Raft.MaxInflightMsgs = o.getInt("raft.maxInflightMsgs", o.Raft.MaxInflightMsgs)
	o.Raft.MaxUncommittedEntriesSize = o.getUint64("raft.maxUncommittedEntriesSize", o.Raft.MaxUncommittedEntriesSize)
	o.Raft.PreVote = o.getBool("raft.preVote", o.Raft.PreVote)
	o.Raft.CheckQuorum = o.getBool("raft.checkQuorum", o.Raft.CheckQuorum)
	o.Raft.EventQueueSize = o.getInt("raft.eventQueueSize", o.Raft.EventQueueSize)
	o.Raft.SendQueueSize = o.getInt("raft.sendQueueSize", o.Raft.SendQueueSize)
	o.Raft.DispatchPoolSize = o.getInt("raft.dispatchPoolSize", o.Raft.DispatchPoolSize)
	o.Raft.SendTimeout = o.getDuration("raft.sendTimeout", o.Raft.SendTimeout)

	o.Storage.Engine = StorageEngine(o.getString("storage.engine", string(o.Storage.Engine)))

	o.DeadlockCheck = o.getBool("deadlockCheck", o.DeadlockCheck)
	deadlock.Opts.Disable = !o.DeadlockCheck
	o.PprofOn = o.getBool("pprofOn", o.PprofOn)

	o.configureLog(vp)
	o.ConfigureDataDir()
}

func (o *Options) configureLog(vp *viper.Viper) {
	logLevel := vp.GetInt("logger.level")
	// level
	if logLevel == 0 { // 没有设置
		if o.Mode == DebugMode {
			logLevel = int(zapcore.DebugLevel)
		} else {
			logLevel = int(zapcore.InfoLevel)
		}
	} else {
		logLevel = logLevel - 2
	}
	o.Logger.Level = zapcore.Level(logLevel)
	o.Logger.Dir = o.getString("logger.dir", o.Logger.Dir)
	if !filepath.IsAbs(strings.TrimSpace(o.Logger.Dir)) {
		o.Logger.Dir = filepath.Join(o.RootDir, o.Logger.Dir)
	}
	o.Logger.LineNum = o.getBool("logger.lineNum", o.Logger.LineNum)
}

// ConfigureDataDir 数据目录默认在根目录下
func (o *Options) ConfigureDataDir() {
	o.DataDir = o.getString("dataDir", o.DataDir)
	if strings.TrimSpace(o.DataDir) == "" {
		o.DataDir = filepath.Join(o.RootDir, "data")
	}
}

// RaftDir is where the pebble log store lives.
func (o *Options) RaftDir() string {
	return filepath.Join(o.DataDir, fmt.Sprintf("node%d", o.NodeID), "raft")
}

func (o *Options) Check() error {
	if o.peersErr != nil {
		return o.peersErr
	}
	if o.NodeID == 0 {
		return errors.New("nodeId must be set")
	}
	if o.NodeID > 1023 {
		return errors.Errorf("nodeId %d out of range, must be <= 1023", o.NodeID)
	}
	if strings.TrimSpace(o.Raft.Addr) == "" {
		return errors.New("raft.addr must be set")
	}
	if len(o.Raft.Addr) > raftnode.MaxAddrLen {
		return errors.Errorf("raft.addr longer than %d bytes", raftnode.MaxAddrLen)
	}
	if o.MaxValueSize <= 0 || o.MaxValueSize > kvstore.MaxValueLen {
		return errors.Errorf("maxValueSize must be in (0, %d]", kvstore.MaxValueLen)
	}
	if o.Storage.Engine != StoragePebble && o.Storage.Engine != StorageMemory {
		return errors.Errorf("unknown storage.engine %q", o.Storage.Engine)
	}
	if o.Raft.ElectionTick <= o.Raft.HeartbeatTick {
		return errors.New("raft.electionTick must be greater than raft.heartbeatTick")
	}
	seen := make(map[uint64]bool, len(o.Peers))
	for _, p := range o.Peers {
		if seen[p.ID] {
			return errors.Errorf("duplicate peer id %d", p.ID)
		}
		if len(p.Addr) > raftnode.MaxAddrLen {
			return errors.Errorf("peer %d address longer than %d bytes", p.ID, raftnode.MaxAddrLen)
		}
		seen[p.ID] = true
	}
	return nil
}

// MaxEntrySize is the largest encoded kv operation a proposal may carry.
func (o *Options) MaxEntrySize() uint64 {
	return uint64(o.MaxValueSize + kvstore.MaxKeyLen + entryOverhead)
}

// TransportMsgSize is the grpc message limit of the raft transport. A MsgApp
// holds up to MaxSizePerMsg of entries, or a single larger entry.
func (o *Options) TransportMsgSize() int {
	size := o.MaxEntrySize()
	if o.Raft.MaxSizePerMsg > size {
		size = o.Raft.MaxSizePerMsg
	}
	return int(size) + transportHeadroom
}

// PeerMap returns the initial members keyed by node id.
func (o *Options) PeerMap() map[uint64]string {
	m := make(map[uint64]string, len(o.Peers))
	for _, p := range o.Peers {
		m[p.ID] = p.Addr
	}
	return m
}

// InitSeqGenerator prepares GenSeq once the node id is known.
func (o *Options) InitSeqGenerator() error {
	node, err := snowflake.NewNode(int64(o.NodeID))
	if err != nil {
		return errors.Wrap(err, "create snowflake node")
	}
	o.seqGen = node
	return nil
}

// GenSeq 生成集群内唯一的提案序号
func (o *Options) GenSeq() uint64 {
	return uint64(o.seqGen.Generate().Int64())
}

func (o *Options) ConfigFileUsed() string {
	if o.vp == nil {
		return ""
	}
	return o.vp.ConfigFileUsed()
}

// ParsePeers parses nodeID@host:port entries.
func ParsePeers(values []string) ([]*Peer, error) {
	peers := make([]*Peer, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		idStr, addr, ok := strings.Cut(v, "@")
		if !ok || strings.TrimSpace(addr) == "" {
			return nil, errors.Errorf("invalid peer %q, want nodeID@host:port", v)
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil || id == 0 {
			return nil, errors.Errorf("invalid peer id in %q", v)
		}
		if !strings.Contains(addr, ":") {
			return nil, errors.Errorf("peer %q has no port", v)
		}
		peers = append(peers, &Peer{ID: id, Addr: addr})
	}
	return peers, nil
}

func (o *Options) getString(key string, defaultValue string) string {
	v := o.vp.GetString(key)
	if v == "" {
		return defaultValue
	}
	return v
}

func (o *Options) getStringSlice(key string) []string {
	return o.vp.GetStringSlice(key)
}

func (o *Options) getInt(key string, defaultValue int) int {
	v := o.vp.GetInt(key)
	if v == 0 {
		return defaultValue
	}
	return v
}

func (o *Options) getUint64(key string, defaultValue uint64) uint64 {
	v := o.vp.GetUint64(key)
	if v == 0 {
		return defaultValue
	}
	return v
}

func (o *Options) getBool(key string, defaultValue bool) bool {
	objV := o.vp.Get(key)
	if objV == nil {
		return defaultValue
	}
	return cast.ToBool(objV)
}

func (o *Options) getDuration(key string, defaultValue time.Duration) time.Duration {
	v := o.vp.GetDuration(key)
	if v == 0 {
		return defaultValue
	}
	return v
}

type Option func(opts *Options)

func WithMode(mode Mode) Option {
	return func(opts *Options) {
		opts.Mode = mode
	}
}

func WithNodeID(nodeID uint64) Option {
	return func(opts *Options) {
		opts.NodeID = nodeID
	}
}

func WithRootDir(rootDir string) Option {
	return func(opts *Options) {
		opts.RootDir = rootDir
	}
}

func WithDataDir(dataDir string) Option {
	return func(opts *Options) {
		opts.DataDir = dataDir
	}
}

func WithHTTPAddr(addr string) Option {
	return func(opts *Options) {
		opts.HTTPAddr = addr
	}
}

func WithRaftAddr(addr string) Option {
	return func(opts *Options) {
		opts.Raft.Addr = addr
	}
}

func WithPeers(peers []*Peer) Option {
	return func(opts *Options) {
		opts.Peers = peers
	}
}

func WithJoin(join bool) Option {
	return func(opts *Options) {
		opts.Join = join
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.Raft.TickInterval = d
	}
}

func WithStorageEngine(engine StorageEngine) Option {
	return func(opts *Options) {
		opts.Storage.Engine = engine
	}
}

func WithGinMode(ginMode string) Option {
	return func(opts *Options) {
		opts.GinMode = ginMode
	}
}

func WithStatusInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.StatusInterval = d
	}
}

func WithMaxValueSize(size int) Option {
	return func(opts *Options) {
		opts.MaxValueSize = size
	}
}

func WithLoggerDir(dir string) Option {
	return func(opts *Options) {
		opts.Logger.Dir = dir
	}
}

func WithLoggerLevel(level zapcore.Level) Option {
	return func(opts *Options) {
		opts.Logger.Level = level
	}
}
