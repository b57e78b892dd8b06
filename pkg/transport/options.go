package transport

// DefaultMaxMsgSize matches the grpc default receive limit.
const DefaultMaxMsgSize = 4 * 1024 * 1024

type Options struct {
	// MaxMsgSize 单条rpc消息的最大字节数，收发两端都按此限制
	MaxMsgSize int
}

func NewOptions() *Options {
	return &Options{
		MaxMsgSize: DefaultMaxMsgSize,
	}
}

type Option func(opts *Options)

func WithMaxMsgSize(size int) Option {
	return func(opts *Options) {
		opts.MaxMsgSize = size
	}
}

func newOptions(opt []Option) *Options {
	opts := NewOptions()
	for _, o := range opt {
		o(opts)
	}
	return opts
}
