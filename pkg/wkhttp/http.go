package wkhttp

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

type WKHttp struct {
	r    *gin.Engine
	pool sync.Pool
}

func New() *WKHttp {
	l := &WKHttp{
		r:    gin.Default(),
		pool: sync.Pool{},
	}
	_ = l.r.SetTrustedProxies(nil)
	l.pool.New = func() interface{} {
		return allocateContext()
	}
	return l
}

func NewWithLogger(loggerHandler HandlerFunc) *WKHttp {
	l := &WKHttp{
		r:    gin.New(),
		pool: sync.Pool{},
	}
	l.r.Use(l.LMHttpHandler(loggerHandler))
	l.r.Use(gin.Recovery())
	_ = l.r.SetTrustedProxies(nil)
	l.pool.New = func() interface{} {
		return allocateContext()
	}
	return l
}

// GetGinRoute GetGinRoute
func (l *WKHttp) GetGinRoute() *gin.Engine {
	return l.r
}

func allocateContext() *Context {
	return &Context{Context: nil}
}

// Use Use
func (l *WKHttp) Use(handlers ...HandlerFunc) {
	l.r.Use(l.handlersToGinHandleFunc(handlers)...)
}

type Context struct {
	*gin.Context
}

func (c *Context) reset() {
	c.Context = nil
}

// ResponseError ResponseError
func (c *Context) ResponseError(err error) {
	c.ResponseErrorWithStatus(http.StatusBadRequest, err)
}

// ResponseErrorWithStatus 返回错误并使用指定的http状态码
func (c *Context) ResponseErrorWithStatus(status int, err error) {
	c.JSON(status, gin.H{
		"msg":    err.Error(),
		"status": status,
	})
}

// ResponseErrorWithData 返回错误并携带数据
func (c *Context) ResponseErrorWithData(status int, err error, data interface{}) {
	c.JSON(status, gin.H{
		"msg":    err.Error(),
		"status": status,
		"data":   data,
	})
}

// ResponseOK 返回正确
func (c *Context) ResponseOK() {
	c.JSON(http.StatusOK, gin.H{
		"status": http.StatusOK,
	})
}

// ResponseOKWithData 返回正确并并携带数据
func (c *Context) ResponseOKWithData(data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"status": http.StatusOK,
		"data":   data,
	})
}

// HandlerFunc HandlerFunc
type HandlerFunc func(c *Context)

// LMHttpHandler LMHttpHandler
func (l *WKHttp) LMHttpHandler(handlerFunc HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		hc := l.pool.Get().(*Context)
		hc.reset()
		hc.Context = c
		handlerFunc(hc)
		l.pool.Put(hc)
	}
}

// Run Run
func (l *WKHttp) Run(addr ...string) error {
	return l.r.Run(addr...)
}

// POST POST
func (l *WKHttp) POST(relativePath string, handlers ...HandlerFunc) {
	l.r.POST(relativePath, l.handlersToGinHandleFunc(handlers)...)
}

// PUT PUT
func (l *WKHttp) PUT(relativePath string, handlers ...HandlerFunc) {
	l.r.PUT(relativePath, l.handlersToGinHandleFunc(handlers)...)
}

// GET GET
func (l *WKHttp) GET(relativePath string, handlers ...HandlerFunc) {
	l.r.GET(relativePath, l.handlersToGinHandleFunc(handlers)...)
}

// DELETE DELETE
func (l *WKHttp) DELETE(relativePath string, handlers ...HandlerFunc) {
	l.r.DELETE(relativePath, l.handlersToGinHandleFunc(handlers)...)
}

// Handle mounts a plain http.Handler, e.g. the metrics exporter.
func (l *WKHttp) Handle(method, relativePath string, h http.Handler) {
	l.r.Handle(method, relativePath, gin.WrapH(h))
}

func (l *WKHttp) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	l.r.ServeHTTP(w, req)
}

func (l *WKHttp) handlersToGinHandleFunc(handlers []HandlerFunc) []gin.HandlerFunc {
	newHandlers := make([]gin.HandlerFunc, 0, len(handlers))
	for _, handler := range handlers {
		newHandlers = append(newHandlers, l.LMHttpHandler(handler))
	}
	return newHandlers
}

// CORSMiddleware 跨域
func CORSMiddleware() HandlerFunc {

	return func(c *Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
