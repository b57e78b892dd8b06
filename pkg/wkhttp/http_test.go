package wkhttp_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/WuKongIM/kvraft/pkg/wkhttp"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestResponses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := wkhttp.NewWithLogger(wkhttp.LoggerWithWklog(wklog.NewWKLog("test")))
	r.Use(wkhttp.CORSMiddleware())
	r.GET("/ok", func(c *wkhttp.Context) {
		c.ResponseOKWithData(map[string]string{"k": "v"})
	})
	r.PUT("/misdirected", func(c *wkhttp.Context) {
		c.ResponseErrorWithData(http.StatusMisdirectedRequest, errors.New("not leader"), map[string]uint64{"leaderId": 2})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":200,"data":{"k":"v"}}`, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/misdirected", nil))
	assert.Equal(t, http.StatusMisdirectedRequest, w.Code)
	assert.JSONEq(t, `{"status":421,"msg":"not leader","data":{"leaderId":2}}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/ok", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
