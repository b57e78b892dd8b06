package client_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/WuKongIM/kvraft/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRoundTrips(t *testing.T) {
	var lastBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			lastBody, _ = io.ReadAll(r.Body)
			_, _ = io.WriteString(w, `{"status":200,"data":{"index":12}}`)
		case http.MethodGet:
			if r.URL.Path == "/kv/missing" {
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `{"status":404,"msg":"key not found"}`)
				return
			}
			_, _ = io.WriteString(w, `{"status":200,"data":{"key":"a","value":"MQ==","index":12}}`)
		case http.MethodDelete:
			w.WriteHeader(http.StatusMisdirectedRequest)
			_, _ = io.WriteString(w, `{"status":421,"msg":"not leader","data":{"leader_id":2,"members":[{"id":2,"addr":"n2:7000"}]}}`)
		}
	})
	mux.HandleFunc("/cluster/members", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"status":400,"msg":"addr is required"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":200,"data":[{"id":1,"addr":"n1:7000","version":1}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := client.New(srv.URL)
	ctx := context.Background()

	index, err := c.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), index)
	assert.Equal(t, []byte("1"), lastBody)

	kv, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), kv.Value)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, client.ErrNotFound)

	_, err = c.Delete(ctx, "a")
	var nl *client.NotLeaderError
	require.True(t, errors.As(err, &nl))
	assert.Equal(t, uint64(2), nl.LeaderID)
	assert.Equal(t, []client.Member{{ID: 2, Addr: "n2:7000"}}, nl.Members)

	members, err := c.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []client.Member{{ID: 1, Addr: "n1:7000", Version: 1}}, members)

	_, err = c.AddMember(ctx, 4, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "addr is required")
}
