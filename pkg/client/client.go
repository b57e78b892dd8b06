package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"
)

var ErrNotFound = errors.New("client: key not found")

// NotLeaderError is returned when the contacted node does not lead. It
// carries the leader id and the address table the node knows.
type NotLeaderError struct {
	NotLeader
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("client: not leader, leader is %d", e.LeaderID)
}

// Client talks to the HTTP API of one node.
type Client struct {
	baseURL string
	timeout time.Duration
}

func New(baseURL string) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: time.Second * 10,
	}
}

func (c *Client) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	var res WriteResult
	err := c.do(ctx, rest.Put, "/kv/"+url.PathEscape(key), value, &res)
	return res.Index, err
}

func (c *Client) Get(ctx context.Context, key string) (*KV, error) {
	kv := &KV{}
	if err := c.do(ctx, rest.Get, "/kv/"+url.PathEscape(key), nil, kv); err != nil {
		return nil, err
	}
	return kv, nil
}

func (c *Client) Delete(ctx context.Context, key string) (uint64, error) {
	var res WriteResult
	err := c.do(ctx, rest.Delete, "/kv/"+url.PathEscape(key), nil, &res)
	return res.Index, err
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	st := &Status{}
	if err := c.do(ctx, rest.Get, "/cluster/status", nil, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *Client) Members(ctx context.Context) ([]Member, error) {
	var members []Member
	err := c.do(ctx, rest.Get, "/cluster/members", nil, &members)
	return members, err
}

func (c *Client) AddMember(ctx context.Context, id uint64, addr string) (uint64, error) {
	body, err := json.Marshal(Member{ID: id, Addr: addr})
	if err != nil {
		return 0, err
	}
	var res WriteResult
	err = c.do(ctx, rest.Post, "/cluster/members", body, &res)
	return res.Index, err
}

func (c *Client) RemoveMember(ctx context.Context, id uint64) (uint64, error) {
	var res WriteResult
	err := c.do(ctx, rest.Delete, "/cluster/members/"+strconv.FormatUint(id, 10), nil, &res)
	return res.Index, err
}

func (c *Client) do(ctx context.Context, method rest.Method, path string, body []byte, out interface{}) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req := rest.Request{
		Method:  method,
		BaseURL: c.baseURL + path,
		Body:    body,
	}
	resp, err := rest.SendWithContext(timeoutCtx, req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *rest.Response, out interface{}) error {
	switch resp.StatusCode {
	case http.StatusOK:
		var result struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(resp.Body), &result); err != nil {
			return errors.Wrap(err, "decode response")
		}
		if out == nil || len(result.Data) == 0 {
			return nil
		}
		return json.Unmarshal(result.Data, out)
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusMisdirectedRequest:
		var result struct {
			Data NotLeader `json:"data"`
		}
		if err := json.Unmarshal([]byte(resp.Body), &result); err != nil {
			return errors.Wrap(err, "decode not leader reply")
		}
		return &NotLeaderError{NotLeader: result.Data}
	}
	var env envelope
	if err := json.Unmarshal([]byte(resp.Body), &env); err == nil && env.Msg != "" {
		return fmt.Errorf("server returned status [%d]: %s", resp.StatusCode, env.Msg)
	}
	return fmt.Errorf("server returned status [%d]", resp.StatusCode)
}
