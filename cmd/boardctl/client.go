package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/swboard/control"
	"github.com/hubertat/swboard/errcode"
)

const requestTimeout = 5 * time.Second

type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base, token string) *client {
	return &client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: requestTimeout},
	}
}

// do sends body as JSON and decodes a successful reply into out. Failed
// requests come back as the errcode reported by the server.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buff, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		reader = bytes.NewReader(buff)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set(control.TokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	buff, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response")
	}

	if resp.StatusCode != http.StatusOK {
		var reply errcode.Reply
		if json.Unmarshal(buff, &reply) == nil && reply.Code != "" {
			return errcode.New(reply.Code, "boardctl", "%s", reply.Message)
		}
		return errors.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out != nil {
		return errors.Wrap(json.Unmarshal(buff, out), "decoding response")
	}
	return nil
}

func boardPath(name string, parts ...string) string {
	return "/boards/" + url.PathEscape(name) + strings.Join(parts, "")
}
