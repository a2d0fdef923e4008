package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// client 调用 cvp-standby HTTP API
type client struct {
	BaseURL   string
	Token     string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
	Out       io.Writer
}

func newClient(baseURL, token, out string, timeout time.Duration, w io.Writer) *client {
	return &client{
		BaseURL:   baseURL,
		Token:     token,
		OutFormat: out,
		HTTP:      &http.Client{Timeout: timeout},
		Out:       w,
	}
}

func (c *client) do(method, path string, payload any, headers map[string]string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}

	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return 0, nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

// call 发送请求，非 2xx 时返回服务端的错误信息
func (c *client) call(name, method, path string, payload any, headers map[string]string) error {
	status, body, err := c.do(method, path, payload, headers)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return apiError(name, status, body)
	}
	c.print(status, body)
	return nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintln(c.Out, string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Fprintln(c.Out, string(body))
	} else {
		fmt.Fprintf(c.Out, "status=%d\n", status)
	}
}

func apiError(name string, status int, body []byte) error {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Code != "" {
		return fmt.Errorf("%s failed: status=%d code=%s message=%s", name, status, e.Error.Code, e.Error.Message)
	}
	return fmt.Errorf("%s failed: status=%d body=%s", name, status, string(body))
}
