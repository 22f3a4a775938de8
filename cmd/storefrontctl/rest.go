package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/spf13/pflag"

	"github.com/R3E-Network/storefront_transport/storefront/client"
)

func (e *environment) runGet(args []string) error {
	var (
		query   []string
		expr    string
		retries int
	)
	flags := pflag.NewFlagSet("get", pflag.ContinueOnError)
	flags.SetOutput(e.stderr)
	flags.StringArrayVarP(&query, "query", "q", nil, "query parameter key=value (repeatable)")
	flags.StringVar(&expr, "jsonpath", "", "print only the value selected by this JSONPath expression")
	flags.IntVar(&retries, "retries", 0, "retry retryable failures up to n times")
	if err := flags.Parse(args); err != nil {
		return usageError("%v", err)
	}
	if flags.NArg() != 1 {
		return usageError("get takes exactly one path")
	}

	values := url.Values{}
	for _, kv := range query {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return usageError("invalid --query %q, want key=value", kv)
		}
		values.Add(k, v)
	}

	req := client.Request{Method: http.MethodGet, Path: flags.Arg(0), Query: values}
	cfg := client.DefaultRetryConfig()
	cfg.MaxRetries = retries

	var resp *client.Response
	err := client.Retry(context.Background(), cfg, func(ctx context.Context) error {
		var err error
		resp, err = e.client.Send(ctx, req)
		if client.IsRetryable(err) {
			e.log.WithError(err).Warn("request failed, retrying")
		}
		return err
	})
	if err != nil {
		return err
	}
	return e.print(resp.Body, expr)
}

func (e *environment) runPost(args []string) error {
	var method, expr string
	flags := pflag.NewFlagSet("post", pflag.ContinueOnError)
	flags.SetOutput(e.stderr)
	flags.StringVarP(&method, "method", "X", http.MethodPost, "HTTP method: POST, PUT or PATCH")
	flags.StringVar(&expr, "jsonpath", "", "print only the value selected by this JSONPath expression")
	if err := flags.Parse(args); err != nil {
		return usageError("%v", err)
	}
	if flags.NArg() != 2 {
		return usageError("post takes a path and a JSON body")
	}

	method = strings.ToUpper(method)
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return usageError("unsupported method %q", method)
	}
	body := []byte(flags.Arg(1))
	if !json.Valid(body) {
		return usageError("body is not valid JSON")
	}

	resp, err := e.client.Send(context.Background(), client.Request{
		Method: method,
		Path:   flags.Arg(0),
		Body:   body,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return err
	}
	return e.print(resp.Body, expr)
}

func (e *environment) runDelete(args []string) error {
	if len(args) != 1 {
		return usageError("delete takes exactly one path")
	}
	resp, err := e.client.Send(context.Background(), client.Request{Method: http.MethodDelete, Path: args[0]})
	if err != nil {
		return err
	}
	return e.print(resp.Body, "")
}

// print writes body as indented JSON, optionally narrowed by a JSONPath expression.
func (e *environment) print(body []byte, expr string) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if expr == "" {
		var out bytes.Buffer
		if err := json.Indent(&out, body, "", "  "); err != nil {
			_, err = e.stdout.Write(body)
			return err
		}
		out.WriteByte('\n')
		_, err := out.WriteTo(e.stdout)
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return client.ClassifyInternal("response is not JSON", err)
	}
	selected, err := jsonpath.Get(expr, doc)
	if err != nil {
		return usageError("jsonpath %q: %v", expr, err)
	}
	if s, ok := selected.(string); ok {
		_, err = fmt.Fprintln(e.stdout, s)
		return err
	}
	encoded, err := json.MarshalIndent(selected, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.stdout, string(encoded))
	return err
}
