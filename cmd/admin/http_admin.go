package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gridworld.ai/internal/protocol"
)

func stateCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return call(out, http.MethodGet, *baseURL, "/v1/observe/bootstrap", nil, 5*time.Second)
}

func snapshotCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return call(out, http.MethodPost, *baseURL, "/admin/v1/snapshot", nil, 10*time.Second)
}

// permsCmd replaces a client's permissions, e.g. perms -client 3 -grant add_agent,get_map.
func permsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("perms", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	client := fs.Uint64("client", 0, "client id")
	grant := fs.String("grant", "", "comma-separated permissions, or all / none")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *client == 0 {
		return fmt.Errorf("%w: missing -client", errUsage)
	}
	p, err := parsePermissions(*grant)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	body, _ := json.Marshal(p)
	return call(out, http.MethodPut, *baseURL, fmt.Sprintf("/admin/v1/clients/%d/permissions", *client), body, 5*time.Second)
}

// parsePermissions maps names like add_agent onto Permissions. Unknown
// names are an error.
func parsePermissions(s string) (protocol.Permissions, error) {
	switch strings.TrimSpace(s) {
	case "all":
		return protocol.GrantAll(), nil
	case "", "none":
		return protocol.DenyAll(), nil
	}
	set := map[string]bool{}
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = true
		}
	}
	raw, _ := json.Marshal(set)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p protocol.Permissions
	if err := dec.Decode(&p); err != nil {
		return protocol.Permissions{}, fmt.Errorf("bad -grant: %w", err)
	}
	return p, nil
}

func call(out io.Writer, method, baseURL, path string, body []byte, timeout time.Duration) error {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
