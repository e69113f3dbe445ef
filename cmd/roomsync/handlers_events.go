package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// runEvents fetches the hub timeline and copies it to stdout.
func runEvents(cmd *cobra.Command, opts eventsOptions) error {
	if opts.format != "text" && opts.format != "json" {
		return fmt.Errorf("unsupported format %q (want text or json)", opts.format)
	}
	endpoint, err := eventsURL(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fetch events: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
	return err
}

func eventsURL(opts eventsOptions) (string, error) {
	base, err := url.Parse(strings.TrimRight(opts.addr, "/"))
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("invalid hub address %q", opts.addr)
	}
	base.Path += "/debug/events"

	q := url.Values{}
	if opts.room != "" {
		q.Set("room", opts.room)
	}
	if opts.conn != "" {
		q.Set("conn", opts.conn)
	}
	if opts.typ != "" {
		q.Set("type", opts.typ)
	}
	if opts.limit > 0 {
		q.Set("limit", strconv.Itoa(opts.limit))
	}
	if opts.format == "text" {
		q.Set("format", "text")
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}
