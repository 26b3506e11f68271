// Package discovery refreshes the exit-node catalog from the Onionoo directory.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"golang.org/x/net/proxy"
)

const (
	DefaultURL     = "https://onionoo.torproject.org/details"
	DefaultTimeout = 30 * time.Second
	relayFields    = "fingerprint,nickname,country,running,current_status,last_seen,or_addresses"
)

type Options struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// SocksProxy routes directory requests through a SOCKS5 proxy, e.g. socks5://127.0.0.1:9050.
	SocksProxy string `yaml:"socks_proxy"`
}

// Relay is the subset of an Onionoo relay details document we use.
type Relay struct {
	Fingerprint   string   `json:"fingerprint"`
	Nickname      string   `json:"nickname"`
	Country       string   `json:"country"`
	Running       *bool    `json:"running"`
	CurrentStatus []string `json:"current_status"`
	LastSeen      string   `json:"last_seen"`
	ORAddresses   []string `json:"or_addresses"`
}

type detailsDocument struct {
	Version         string  `json:"version"`
	RelaysPublished string  `json:"relays_published"`
	Relays          []Relay `json:"relays"`
}

// Client fetches running exit relays.
type Client struct {
	http *http.Client
	url  string
	log  logs.Log
}

func NewClient(opt Options, log logs.Log) (*Client, error) {
	if opt.URL == "" {
		opt.URL = DefaultURL
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opt.SocksProxy != "" {
		dial, err := socksDialer(opt.SocksProxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = nil
		transport.DialContext = dial
	}
	return &Client{
		http: &http.Client{Timeout: opt.Timeout, Transport: transport},
		url:  opt.URL,
		log:  log,
	}, nil
}

func socksDialer(raw string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	if !strings.Contains(raw, "://") {
		raw = "socks5://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("socks proxy %q: %w", raw, err)
	}
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks proxy %q: %w", raw, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks proxy %q: dialer has no context support", raw)
	}
	return cd.DialContext, nil
}

// FetchExitRelays requests the running relays carrying the Exit flag.
func (c *Client) FetchExitRelays(ctx context.Context) ([]Relay, error) {
	q := url.Values{}
	q.Set("flag", "Exit")
	q.Set("running", "true")
	q.Set("fields", relayFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch onionoo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch onionoo: status %s", resp.Status)
	}
	var doc detailsDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode onionoo: %w", err)
	}
	c.log.Debugf("onionoo version=%s published=%s relays=%d", doc.Version, doc.RelaysPublished, len(doc.Relays))
	return doc.Relays, nil
}
