// Package wg shells out to the wg(8) binary to read and mutate the kernel
// peer table of a WireGuard interface.
package wg

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultDumpTimeout   = 10 * time.Second
	DefaultStatusTimeout = 5 * time.Second
)

// Peer is one row of `wg show <interface> dump`.
type Peer struct {
	PublicKey       string
	Endpoint        string    // empty when the kernel reports "(none)"
	LatestHandshake time.Time // zero when the peer never completed a handshake
	RxBytes         int64
	TxBytes         int64
}

// ExecFunc runs a command and returns its combined output. Tests inject
// this to fake the wg binary.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

type Config struct {
	Logger    *slog.Logger
	Interface string

	DumpTimeout   time.Duration
	StatusTimeout time.Duration
	Exec          ExecFunc
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Interface == "" {
		return errors.New("interface is required")
	}
	if c.DumpTimeout == 0 {
		c.DumpTimeout = DefaultDumpTimeout
	}
	if c.StatusTimeout == 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	if c.Exec == nil {
		c.Exec = runCommand
	}
	return nil
}

// Client wraps the wg binary for a single interface.
type Client struct {
	log *slog.Logger
	cfg *Config
}

func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// Name returns the interface the client operates on.
func (c *Client) Name() string {
	return c.cfg.Interface
}

// DumpPeers samples the kernel peer table. The returned map is keyed by
// peer public key.
func (c *Client) DumpPeers(ctx context.Context) (map[string]Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DumpTimeout)
	defer cancel()
	out, err := c.cfg.Exec(ctx, "wg", "show", c.cfg.Interface, "dump")
	if err != nil {
		return nil, fmt.Errorf("failed to execute wg show dump: %w", err)
	}
	return c.parseDump(out), nil
}

// parseDump reads the tab-separated dump format. The first line describes
// the interface itself and carries no peer, so it is skipped. Peer rows
// have at least 7 fields: public key, preshared key, endpoint,
// allowed ips, latest handshake (unix seconds), rx bytes, tx bytes.
func (c *Client) parseDump(out []byte) map[string]Peer {
	peers := make(map[string]Peer)
	lines := strings.Split(string(out), "\n")
	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		handshake, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			c.log.Debug("wg: skipping peer row with bad handshake field", "value", fields[4])
			continue
		}
		rx, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			c.log.Debug("wg: skipping peer row with bad rx field", "value", fields[5])
			continue
		}
		tx, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			c.log.Debug("wg: skipping peer row with bad tx field", "value", fields[6])
			continue
		}
		peer := Peer{
			PublicKey: fields[0],
			RxBytes:   rx,
			TxBytes:   tx,
		}
		if fields[2] != "(none)" {
			peer.Endpoint = fields[2]
		}
		if handshake != 0 {
			peer.LatestHandshake = time.Unix(handshake, 0)
		}
		peers[peer.PublicKey] = peer
	}
	return peers
}

// AddPeer registers pubkey on the interface with a /32 allowed-ips entry.
// wg set is declarative, so adding an already-present peer succeeds.
func (c *Client) AddPeer(ctx context.Context, pubkey, clientIP string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DumpTimeout)
	defer cancel()
	out, err := c.cfg.Exec(ctx, "wg", "set", c.cfg.Interface, "peer", pubkey, "allowed-ips", clientIP+"/32")
	if err != nil {
		return fmt.Errorf("failed to add peer: %w: %s", err, strings.TrimSpace(string(out)))
	}
	c.log.Debug("wg: added peer", "pubkey", ShortKey(pubkey), "clientIP", clientIP)
	return nil
}

// RemovePeer drops pubkey from the interface. Removing an absent peer
// succeeds.
func (c *Client) RemovePeer(ctx context.Context, pubkey string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DumpTimeout)
	defer cancel()
	out, err := c.cfg.Exec(ctx, "wg", "set", c.cfg.Interface, "peer", pubkey, "remove")
	if err != nil {
		return fmt.Errorf("failed to remove peer: %w: %s", err, strings.TrimSpace(string(out)))
	}
	c.log.Debug("wg: removed peer", "pubkey", ShortKey(pubkey))
	return nil
}

// Status probes the interface with a plain `wg show`. A non-nil error
// means the interface is down or wg is unusable.
func (c *Client) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()
	if _, err := c.cfg.Exec(ctx, "wg", "show", c.cfg.Interface); err != nil {
		return fmt.Errorf("failed to query interface status: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// ValidKey reports whether s looks like a WireGuard public key: 44
// characters of standard base64.
func ValidKey(s string) bool {
	if len(s) != 44 {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}

// ShortKey truncates a public key for display.
func ShortKey(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "..."
}
