package wg

import (
	"fmt"
	"strings"
)

const (
	placeholderServerKey = "SERVER_PUBLIC_KEY"
	defaultEndpoint      = "server.example.com:51820"
	defaultDNS           = "8.8.8.8, 8.8.4.4"
)

// ClientConfigParams fills the client-side tunnel config handed out on
// user creation. The private key is never known server-side, so the
// rendered config carries a placeholder the user must replace.
type ClientConfigParams struct {
	ServerPublicKey string
	ServerEndpoint  string
	ClientIP        string
	DNS             string
}

// RenderClientConfig produces an importable wg-quick configuration for a
// newly provisioned peer.
func RenderClientConfig(p ClientConfigParams) string {
	if p.ServerPublicKey == "" {
		p.ServerPublicKey = placeholderServerKey
	}
	if p.ServerEndpoint == "" {
		p.ServerEndpoint = defaultEndpoint
	}
	if p.DNS == "" {
		p.DNS = defaultDNS
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = <CLIENT_PRIVATE_KEY>\n")
	fmt.Fprintf(&b, "Address = %s/32\n", p.ClientIP)
	fmt.Fprintf(&b, "DNS = %s\n", p.DNS)
	fmt.Fprintf(&b, "\n")
	fmt.Fprintf(&b, "[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", p.ServerEndpoint)
	fmt.Fprintf(&b, "AllowedIPs = 0.0.0.0/0, ::/0\n")
	fmt.Fprintf(&b, "PersistentKeepalive = 25\n")
	return b.String()
}
