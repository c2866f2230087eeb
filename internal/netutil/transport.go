package netutil

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NewTransport creates an HTTP transport that dials through the system
// resolver. Certificate verification is skipped: the phone-side relay talks to
// self-signed LAN services.
func NewTransport(logger *logrus.Logger) *http.Transport {
	return &http.Transport{
		DialContext:           dialContext(logger),
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
	}
}

// NewHTTPClient returns a client using NewTransport.
func NewHTTPClient(timeout time.Duration, logger *logrus.Logger) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(logger),
	}
}

func dialContext(logger *logrus.Logger) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var dialer net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"host":  host,
			"local": IsLocalHost(host),
		}).Debug("Dialing")
		return dialer.DialContext(ctx, network, addr)
	}
}

// IsLocalHost reports whether host is a loopback, private or link-local
// address, or a name that only resolves on the LAN.
func IsLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}

	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return strings.HasSuffix(host, ".local") ||
			strings.HasSuffix(host, ".localhost") ||
			strings.HasSuffix(host, ".lan")
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
