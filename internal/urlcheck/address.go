package urlcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

// reservedPrefixes — специальные диапазоны, не покрытые методами netip.Addr.
var reservedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"64:ff9b::/96",
	"64:ff9b:1::/48",
	"100::/64",
	"2001::/23",
	"2001:db8::/32",
	"fec0::/10",
)

func mustPrefixes(values ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		out = append(out, netip.MustParsePrefix(v))
	}
	return out
}

// IsPublic сообщает, что адрес глобально маршрутизируемый: не приватный,
// не loopback, не link-local, не multicast, не unspecified и не из
// зарезервированных диапазонов.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() ||
		addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() {
		return false
	}
	if addr.Is4() && addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// ErrNonPublicAddress — попытка соединения с непубличным адресом.
type ErrNonPublicAddress struct {
	Address string
}

func (e *ErrNonPublicAddress) Error() string {
	return fmt.Sprintf("соединение с непубличным адресом %s запрещено", e.Address)
}

// publicOnlyControl проверяет уже разрешённый адрес перед connect.
// Защищает от подмены DNS между проверкой URL и скачиванием.
func publicOnlyControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if !IsPublic(addr) {
		return &ErrNonPublicAddress{Address: host}
	}
	return nil
}

// SafeDialContext — DialContext, отказывающий в соединении с непубличными адресами.
func SafeDialContext(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   publicOnlyControl,
	}
	return d.DialContext
}

// NewSafeClient создаёт HTTP-клиент с SafeDialContext и общим таймаутом запроса.
// timeout == 0 — без общего таймаута (для потокового скачивания).
func NewSafeClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           SafeDialContext(10 * time.Second),
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
