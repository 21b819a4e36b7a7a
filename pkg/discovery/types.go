package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/tether-io/tether-go/pkg/transport"
)

// Service constants for mDNS.
const (
	// ServiceType is the DNS-SD service type of tether endpoints.
	ServiceType = "_tether._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is used when an advertisement does not set a port.
	DefaultPort = 8080

	// DefaultScheme is assumed when the TXT records carry no scheme.
	DefaultScheme = "ws"
)

// TXT record keys.
const (
	TXTKeyScheme  = "scheme"
	TXTKeyPath    = "path"
	TXTKeyVersion = "ver"
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// MaxTXTRecordSize is the maximum total TXT record size.
	MaxTXTRecordSize = 400
)

// BrowseTimeout is the default timeout for Resolve.
const BrowseTimeout = 10 * time.Second

// Discovery errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrInvalidScheme       = errors.New("unsupported scheme")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrTXTTooLarge         = errors.New("TXT records exceed 400 bytes")
	ErrNotFound            = errors.New("service not found")
	ErrNoAddress           = errors.New("service has no address")
)

// ServiceInfo describes an endpoint to advertise.
type ServiceInfo struct {
	// Instance is the mDNS instance name.
	Instance string

	// Port is the listening port.
	Port uint16

	// Scheme is the transport scheme (ws, wss or tcp).
	Scheme string

	// Path is the URL path of the endpoint, if any.
	Path string

	// Version is the protocol major version. Zero omits the record.
	Version uint16
}

// Service is an endpoint found via mDNS.
type Service struct {
	// Instance is the mDNS instance name.
	Instance string

	// Host is the advertised hostname (e.g. "echo-1.local.").
	Host string

	// Port is the service port.
	Port uint16

	// Addresses contains resolved IP addresses, IPv4 first.
	Addresses []string

	// Scheme is the transport scheme from TXT "scheme".
	Scheme string

	// Path is the URL path from TXT "path".
	Path string

	// Version is the protocol major version from TXT "ver", or zero.
	Version uint16
}

// Endpoint builds the transport endpoint of the service. The first
// resolved address is preferred over the hostname.
func (s *Service) Endpoint() (transport.Endpoint, error) {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	if host == "" {
		return transport.Endpoint{}, fmt.Errorf("%w: %s", ErrNoAddress, s.Instance)
	}
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	base := fmt.Sprintf("%s://%s", s.Scheme, net.JoinHostPort(host, strconv.Itoa(int(port))))
	return transport.NewEndpoint(base, s.Path)
}

// ServiceEntry is a raw browse result, independent of the mDNS library.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

// ToService decodes the entry's TXT records.
func (e *ServiceEntry) ToService() (*Service, error) {
	info, err := DecodeTXT(StringsToTXTRecords(e.Text))
	if err != nil {
		return nil, err
	}
	return &Service{
		Instance:  e.Instance,
		Host:      e.Host,
		Port:      e.Port,
		Addresses: e.Addrs,
		Scheme:    info.Scheme,
		Path:      info.Path,
		Version:   info.Version,
	}, nil
}
