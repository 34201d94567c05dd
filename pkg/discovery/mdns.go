// ABOUTME: mDNS service discovery for network rendering targets
// ABOUTME: Handles both browsing (bridge side) and advertisement (target side)
package discovery

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	// DefaultService is the service type rendering targets advertise
	DefaultService = "_diretta._tcp"

	// DefaultDomain is the mDNS domain searched
	DefaultDomain = "local"

	// DefaultTimeout bounds a single browse
	DefaultTimeout = 3 * time.Second
)

// Config holds discovery configuration
type Config struct {
	Service string
	Domain  string
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service describes a discovered endpoint
type Service struct {
	Name string
	Host string
	Port int
	Info []string
}

// QueryFunc runs one mDNS query; mdns.Query in production
type QueryFunc func(*mdns.QueryParam) error

// Browser looks up rendering targets on the local network
type Browser struct {
	config Config
	query  QueryFunc
	logger *slog.Logger
}

// NewBrowser creates a browser using mdns.Query
func NewBrowser(config Config) *Browser {
	return NewBrowserWithQuery(config, mdns.Query)
}

// NewBrowserWithQuery creates a browser with a custom query function
func NewBrowserWithQuery(config Config, query QueryFunc) *Browser {
	config.applyDefaults()
	return &Browser{
		config: config,
		query:  query,
		logger: config.Logger.With(slog.String("component", "discovery")),
	}
}

// Browse runs one query and returns the services found, sorted by name then address
func (b *Browser) Browse(ctx context.Context) ([]Service, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	queryErr := make(chan error, 1)

	params := &mdns.QueryParam{
		Service: b.config.Service,
		Domain:  b.config.Domain,
		Timeout: b.config.Timeout,
		Entries: entries,
	}

	go func() {
		queryErr <- b.query(params)
		close(entries)
	}()

	seen := make(map[string]bool)
	var services []Service

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				if err := <-queryErr; err != nil {
					return nil, fmt.Errorf("mdns query failed: %w", err)
				}
				sortServices(services)
				b.logger.Debug("Browse complete", slog.Int("found", len(services)))
				return services, nil
			}

			svc, ok := b.toService(entry)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s|%s|%d", svc.Name, svc.Host, svc.Port)
			if seen[key] {
				continue
			}
			seen[key] = true
			b.logger.Debug("Discovered target", slog.String("name", svc.Name), slog.String("host", svc.Host), slog.Int("port", svc.Port))
			services = append(services, svc)

		case <-ctx.Done():
			// Let the query goroutine finish into a drained channel
			go func() {
				for range entries {
				}
			}()
			return nil, ctx.Err()
		}
	}
}

// toService converts an mDNS entry, preferring IPv4 addresses
func (b *Browser) toService(entry *mdns.ServiceEntry) (Service, bool) {
	if entry == nil || entry.Port == 0 {
		return Service{}, false
	}

	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		host = strings.TrimSuffix(entry.Host, ".")
	}
	if host == "" {
		return Service{}, false
	}

	return Service{
		Name: instanceName(entry.Name, b.config.Service),
		Host: host,
		Port: entry.Port,
		Info: entry.InfoFields,
	}, true
}

// instanceName strips "._service._tcp.local." from a full service name
func instanceName(full, service string) string {
	if i := strings.Index(full, "."+service); i > 0 {
		full = full[:i]
	}
	return strings.ReplaceAll(strings.TrimSuffix(full, "."), `\ `, " ")
}

func sortServices(services []Service) {
	slices.SortFunc(services, func(a, b Service) int {
		return cmp.Or(
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(a.Host, b.Host),
			cmp.Compare(a.Port, b.Port),
		)
	})
}

// AdvertiseConfig describes a service to publish
type AdvertiseConfig struct {
	Instance string
	Service  string
	Port     int
	Info     []string
	Logger   *slog.Logger
}

// Advertiser publishes a service until Shutdown
type Advertiser struct {
	server *mdns.Server
}

// Advertise publishes the service on all non-loopback IPv4 interfaces
func Advertise(config AdvertiseConfig) (*Advertiser, error) {
	if config.Service == "" {
		config.Service = DefaultService
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ips, err := getLocalIPs()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		config.Instance,
		config.Service,
		"",
		"",
		config.Port,
		ips,
		config.Info,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns server: %w", err)
	}

	logger.Info("Advertising mDNS service",
		slog.String("instance", config.Instance),
		slog.String("service", config.Service),
		slog.Int("port", config.Port))

	return &Advertiser{server: server}, nil
}

// Shutdown stops answering queries
func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
