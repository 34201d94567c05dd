// ABOUTME: mDNS service discovery package
// ABOUTME: Discover and advertise rendering targets on the local network
// Package discovery provides mDNS lookup of network rendering targets.
//
// Example:
//
//	browser := discovery.NewBrowser(discovery.Config{Timeout: 3 * time.Second})
//	services, err := browser.Browse(ctx)
//	for _, svc := range services {
//	    fmt.Printf("Found: %s at %s:%d\n", svc.Name, svc.Host, svc.Port)
//	}
package discovery
