// Package discovery finds SunSpec-speaking devices: either a preconfigured
// static list, or a bounded-concurrency scan of every host in an IPv4
// subnet that responds to a Modbus TCP connect and carries the SunSpec
// sentinel at the configured base address.
package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/berfenger/sunspec-collector/internal/config"
	"github.com/berfenger/sunspec-collector/internal/telemetry"
	"github.com/berfenger/sunspec-collector/pkg/sunspec"
)

// Config bundles the discovery inputs a Run call needs: where to look and
// how the SunSpec sentinel probe should be performed.
type Config struct {
	Discovery config.DiscoveryConfig
	SunSpec   config.SunSpecConfig
}

// Run yields discovered device addresses on the returned channel. If
// StaticDevices is non-empty it is used verbatim and the channel is closed
// once every entry has been sent; otherwise a subnet scan runs with a
// bounded concurrency cap, and the channel closes once every host/unit-id
// combination has been probed. The channel is the "lazy sequence" the
// Supervisor consumes to start Device Actors as addresses arrive, rather
// than waiting for the whole scan to finish.
func Run(ctx context.Context, cfg Config, log *logrus.Logger) (<-chan telemetry.DeviceAddress, error) {
	if log == nil {
		log = logrus.New()
	}

	if len(cfg.Discovery.StaticDevices) > 0 {
		out := make(chan telemetry.DeviceAddress, len(cfg.Discovery.StaticDevices))
		for _, entry := range cfg.Discovery.StaticDevices {
			addr, err := parseStaticDevice(entry, uint16(cfg.Discovery.Port))
			if err != nil {
				return nil, err
			}
			out <- addr
		}
		close(out)
		return out, nil
	}

	hosts, err := subnetHosts(cfg.Discovery.Subnet)
	if err != nil {
		return nil, err
	}

	out := make(chan telemetry.DeviceAddress, cfg.Discovery.ConcurrencyCap)
	go scan(ctx, cfg, hosts, out, log)
	return out, nil
}

func parseStaticDevice(entry string, defaultPort uint16) (telemetry.DeviceAddress, error) {
	host := entry
	unitID := uint8(1)

	if idx := strings.LastIndex(entry, ":"); idx >= 0 {
		host = entry[:idx]
		n, err := strconv.ParseUint(entry[idx+1:], 10, 8)
		if err != nil {
			return telemetry.DeviceAddress{}, fmt.Errorf("discovery: invalid static device %q: %w", entry, err)
		}
		unitID = uint8(n)
	}

	return telemetry.DeviceAddress{Host: host, Port: defaultPort, UnitID: unitID}, nil
}

// scan probes every host in hosts under a bounded concurrency cap, and for
// each host that passes the sentinel probe, emits one DeviceAddress per
// configured unit id. It never reuses a single connection across unit ids:
// each (host, unit_id) pair becomes its own Device Actor downstream with its
// own Modbus Client, so there is nothing to reuse here either.
func scan(ctx context.Context, cfg Config, hosts []string, out chan<- telemetry.DeviceAddress, log *logrus.Logger) {
	defer close(out)

	sem := make(chan struct{}, cfg.Discovery.ConcurrencyCap)
	results := make(chan telemetry.DeviceAddress)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for addr := range results {
			select {
			case out <- addr:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
hostLoop:
	for _, host := range hosts {
		select {
		case <-ctx.Done():
			break hostLoop
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			defer func() { <-sem }()
			probeHost(ctx, cfg, host, results, log)
		}(host)
	}

	wg.Wait()
	close(results)
	<-done
}

func probeHost(ctx context.Context, cfg Config, host string, results chan<- telemetry.DeviceAddress, log *logrus.Logger) {
	timeout := time.Duration(cfg.Discovery.PerHostTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, cfg.Discovery.Port), timeout)
	if err != nil {
		return // silently skipped per spec: unreachable hosts are expected during a scan
	}
	_ = conn.Close()

	for _, unitID := range cfg.Discovery.UnitIDs {
		client, err := sunspec.NewClient(sunspec.ClientConfig{
			Host:    host,
			Port:    uint16(cfg.Discovery.Port),
			UnitID:  uint8(unitID),
			Timeout: timeout,
		}, log, nil)
		if err != nil {
			continue
		}
		if err := client.Open(); err != nil {
			continue
		}

		ok, err := probeSentinel(client, cfg)
		_ = client.Close()
		if err != nil || !ok {
			continue
		}

		addr := telemetry.DeviceAddress{Host: host, Port: uint16(cfg.Discovery.Port), UnitID: uint8(unitID)}
		select {
		case results <- addr:
		case <-ctx.Done():
			return
		}
	}
}

func probeSentinel(client *sunspec.Client, cfg Config) (bool, error) {
	base := uint16(cfg.SunSpec.BaseAddress)
	return sunspec.VerifySunSID(client, base, uint16(cfg.SunSpec.DiscoveryRegCount))
}

// subnetHosts enumerates every usable host address in an IPv4 CIDR,
// excluding the network and broadcast addresses unless the prefix is /31 or
// /32 (which have no such reserved addresses to exclude).
func subnetHosts(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid subnet %q: %w", cidr, err)
	}
	ip = ip.To4()
	if ip == nil {
		return nil, fmt.Errorf("discovery: subnet %q is not IPv4", cidr)
	}

	ones, bits := ipnet.Mask.Size()
	first := binary.BigEndian.Uint32(ipnet.IP.To4())
	last := first | (^binary.BigEndian.Uint32(net.IP(ipnet.Mask).To4()))

	if bits-ones > 1 {
		first++
		last--
	}

	var hosts []string
	for n := first; n <= last; n++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], n)
		hosts = append(hosts, net.IP(b[:]).String())
		if n == last {
			break // avoid uint32 wraparound when last == 0xFFFFFFFF
		}
	}
	return hosts, nil
}
