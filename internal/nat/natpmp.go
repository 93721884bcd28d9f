package nat

import (
	"fmt"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/opentorque/servergrid/internal/netaddr"
)

// Mapping describes one successful NAT-PMP port mapping.
type Mapping struct {
	External netaddr.NetAddress
	Lifetime time.Duration
}

// TryPortMapping makes one best-effort NAT-PMP attempt to open udpPort on
// the default gateway. Success means the master-brokered hole-punch/relay
// path can be skipped for this session; failure just means falling back
// to it, so callers treat any error as advisory.
func TryPortMapping(udpPort uint16, lifetime time.Duration) (Mapping, error) {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return Mapping{}, fmt.Errorf("nat: no default gateway: %w", err)
	}

	client := natpmp.NewClientWithTimeout(gw, 2*time.Second)
	ext, err := client.GetExternalAddress()
	if err != nil {
		return Mapping{}, fmt.Errorf("nat: gateway %s does not speak NAT-PMP: %w", gw, err)
	}

	res, err := client.AddPortMapping("udp", int(udpPort), int(udpPort), int(lifetime.Seconds()))
	if err != nil {
		return Mapping{}, fmt.Errorf("nat: port mapping refused: %w", err)
	}

	return Mapping{
		External: netaddr.NewIPv4(
			ext.ExternalIPAddress[0], ext.ExternalIPAddress[1],
			ext.ExternalIPAddress[2], ext.ExternalIPAddress[3],
			res.MappedExternalPort,
		),
		Lifetime: time.Duration(res.PortMappingLifetimeInSeconds) * time.Second,
	}, nil
}
