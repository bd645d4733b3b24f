package diverter

import (
	"fmt"
	"net"

	"paqet/internal/capture"
	"paqet/internal/config"
	"paqet/internal/metrics"
	"paqet/internal/netutil"
)

// BuildConfig turns a loaded client configuration into the Config New
// expects, auto-detecting whatever the file leaves blank: interface,
// gateway MAC, and the local interface's own hardware address.
func BuildConfig(cc *config.ClientConfig, met *metrics.Registry) (*Config, error) {
	ifaceName := cc.Interface
	gatewayMACStr := ""

	if ifaceName == "" {
		info, err := netutil.DetectNetwork()
		if err != nil {
			return nil, fmt.Errorf("diverter: network auto-detection failed: %w", err)
		}
		ifaceName = info.Interface
		gatewayMACStr = info.GatewayMAC
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("diverter: interface %s not found: %w", ifaceName, err)
	}

	var gatewayMAC net.HardwareAddr
	if gatewayMACStr != "" {
		gatewayMAC, err = net.ParseMAC(gatewayMACStr)
		if err != nil {
			return nil, fmt.Errorf("diverter: invalid gateway MAC %q: %w", gatewayMACStr, err)
		}
	} else {
		info, err := netutil.DetectNetwork()
		if err != nil {
			return nil, fmt.Errorf("diverter: gateway MAC auto-detection failed: %w", err)
		}
		gatewayMAC, err = net.ParseMAC(info.GatewayMAC)
		if err != nil {
			return nil, fmt.Errorf("diverter: invalid gateway MAC %q: %w", info.GatewayMAC, err)
		}
	}

	captureCfg := &capture.Config{
		Interface:      iface,
		GUID:           cc.GUID,
		Backend:        cc.PCAP.Backend,
		Sockbuf:        cc.PCAP.Sockbuf,
		LocalMAC:       iface.HardwareAddr,
		GatewayMAC:     gatewayMAC,
		GameServerIPv4: cc.ResolveGameServerIPv4(),
		GameServerIPv6: cc.ResolveGameServerIPv6(),
		ExceptPort:     cc.ExceptPort,
	}

	return &Config{
		Capture:        captureCfg,
		RelayAddrs:     cc.RelayAddrs,
		GameServerIPv4: captureCfg.GameServerIPv4,
		GameServerIPv6: captureCfg.GameServerIPv6,
		Metrics:        met,
	}, nil
}
