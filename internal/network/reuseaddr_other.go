//go:build !linux && !windows

package network

import "net"

func reuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
