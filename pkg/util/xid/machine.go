package xid

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/netip"
	"os"
	"strconv"
)

// 机器 ID 来源的环境变量。
const (
	EnvMachineID = "XJOBD_MACHINE_ID"
	EnvPodName   = "POD_NAME"
)

// ErrNoPrivateAddress 表示找不到私有 IPv4 地址。
var ErrNoPrivateAddress = errors.New("xid: no private IP address found")

// 测试替换点。
var (
	lookupEnv         = os.LookupEnv
	osHostname        = os.Hostname
	netInterfaceAddrs = net.InterfaceAddrs
)

// DefaultMachineID 按环境变量、Pod 名、主机名、私有 IP 的顺序确定机器 ID。
func DefaultMachineID() (uint16, error) {
	if s, ok := lookupEnv(EnvMachineID); ok && s != "" {
		id, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("xid: invalid %s value %q: %w", EnvMachineID, s, err)
		}
		return uint16(id), nil
	}
	if s, ok := lookupEnv(EnvPodName); ok && s != "" {
		return hashToMachineID(s), nil
	}
	host, hostErr := osHostname()
	if hostErr == nil && host != "" {
		return hashToMachineID(host), nil
	}
	ip, err := privateIPv4()
	if err != nil {
		return 0, fmt.Errorf("xid: no machine id source (hostname: %v): %w", hostErr, err)
	}
	b := ip.As4()
	return uint16(b[2])<<8 | uint16(b[3]), nil
}

// hashToMachineID 把 FNV-1a 32 位哈希异或折叠为 16 位。
func hashToMachineID(s string) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	sum := h.Sum32()
	return uint16(sum>>16) ^ uint16(sum&0xFFFF)
}

func privateIPv4() (netip.Addr, error) {
	addrs, err := netInterfaceAddrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("xid: list interface addrs: %w", err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() && ip.IsPrivate() {
			return ip, nil
		}
	}
	return netip.Addr{}, ErrNoPrivateAddress
}
