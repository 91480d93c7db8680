package metas

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/protocols"
	"github.com/prometheus/procfs"
	"inet.af/netaddr"
)

const tcpListen = 0x0a

const (
	FamilyIPv4 = "ipv4"
	FamilyIPv6 = "ipv6"
	FamilyUnix = "unix"
)

var (
	errBadLinkPrefix = errors.New("unexpected link prefix")
	errBadLinkFormat = errors.New("malformed inode link")
)

// ConnectionInfo describes one socket of a network namespace.
type ConnectionInfo struct {
	Family string
	Local  netaddr.IPPort
	Remote netaddr.IPPort
	Path   string
	State  uint8
	Role   protocols.PacketRoleType
}

type ConnectionMetaStatistics struct {
	GetSocketInfo     int
	GetSocketInfoFail int
	FetchNamespace    int
}

// ConnectionMetaManager maps a pid's fd to the socket behind it, reading
// each network namespace's socket tables once per refresh.
type ConnectionMetaManager struct {
	root    string
	conns   map[uint64]*ConnectionInfo
	fetched map[uint64]struct{}
	stats   ConnectionMetaStatistics
}

func NewConnectionMetaManager(procRoot string) *ConnectionMetaManager {
	return &ConnectionMetaManager{
		root:    procRoot,
		conns:   make(map[uint64]*ConnectionInfo),
		fetched: make(map[uint64]struct{}),
	}
}

func readInode(link, prefix string) (uint64, error) {
	if !strings.HasPrefix(link, prefix) || len(link)-len(prefix) < 3 {
		return 0, errBadLinkPrefix
	}
	rest := link[len(prefix):]
	if rest[0] != '[' || rest[len(rest)-1] != ']' {
		return 0, errBadLinkFormat
	}
	return strconv.ParseUint(rest[1:len(rest)-1], 10, 64)
}

func (c *ConnectionMetaManager) pidPath(pid uint32, elem ...string) string {
	return filepath.Join(append([]string{c.root, strconv.FormatUint(uint64(pid), 10)}, elem...)...)
}

// GetConnectionInfo returns nil when the fd is not a socket or the socket
// could not be found in the pid's namespace.
func (c *ConnectionMetaManager) GetConnectionInfo(pid, fd uint32) *ConnectionInfo {
	c.stats.GetSocketInfo++
	link, err := os.Readlink(c.pidPath(pid, "fd", strconv.FormatUint(uint64(fd), 10)))
	if err != nil {
		c.stats.GetSocketInfoFail++
		return nil
	}
	inode, err := readInode(link, "socket:")
	if err != nil {
		log.Logger.Debug().Str("link", link).Err(err).Msg("fd is not a socket")
		c.stats.GetSocketInfoFail++
		return nil
	}
	if info, ok := c.conns[inode]; ok {
		return info
	}
	nsLink, err := os.Readlink(c.pidPath(pid, "ns", "net"))
	if err != nil {
		c.stats.GetSocketInfoFail++
		return nil
	}
	ns, err := readInode(nsLink, "net:")
	if err != nil {
		c.stats.GetSocketInfoFail++
		return nil
	}
	if _, ok := c.fetched[ns]; ok {
		c.stats.GetSocketInfoFail++
		return nil
	}
	c.fetched[ns] = struct{}{}
	c.stats.FetchNamespace++
	c.fetch(pid)
	if info, ok := c.conns[inode]; ok {
		return info
	}
	log.Logger.Debug().Uint32("pid", pid).Uint64("inode", inode).Msg("socket not found in namespace")
	c.stats.GetSocketInfoFail++
	return nil
}

func (c *ConnectionMetaManager) fetch(pid uint32) {
	fs, err := procfs.NewFS(c.pidPath(pid))
	if err != nil {
		return
	}
	var inet []*ConnectionInfo
	if tcp, err := fs.NetTCP(); err == nil {
		inet = c.addInet(inet, FamilyIPv4, tcp)
	}
	if tcp6, err := fs.NetTCP6(); err == nil {
		inet = c.addInet(inet, FamilyIPv6, tcp6)
	}
	listening := make(map[string]struct{})
	for _, info := range inet {
		if info.State == tcpListen {
			listening[info.Family+"/"+strconv.Itoa(int(info.Local.Port()))] = struct{}{}
		}
	}
	for _, info := range inet {
		if _, ok := listening[info.Family+"/"+strconv.Itoa(int(info.Local.Port()))]; ok {
			info.Role = protocols.RoleServer
		} else {
			info.Role = protocols.RoleClient
		}
	}
	if unix, err := fs.NetUNIX(); err == nil {
		for _, row := range unix.Rows {
			if row.Inode == 0 {
				continue
			}
			c.conns[row.Inode] = &ConnectionInfo{Family: FamilyUnix, Path: row.Path, State: uint8(row.State)}
		}
	}
}

func (c *ConnectionMetaManager) addInet(out []*ConnectionInfo, family string, lines procfs.NetTCP) []*ConnectionInfo {
	for _, l := range lines {
		if l.Inode == 0 {
			continue
		}
		if _, dup := c.conns[l.Inode]; dup {
			continue
		}
		local, _ := netaddr.FromStdIP(l.LocalAddr)
		remote, _ := netaddr.FromStdIP(l.RemAddr)
		info := &ConnectionInfo{
			Family: family,
			Local:  netaddr.IPPortFrom(local, uint16(l.LocalPort)),
			Remote: netaddr.IPPortFrom(remote, uint16(l.RemPort)),
			State:  uint8(l.St),
		}
		c.conns[l.Inode] = info
		out = append(out, info)
	}
	return out
}

// GarbageCollection drops every cached socket; called once per netlink
// interval.
func (c *ConnectionMetaManager) GarbageCollection() {
	c.conns = make(map[uint64]*ConnectionInfo)
	c.fetched = make(map[uint64]struct{})
}

func (c *ConnectionMetaManager) Statistics() ConnectionMetaStatistics { return c.stats }
