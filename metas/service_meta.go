package metas

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// ServiceMetaManager remembers which hostname a process used to reach an
// address, learned from DNS answers and HTTP Host headers.
type ServiceMetaManager struct {
	c   *cache.Cache
	ttl time.Duration
}

func NewServiceMetaManager(ttl time.Duration) *ServiceMetaManager {
	cleanup := ttl / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &ServiceMetaManager{c: cache.New(ttl, cleanup), ttl: ttl}
}

func hostKey(pid uint32, ip string) string {
	return strconv.FormatUint(uint64(pid), 10) + "|" + ip
}

func (s *ServiceMetaManager) AddHostName(pid uint32, host string, ip string) {
	if host == "" || ip == "" {
		return
	}
	s.c.Set(hostKey(pid, ip), host, s.ttl)
}

// HostName returns "" when nothing was learned for ip.
func (s *ServiceMetaManager) HostName(pid uint32, ip string) string {
	if v, ok := s.c.Get(hostKey(pid, ip)); ok {
		return v.(string)
	}
	return ""
}

// SetTimeout applies to names learned from now on.
func (s *ServiceMetaManager) SetTimeout(ttl time.Duration) { s.ttl = ttl }

func (s *ServiceMetaManager) Len() int { return s.c.ItemCount() }
