package aggregator

import "inet.af/netaddr"

func mustIP(s string) netaddr.IP { return netaddr.MustParseIP(s) }
