//go:build !linux

package ebpf

func bootTimeOffset() int64 { return 0 }
