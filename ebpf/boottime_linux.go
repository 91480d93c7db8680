package ebpf

import (
	"time"

	"golang.org/x/sys/unix"
)

// bootTimeOffset converts kernel boot clock timestamps to unix time.
func bootTimeOffset() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return 0
	}
	return time.Now().UnixNano() - ts.Nano()
}
