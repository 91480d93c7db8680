package redis

import (
	"bytes"
	"strconv"

	"github.com/ddosify/netobserver/protocols"
)

const maxPartialLine = 256

var crlf = []byte("\r\n")

// frameHandler receives the top level messages a framer finds. add reports
// bytes of the message being read, possibly over several reads.
type frameHandler interface {
	start(msg []byte) protocols.ParseResult
	add(n int64)
	done()
}

// respFramer follows RESP message boundaries of one direction across
// reads, so that a read continuing a bulk string or an aggregate is never
// taken for the start of a new message.
type respFramer struct {
	inline bool // top level inline commands are allowed

	bulk    int64   // bulk bytes still expected, CRLF included
	open    []int64 // elements still expected per open aggregate
	active  bool
	partial []byte // header line cut at the end of the last read
}

func (f *respFramer) reset() {
	f.bulk = 0
	f.open = f.open[:0]
	f.active = false
	f.partial = nil
}

// busy reports whether a message started in an earlier read is not done.
func (f *respFramer) busy() bool { return f.active || len(f.partial) > 0 }

// elementDone closes one element and reports whether that completed the
// top level message.
func (f *respFramer) elementDone() bool {
	for len(f.open) > 0 {
		top := len(f.open) - 1
		f.open[top]--
		if f.open[top] > 0 {
			return false
		}
		f.open = f.open[:top]
	}
	f.active = false
	return true
}

func parseLen(b []byte) (int64, protocols.ParseResult) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, protocols.ParseFail
	}
	return n, protocols.ParseSuccess
}

// header consumes one type line and reports whether it completed the top
// level message.
func (f *respFramer) header(line []byte) (bool, protocols.ParseResult) {
	if len(line) == 0 {
		return false, protocols.ParseFail
	}
	switch line[0] {
	case '*', '~', '>', '%':
		n, res := parseLen(line[1:])
		if res != protocols.ParseSuccess {
			return false, res
		}
		if n > maxArrayLen {
			return false, protocols.ParseDrop
		}
		if line[0] == '%' {
			n *= 2
		}
		if n <= 0 {
			return f.elementDone(), protocols.ParseSuccess
		}
		f.open = append(f.open, n)
		return false, protocols.ParseSuccess
	case '$', '=', '!':
		n, res := parseLen(line[1:])
		if res != protocols.ParseSuccess {
			return false, res
		}
		if n > maxBulkLen {
			return false, protocols.ParseDrop
		}
		if n < 0 {
			return f.elementDone(), protocols.ParseSuccess
		}
		f.bulk = n + 2
		return false, protocols.ParseSuccess
	case '+', '-', ':', '_', ',', '#', '(':
		return f.elementDone(), protocols.ParseSuccess
	}
	if f.inline && len(f.open) == 0 {
		return f.elementDone(), protocols.ParseSuccess
	}
	return false, protocols.ParseFail
}

// feed walks one read. realLen beyond len(data) is payload the capture cut
// off: it is skipped inside a bulk string, otherwise the open message is
// closed there.
func (f *respFramer) feed(data []byte, realLen uint32, h frameHandler) protocols.ParseResult {
	unseen := int64(realLen) - int64(len(data))
	buf := data
	if len(f.partial) > 0 {
		buf = append(f.partial, data...)
		f.partial = nil
	}
	pos, mark, stash := 0, 0, len(buf)
	for pos < len(buf) {
		if f.bulk > 0 {
			n := f.bulk
			if rest := int64(len(buf) - pos); n > rest {
				n = rest
			}
			pos += int(n)
			f.bulk -= n
			if f.bulk == 0 && f.elementDone() {
				h.add(int64(pos - mark))
				mark = pos
				h.done()
			}
			continue
		}
		i := bytes.Index(buf[pos:], crlf)
		if i < 0 {
			if unseen <= 0 && len(buf)-pos <= maxPartialLine {
				f.partial = append([]byte(nil), buf[pos:]...)
				stash = pos
			} else if !f.active {
				f.reset()
				return protocols.ParseFail
			}
			break
		}
		if !f.active {
			f.active = true
			mark = pos
			if res := h.start(buf[pos:]); res != protocols.ParseSuccess {
				f.reset()
				return res
			}
		}
		complete, res := f.header(buf[pos : pos+i])
		pos += i + 2
		if res != protocols.ParseSuccess {
			f.reset()
			return res
		}
		if complete {
			h.add(int64(pos - mark))
			mark = pos
			h.done()
		}
	}
	if f.active && stash > mark {
		h.add(int64(stash - mark))
	}
	if unseen > 0 && f.active {
		h.add(unseen)
		if f.bulk >= unseen {
			f.bulk -= unseen
			if f.bulk == 0 && f.elementDone() {
				h.done()
			}
		} else {
			f.reset()
			h.done()
		}
	}
	return protocols.ParseSuccess
}
