package protocols

import "time"

// StitchCache pairs requests and responses of a connection by capture time.
// Both sides are fixed size rings; when full the oldest entry is overwritten.
type StitchCache[Req any, Resp any] struct {
	mask  uint64
	reqs  []Req
	resps []Resp

	reqHead, reqTail   uint64
	respHead, respTail uint64

	reqTime  func(*Req) uint64
	respTime func(*Resp) uint64
	stitch   func(*Req, *Resp) bool
}

// NewStitchCache rounds capacity up to a power of two. stitch is called for
// each matched pair and returns false when the event could not be recorded.
func NewStitchCache[Req any, Resp any](capacity int, reqTime func(*Req) uint64, respTime func(*Resp) uint64,
	stitch func(*Req, *Resp) bool) *StitchCache[Req, Resp] {
	c := 1
	for c < capacity {
		c <<= 1
	}
	return &StitchCache[Req, Resp]{
		mask:     uint64(c - 1),
		reqs:     make([]Req, c),
		resps:    make([]Resp, c),
		reqTime:  reqTime,
		respTime: respTime,
		stitch:   stitch,
	}
}

func (c *StitchCache[Req, Resp]) RequestsSize() int  { return int(c.reqTail - c.reqHead) }
func (c *StitchCache[Req, Resp]) ResponsesSize() int { return int(c.respTail - c.respHead) }

func (c *StitchCache[Req, Resp]) reqFront() *Req {
	if c.reqHead == c.reqTail {
		return nil
	}
	return &c.reqs[c.reqHead&c.mask]
}

func (c *StitchCache[Req, Resp]) respFront() *Resp {
	if c.respHead == c.respTail {
		return nil
	}
	return &c.resps[c.respHead&c.mask]
}

// LastRequest returns the most recently inserted request, if any.
func (c *StitchCache[Req, Resp]) LastRequest() *Req {
	if c.reqHead == c.reqTail {
		return nil
	}
	return &c.reqs[(c.reqTail-1)&c.mask]
}

// InsertReq fills a fresh slot and tries to pair it.
func (c *StitchCache[Req, Resp]) InsertReq(fill func(*Req)) bool {
	if c.reqTail-c.reqHead == uint64(len(c.reqs)) {
		c.reqHead++
	}
	slot := &c.reqs[c.reqTail&c.mask]
	var zero Req
	*slot = zero
	fill(slot)
	c.reqTail++
	return c.stitchByReq()
}

func (c *StitchCache[Req, Resp]) InsertResp(fill func(*Resp)) bool {
	if c.respTail-c.respHead == uint64(len(c.resps)) {
		c.respHead++
	}
	slot := &c.resps[c.respTail&c.mask]
	var zero Resp
	*slot = zero
	fill(slot)
	c.respTail++
	return c.stitchByResp()
}

func (c *StitchCache[Req, Resp]) stitchByReq() bool {
	req := c.reqFront()
	resp := c.respFront()
	if req == nil || resp == nil {
		return true
	}
	// responses captured before the oldest request can never be paired
	for resp != nil && c.respTime(resp) < c.reqTime(req) {
		c.respHead++
		resp = c.respFront()
	}
	if resp == nil {
		return true
	}
	ok := c.stitch(req, resp)
	c.reqHead++
	c.respHead++
	return ok
}

func (c *StitchCache[Req, Resp]) stitchByResp() bool {
	req := c.reqFront()
	resp := c.respFront()
	if req == nil || resp == nil {
		return true
	}
	respTime := c.respTime(resp)
	if respTime < c.reqTime(req) {
		c.respHead++
		return true
	}
	// latest request sent before the response
	idx := c.reqHead
	for idx < c.reqTail && c.reqTime(&c.reqs[idx&c.mask]) <= respTime {
		idx++
	}
	c.reqHead = idx - 1
	req = c.reqFront()
	if req == nil {
		return true
	}
	ok := c.stitch(req, resp)
	c.reqHead++
	c.respHead++
	return ok
}

// GarbageCollection drops entries captured before expireNs and reports
// whether both sides are now empty.
func (c *StitchCache[Req, Resp]) GarbageCollection(expireNs uint64) bool {
	for req := c.reqFront(); req != nil && c.reqTime(req) < expireNs; req = c.reqFront() {
		c.reqHead++
	}
	for resp := c.respFront(); resp != nil && c.respTime(resp) < expireNs; resp = c.respFront() {
		c.respHead++
	}
	return c.RequestsSize() == 0 && c.ResponsesSize() == 0
}

// Reset drops everything without pairing.
func (c *StitchCache[Req, Resp]) Reset() {
	c.reqHead = c.reqTail
	c.respHead = c.respTail
}

// MessageTimeoutNs bounds how long an unpaired message is kept by a parser.
const MessageTimeoutNs = uint64(60 * time.Second)

// ExpireBefore returns the capture time below which messages are stale at nowNs.
func ExpireBefore(nowNs uint64) uint64 {
	if nowNs > MessageTimeoutNs {
		return nowNs - MessageTimeoutNs
	}
	return 0
}
