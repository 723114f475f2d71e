package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency = metric.NewHistogram("1m1s")
	PathSearchSize  = metric.NewHistogram("1m10s")
	LinkTransitions = metric.NewCounter("10s1s")
	LinkRtt         = metric.NewHistogram("1m10s")
	HandshakeFailed = metric.NewCounter("1m10s")
	GossipSent      = metric.NewCounter("10s1s")
	GossipMerged    = metric.NewCounter("10s1s")
	GossipSkipped   = metric.NewCounter("10s1s")
	EventsDropped   = metric.NewCounter("10s1s")
	SentBytes       = metric.NewCounter("10s1s")
	RecvBytes       = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("weft:DispatchLatency (µs)", DispatchLatency)
	expvar.Publish("weft:PathSearchSize", PathSearchSize)
	expvar.Publish("weft:LinkTransitions/s", LinkTransitions)
	expvar.Publish("weft:LinkRtt (µs)", LinkRtt)
	expvar.Publish("weft:HandshakeFailed", HandshakeFailed)
	expvar.Publish("weft:GossipSent/s", GossipSent)
	expvar.Publish("weft:GossipMerged/s", GossipMerged)
	expvar.Publish("weft:GossipSkipped/s", GossipSkipped)
	expvar.Publish("weft:EventsDropped/s", EventsDropped)
	expvar.Publish("weft:SentBytes/s", SentBytes)
	expvar.Publish("weft:RecvBytes/s", RecvBytes)
}
