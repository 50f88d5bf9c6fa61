package camrtc

import (
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
)

// keyframeCounter counts picture loss and full intra requests on their way
// to the track. The encoder reads the same RTCP stream to force keyframes,
// so counting happens in the interceptor chain instead of a second reader.
type keyframeCounter struct {
	interceptor.NoOp
	count *atomic.Uint64
}

func (k *keyframeCounter) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err != nil {
			return n, a, err
		}
		if a == nil {
			a = make(interceptor.Attributes)
		}
		pkts, perr := a.GetRTCPPackets(b[:n])
		if perr != nil {
			return n, a, nil
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				k.count.Add(1)
			}
		}
		return n, a, nil
	})
}

type keyframeCounterFactory struct {
	count *atomic.Uint64
}

func (f keyframeCounterFactory) NewInterceptor(string) (interceptor.Interceptor, error) {
	return &keyframeCounter{count: f.count}, nil
}
