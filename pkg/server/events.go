package server

// Datapath-to-control communication. The UDP thread never writes to a
// TLS socket itself; it enqueues tagged events on a bounded queue that
// the control loop drains. Voice is lossy by contract, so when the queue
// is full the event is dropped rather than blocking the datapath.

// ResyncRequest asks the control loop to solicit a crypt nonce resync
// from a client whose datagrams stopped decrypting.
type ResyncRequest struct {
	Session uint32
}

// TunneledFrame carries an already-framed voice packet to be written to
// a client's TLS connection.
type TunneledFrame struct {
	Session uint32
	Frame   []byte
}

// eventQueueSize bounds the datapath-to-control queue. At 20 ms voice
// frames this is several seconds of backlog per slow TLS client before
// frames start dropping.
const eventQueueSize = 256

// enqueueEvent posts an event without ever blocking the datapath.
// Returns false if the queue was full and the event was dropped.
func (s *Server) enqueueEvent(ev any) bool {
	select {
	case s.events <- ev:
		return true
	default:
		s.metrics.EventsDropped.Add(1)
		return false
	}
}
