package bwe

import (
	"time"
)

const (
	groupLength           = 5 * time.Millisecond
	burstDeltaThreshold   = 5 * time.Millisecond
	maxBurstDuration      = 100 * time.Millisecond
	reorderedResetCount   = 3
	arrivalOffsetResetGap = 3 * time.Second
)

type timestampGroup struct {
	size          int
	firstSend     time.Time
	send          time.Time
	firstArrival  time.Time
	complete      time.Time
	lastLocalTime time.Time
}

func (g *timestampGroup) isFirstPacket() bool {
	return g.complete.IsZero()
}

// interArrival groups packets sent within a short window and produces
// send/arrival deltas between consecutive groups.
type interArrival struct {
	current  timestampGroup
	previous timestampGroup

	numConsecutiveReordered int
}

func newInterArrival() *interArrival {
	return &interArrival{}
}

type groupDeltas struct {
	send    time.Duration
	arrival time.Duration
	size    int
}

func (i *interArrival) computeDeltas(sendTime, arrival, localTime time.Time, size int) (deltas groupDeltas, ok bool) {
	if i.current.isFirstPacket() {
		i.current.firstSend = sendTime
		i.current.send = sendTime
		i.current.firstArrival = arrival
	} else if !i.packetInOrder(sendTime) {
		return
	} else if i.newTimestampGroup(arrival, sendTime) {
		if !i.previous.complete.IsZero() {
			deltas.send = i.current.send.Sub(i.previous.send)
			deltas.arrival = i.current.complete.Sub(i.previous.complete)
			localDelta := i.current.lastLocalTime.Sub(i.previous.lastLocalTime)

			switch {
			case deltas.arrival-localDelta >= arrivalOffsetResetGap:
				// remote clock jumped
				i.reset()
				return groupDeltas{}, false

			case deltas.arrival < 0:
				i.numConsecutiveReordered++
				if i.numConsecutiveReordered >= reorderedResetCount {
					i.reset()
				}
				return groupDeltas{}, false

			default:
				i.numConsecutiveReordered = 0
			}

			deltas.size = i.current.size - i.previous.size
			ok = true
		}

		i.previous = i.current
		i.current = timestampGroup{
			firstSend:    sendTime,
			send:         sendTime,
			firstArrival: arrival,
		}
	} else if sendTime.After(i.current.send) {
		i.current.send = sendTime
	}

	i.current.size += size
	i.current.complete = arrival
	i.current.lastLocalTime = localTime
	return
}

func (i *interArrival) packetInOrder(sendTime time.Time) bool {
	if i.current.isFirstPacket() {
		return true
	}
	return !sendTime.Before(i.current.firstSend)
}

func (i *interArrival) newTimestampGroup(arrival, sendTime time.Time) bool {
	if i.current.isFirstPacket() {
		return false
	}
	if i.belongsToBurst(arrival, sendTime) {
		return false
	}
	return sendTime.Sub(i.current.firstSend) > groupLength
}

func (i *interArrival) belongsToBurst(arrival, sendTime time.Time) bool {
	arrivalDelta := arrival.Sub(i.current.complete)
	sendDelta := sendTime.Sub(i.current.send)
	if sendDelta == 0 {
		return true
	}
	propagationDelta := arrivalDelta - sendDelta
	return propagationDelta < 0 &&
		arrivalDelta <= burstDeltaThreshold &&
		arrival.Sub(i.current.firstArrival) < maxBurstDuration
}

func (i *interArrival) reset() {
	i.numConsecutiveReordered = 0
	i.current = timestampGroup{}
	i.previous = timestampGroup{}
}
