package twcc

import "errors"

var (
	ErrTooManyPackets     = errors.New("too many packet status entries for one feedback")
	ErrDeltaTooLarge      = errors.New("receive delta does not fit in a large delta")
	ErrNoPackets          = errors.New("no received packets to report")
	ErrMissingRecvDelta   = errors.New("feedback has fewer receive deltas than received packets")
	ErrUnknownPacketChunk = errors.New("unknown packet status chunk")
)
