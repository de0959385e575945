// Package verbs defines the public vocabulary of the softrdma engine:
// queue pair types and states, memory access rights, work requests,
// work completions, and the error taxonomy shared between the engine
// and its callers.
//
// The package is intentionally dependency-free so that clients can
// consume the types without pulling in the engine itself.
package verbs

import "fmt"

// QPType represents queue pair transport types.
type QPType int

const (
	QPTypeRC QPType = iota // Reliable Connection
	QPTypeUC               // Unreliable Connection
	QPTypeUD               // Unreliable Datagram
)

func (t QPType) String() string {
	switch t {
	case QPTypeRC:
		return "RC"
	case QPTypeUC:
		return "UC"
	case QPTypeUD:
		return "UD"
	default:
		return fmt.Sprintf("QPType(%d)", int(t))
	}
}

// QPState represents the protocol state of a queue pair.
//
// The only legal application-driven path is Reset -> Init -> RTR -> RTS.
// Any state may transition to Error on an unrecoverable fault; Error is
// terminal for the connection.
type QPState int

const (
	QPStateReset QPState = iota // initial; no processing
	QPStateInit                 // attributes settable, no data path
	QPStateRTR                  // ready to receive
	QPStateRTS                  // ready to send; full data path
	QPStateError                // terminal; pending work drained with failures
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERROR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// AccessFlags is the memory region access rights bitmask.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic
)

// Contains reports whether all rights in want are granted.
func (f AccessFlags) Contains(want AccessFlags) bool {
	return f&want == want
}

func (f AccessFlags) String() string {
	if f == 0 {
		return "none"
	}

	s := ""
	if f&AccessLocalWrite != 0 {
		s += "local-write|"
	}

	if f&AccessRemoteWrite != 0 {
		s += "remote-write|"
	}

	if f&AccessRemoteRead != 0 {
		s += "remote-read|"
	}

	if f&AccessRemoteAtomic != 0 {
		s += "remote-atomic|"
	}

	return s[:len(s)-1]
}

// PMTU is the path maximum transmission unit of a connection. Messages
// larger than the PMTU are segmented into multiple packets.
type PMTU uint32

const (
	PMTU256  PMTU = 256
	PMTU512  PMTU = 512
	PMTU1024 PMTU = 1024
	PMTU2048 PMTU = 2048
	PMTU4096 PMTU = 4096
)

// Valid reports whether the PMTU is one of the defined values.
func (p PMTU) Valid() bool {
	switch p {
	case PMTU256, PMTU512, PMTU1024, PMTU2048, PMTU4096:
		return true
	default:
		return false
	}
}

// QPCap holds queue pair sizing limits fixed at creation.
type QPCap struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSGE uint32
	MaxRecvSGE uint32
}

// QPAttr carries connection attributes applied by ModifyQP. Which
// fields are consulted depends on the target state: Init consumes PKey
// and AccessFlags, RTR consumes the remote path and the expected
// receive PSN, RTS consumes the initial send PSN and the retry policy.
type QPAttr struct {
	// PKey is the partition key carried in every packet header.
	PKey uint16

	// AccessFlags grants rights for remote-initiated operations
	// targeting this QP's registered memory.
	AccessFlags AccessFlags

	// DestQPN is the remote queue pair number.
	DestQPN uint32

	// DestAddr is the remote engine's UDP endpoint, host:port.
	DestAddr string

	// PMTU is the path MTU for segmentation. Zero keeps the default.
	PMTU PMTU

	// RecvPSN is the first packet sequence number expected from the
	// remote sender (applied at RTR).
	RecvPSN uint32

	// SendPSN is the first packet sequence number used for outbound
	// requests (applied at RTS).
	SendPSN uint32

	// RetryCount bounds the number of timeout-driven retransmission
	// rounds before the QP moves to Error. Zero keeps the default.
	RetryCount uint8

	// TimeoutTicks is the acknowledgment timeout arming the retry
	// timer, in the engine's tick resolution. Zero keeps the default.
	TimeoutTicks uint8
}
