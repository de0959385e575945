package verbs

import "fmt"

// WROpcode identifies the kind of work a send work request performs.
type WROpcode int

const (
	WRSend WROpcode = iota
	WRSendImm
	WRWrite
	WRWriteImm
	WRRead
	WRCompSwap
	WRFetchAdd
)

func (o WROpcode) String() string {
	switch o {
	case WRSend:
		return "SEND"
	case WRSendImm:
		return "SEND_IMM"
	case WRWrite:
		return "WRITE"
	case WRWriteImm:
		return "WRITE_IMM"
	case WRRead:
		return "READ"
	case WRCompSwap:
		return "COMP_SWAP"
	case WRFetchAdd:
		return "FETCH_ADD"
	default:
		return "UNKNOWN"
	}
}

// IsRemote reports whether the opcode targets remote memory and thus
// requires a remote address and rkey.
func (o WROpcode) IsRemote() bool {
	switch o {
	case WRWrite, WRWriteImm, WRRead, WRCompSwap, WRFetchAdd:
		return true
	default:
		return false
	}
}

// IsAtomic reports whether the opcode is an atomic operation.
func (o WROpcode) IsAtomic() bool {
	return o == WRCompSwap || o == WRFetchAdd
}

// SGE is a scatter/gather entry referencing registered local memory.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendWR is an application-submitted send-side work request. One
// signaled SendWR produces exactly one WorkCompletion.
type SendWR struct {
	// WRID is an opaque application identifier echoed in the completion.
	WRID uint64

	// Opcode selects the operation.
	Opcode WROpcode

	// SGList describes the local data: the payload source for sends and
	// writes, the scatter destination for reads, the result destination
	// for atomics (8 bytes).
	SGList []SGE

	// RemoteAddr and RKey address remote memory for remote opcodes.
	RemoteAddr uint64
	RKey       uint32

	// ImmData is carried in the packet header for immediate variants
	// and surfaces in the remote peer's receive completion.
	ImmData uint32

	// CompareAdd holds the compare operand for WRCompSwap and the
	// addend for WRFetchAdd.
	CompareAdd uint64

	// Swap holds the swap operand for WRCompSwap.
	Swap uint64

	// Signaled requests a completion record for this work request.
	// Unsignaled requests complete silently on success but still
	// produce a completion on failure.
	Signaled bool
}

// RecvWR is a posted receive buffer consumed by an inbound send.
type RecvWR struct {
	WRID   uint64
	SGList []SGE
}

// WCStatus is the outcome status of a work completion.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCRemoteAbortedErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

func (s WCStatus) String() string {
	switch s {
	case WCSuccess:
		return "success"
	case WCLocalLenErr:
		return "local length error"
	case WCLocalQPOpErr:
		return "local QP operation error"
	case WCLocalProtErr:
		return "local protection error"
	case WCWRFlushErr:
		return "work request flushed"
	case WCBadRespErr:
		return "bad response"
	case WCLocalAccessErr:
		return "local access error"
	case WCRemoteInvalidReqErr:
		return "remote invalid request"
	case WCRemoteAccessErr:
		return "remote access error"
	case WCRemoteOpErr:
		return "remote operation error"
	case WCRetryExcErr:
		return "retry count exceeded"
	case WCRnrRetryExcErr:
		return "RNR retry count exceeded"
	case WCRemoteAbortedErr:
		return "remote aborted"
	case WCFatalErr:
		return "fatal error"
	case WCRespTimeoutErr:
		return "response timeout"
	case WCGeneralErr:
		return "general error"
	default:
		return fmt.Sprintf("WCStatus(%d)", int(s))
	}
}

// WCOpcode identifies the operation a completion reports on.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpRecv
	WCOpRecvRDMAWithImm
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpSend:
		return "SEND"
	case WCOpRDMAWrite:
		return "RDMA_WRITE"
	case WCOpRDMARead:
		return "RDMA_READ"
	case WCOpCompSwap:
		return "COMP_SWAP"
	case WCOpFetchAdd:
		return "FETCH_ADD"
	case WCOpRecv:
		return "RECV"
	case WCOpRecvRDMAWithImm:
		return "RECV_RDMA_IMM"
	default:
		return "UNKNOWN"
	}
}

// WorkCompletion is the immutable record produced for a finished work
// request or a transport-level failure that terminated it.
type WorkCompletion struct {
	WRID    uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
	ImmData uint32
	QPN     uint32
	SrcQP   uint32
}
