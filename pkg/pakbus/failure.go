// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pakbus

// Failure is the coarse reason a transaction could not be completed
type Failure int

// Failure values
const (
	FailureUnreachable Failure = iota + 1
	FailureUnsupported
	FailureTimedOut
	FailureMalformed
	FailureRoutingFailed
	FailurePacketTooBig
	FailureEncryptionRequired
	FailureEncryptionUnsupported
	FailureLinkFailed
)

func (f Failure) String() string {
	switch f {
	case FailureUnreachable:
		return "destination unreachable"
	case FailureUnsupported:
		return "message unsupported"
	case FailureTimedOut:
		return "timed out"
	case FailureMalformed:
		return "malformed message"
	case FailureRoutingFailed:
		return "routing failed"
	case FailurePacketTooBig:
		return "packet too large"
	case FailureEncryptionRequired:
		return "encryption required"
	case FailureEncryptionUnsupported:
		return "encryption unsupported"
	case FailureLinkFailed:
		return "link failed"
	default:
		return "unknown failure"
	}
}

// failureFromDeliveryCode maps a PakCtrl delivery-failure code
func failureFromDeliveryCode(code byte) Failure {
	switch code {
	case 1:
		return FailureUnreachable
	case 2, 4:
		return FailureUnsupported
	case 3, 6:
		return FailureRoutingFailed
	case 5:
		return FailureMalformed
	case 7:
		return FailurePacketTooBig
	case 8:
		return FailureEncryptionRequired
	case 9:
		return FailureEncryptionUnsupported
	default:
		return FailureRoutingFailed
	}
}
