/*
File Name:  errors.go

Error taxonomy (§7): every error the core surfaces carries a Kind so a
caller can branch on category with errors.Is, regardless of the
underlying cause. Propagation policy is enforced by the callers in
network.go, not here: recoverable kinds (Duplicate, TTLExpired,
RateLimited) are counted and suppressed, peer-attributable failures (a bad
signature, a flood-limit violation) lower the sender's reputation, and
PersistenceError
never aborts the core.
*/

package mesh

// Kind categorizes an Error, per §7's taxonomy.
type Kind int

const (
	KindInvalidMessage Kind = iota
	KindBadSignature
	KindDecryptionFailed
	KindTTLExpired
	KindDuplicate
	KindUnknownPeer
	KindPeerBlacklisted
	KindRateLimited
	KindQuotaExceeded
	KindTransportError
	KindTimeout
	KindCancelled
	KindPersistenceError
	KindFragmentReassemblyFailed
	KindConfigInvalid
	KindNotInitialized
)

func (k Kind) String() string {
	switch k {
	case KindInvalidMessage:
		return "InvalidMessage"
	case KindBadSignature:
		return "BadSignature"
	case KindDecryptionFailed:
		return "DecryptionFailed"
	case KindTTLExpired:
		return "TTLExpired"
	case KindDuplicate:
		return "Duplicate"
	case KindUnknownPeer:
		return "UnknownPeer"
	case KindPeerBlacklisted:
		return "PeerBlacklisted"
	case KindRateLimited:
		return "RateLimited"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindTransportError:
		return "TransportError"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindPersistenceError:
		return "PersistenceError"
	case KindFragmentReassemblyFailed:
		return "FragmentReassemblyFailed"
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindNotInitialized:
		return "NotInitialized"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every core operation returns.
type Error struct {
	Kind Kind
	msg  string
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports equality by Kind, so errors.Is(err, mesh.ErrDuplicate) matches
// any *Error of the same kind regardless of its wrapped cause or message.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == e.Kind
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, Err: cause}
}

// Sentinel errors for use with errors.Is; each carries its Kind and a short
// message, and errors.Is compares only the Kind.
var (
	ErrInvalidMessage           = newError(KindInvalidMessage, "invalid message")
	ErrBadSignature             = newError(KindBadSignature, "signature verification failed")
	ErrDecryptionFailed         = newError(KindDecryptionFailed, "decryption failed")
	ErrTTLExpired               = newError(KindTTLExpired, "ttl expired")
	ErrDuplicate                = newError(KindDuplicate, "duplicate message")
	ErrUnknownPeer              = newError(KindUnknownPeer, "unknown peer")
	ErrPeerBlacklisted          = newError(KindPeerBlacklisted, "peer is blacklisted")
	ErrRateLimited              = newError(KindRateLimited, "rate limited")
	ErrQuotaExceeded            = newError(KindQuotaExceeded, "quota exceeded")
	ErrTransportError           = newError(KindTransportError, "transport error")
	ErrTimeout                  = newError(KindTimeout, "timeout")
	ErrCancelled                = newError(KindCancelled, "cancelled")
	ErrPersistenceError         = newError(KindPersistenceError, "persistence error")
	ErrFragmentReassemblyFailed = newError(KindFragmentReassemblyFailed, "fragment reassembly failed")
	ErrConfigInvalid            = newError(KindConfigInvalid, "invalid configuration")
	ErrNotInitialized           = newError(KindNotInitialized, "network not started")
)
