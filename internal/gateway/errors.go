package gateway

import (
	"errors"
	"fmt"
)

var (
	errZombie             = errors.New("heartbeat acknowledgements missed")
	errReconnectRequested = errors.New("server requested reconnect")
	errInvalidSession     = errors.New("session invalidated")
	errSequenceGap        = errors.New("dispatch sequence gap")
	errRepeatedProtocol   = errors.New("repeated protocol errors")
)

// Close codes the gateway uses to reject a configuration outright.
const (
	CloseAuthenticationFailed = 4004
	CloseInvalidSequence      = 4007
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// FatalError reports a close code that no reconnect can recover from.
//
// It terminates the shard's loop; other shards keep running.
type FatalError struct {
	ShardID int
	Code    int
	Reason  string
}

// Error returns one operator-readable failure summary.
func (e *FatalError) Error() string {
	if e == nil {
		return "<nil>"
	}

	return fmt.Sprintf("shard %d closed fatally with code %d: %s", e.ShardID, e.Code, e.Reason)
}

// AsFatalError extracts one FatalError from wrapped error chains.
func AsFatalError(err error) (*FatalError, bool) {
	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return fatalErr, true
	}

	return nil, false
}

func fatalCloseCode(code int) bool {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return true
	default:
		return false
	}
}

// sessionEndingCloseCode reports close codes after which a resume is rejected.
func sessionEndingCloseCode(code int) bool {
	return code == CloseInvalidSequence || code == CloseSessionTimedOut
}

// sinkError marks a failure of the event sink, which ends the shard loop.
type sinkError struct {
	err error
}

func (e *sinkError) Error() string {
	return "ingest: " + e.err.Error()
}

func (e *sinkError) Unwrap() error {
	return e.err
}
