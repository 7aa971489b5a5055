package shardcast

// ShardStatus is the connection state of one gateway shard.
type ShardStatus string

const (
	// ShardStatusConnecting means the shard is dialing or waiting to identify.
	ShardStatusConnecting ShardStatus = "connecting"
	// ShardStatusIdentified means the shard holds an active session.
	ShardStatusIdentified ShardStatus = "identified"
	// ShardStatusResuming means the shard is reconnecting with its previous session.
	ShardStatusResuming ShardStatus = "resuming"
	// ShardStatusDisconnected means the shard loop has stopped.
	ShardStatusDisconnected ShardStatus = "disconnected"
)

// ShardSession is a point-in-time view of one shard's gateway session.
type ShardSession struct {
	ShardID   int         `json:"shard_id"`
	SessionID string      `json:"session_id"`
	Sequence  uint64      `json:"sequence"`
	Epoch     uint64      `json:"epoch"`
	Status    ShardStatus `json:"status"`
	ResumeURL string      `json:"resume_url,omitempty"`
}

// Resumable reports whether the session carries enough state to attempt a resume.
func (s ShardSession) Resumable() bool {
	return s.SessionID != ""
}
