package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shardcast/internal/transport"
	"shardcast/pkg/shardcast"
)

var allStatuses = []string{
	string(shardcast.ShardStatusConnecting),
	string(shardcast.ShardStatusIdentified),
	string(shardcast.ShardStatusResuming),
	string(shardcast.ShardStatusDisconnected),
}

// Shard owns the gateway connection of one shard and feeds its dispatches to a sink in
// sequence order.
type Shard struct {
	id     int
	total  int
	dialer transport.Dialer
	cfg    config

	mu      sync.Mutex
	session shardcast.ShardSession

	// Owned by the Run goroutine.
	resumeAttempts int
	reconnect      *backoff.ExponentialBackOff
}

// NewShard creates shard id of total.
func NewShard(id int, total int, dialer transport.Dialer, options ...Option) (*Shard, error) {
	if total <= 0 || id < 0 || id >= total {
		return nil, fmt.Errorf("new shard: id %d outside shard count %d", id, total)
	}
	if dialer == nil {
		return nil, fmt.Errorf("new shard: nil dialer")
	}

	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	session := shardcast.ShardSession{ShardID: id, Epoch: cfg.epoch, Status: shardcast.ShardStatusDisconnected}

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = cfg.reconnectInitial
	reconnect.MaxInterval = cfg.reconnectMax
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	return &Shard{
		id:        id,
		total:     total,
		dialer:    dialer,
		cfg:       cfg,
		session:   session,
		reconnect: reconnect,
	}, nil
}

// ID returns the shard id.
func (s *Shard) ID() int {
	return s.id
}

// Session returns a copy of the current session.
func (s *Shard) Session() shardcast.ShardSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.session
}

// Run connects and reconnects until ctx is cancelled.
//
// It returns nil on cancellation, a *FatalError when the gateway rejects the shard's
// configuration, or the sink's error when ingestion fails.
func (s *Shard) Run(ctx context.Context, sink shardcast.EventSink) error {
	if sink == nil {
		return fmt.Errorf("run shard %d: nil sink", s.id)
	}
	defer s.setStatus(shardcast.ShardStatusDisconnected)

	for {
		err := s.connect(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}

		if fatalErr, ok := AsFatalError(err); ok {
			s.cfg.logger.ErrorContext(ctx, "shard closed fatally",
				"shard_id", s.id,
				"code", fatalErr.Code,
				"reason", fatalErr.Reason,
			)
			return fatalErr
		}
		var ingestErr *sinkError
		if errors.As(err, &ingestErr) {
			return fmt.Errorf("run shard %d: %w", s.id, ingestErr.err)
		}

		delay := s.reconnect.NextBackOff()
		s.cfg.logger.WarnContext(ctx, "shard connection lost",
			"shard_id", s.id,
			"error", err,
			"retry_in", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// inbound is one result of the read loop.
type inbound struct {
	frame    Frame
	err      error
	protocol bool
}

// connect runs one connection until it fails or ctx ends.
func (s *Shard) connect(ctx context.Context, sink shardcast.EventSink) error {
	resume := s.prepareAttempt()

	url := s.cfg.url
	if session := s.Session(); resume && session.ResumeURL != "" {
		url = session.ResumeURL
	}

	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		return &shardcast.TransportError{Op: "dial", Cause: err}
	}

	connCtx, cancel := context.WithCancelCause(ctx)
	var workers sync.WaitGroup
	defer func() {
		cancel(nil)
		if err := conn.Close(transport.CloseReconnect, "reconnecting"); err != nil {
			s.cfg.logger.DebugContext(ctx, "close shard connection", "shard_id", s.id, "error", err)
		}
		workers.Wait()
	}()

	frames := make(chan inbound)
	workers.Add(1)
	go func() {
		defer workers.Done()
		s.readLoop(connCtx, conn, frames)
	}()

	hello, err := s.awaitHello(connCtx, frames)
	if err != nil {
		return err
	}

	heartbeat := newHeartbeater(s, conn, hello)
	workers.Add(1)
	go func() {
		defer workers.Done()
		heartbeat.run(connCtx, cancel)
	}()

	if resume {
		err = s.sendResume(connCtx, conn)
	} else {
		err = s.sendIdentify(connCtx, conn)
	}
	if err != nil {
		return err
	}

	protocolErrors := 0
	for {
		var next inbound
		select {
		case <-connCtx.Done():
			return context.Cause(connCtx)
		case next = <-frames:
		}

		if next.err != nil && !next.protocol {
			return s.readFailure(next.err)
		}
		if next.err == nil {
			next.err = s.handleFrame(connCtx, next.frame, heartbeat, sink)
		}

		var protocolErr *shardcast.ProtocolError
		switch {
		case next.err == nil:
			protocolErrors = 0
		case errors.As(next.err, &protocolErr):
			protocolErrors++
			s.cfg.logger.WarnContext(ctx, "dropping gateway frame",
				"shard_id", s.id,
				"error", next.err,
				"consecutive", protocolErrors,
			)
			s.cfg.metrics.IncEventDropped(string(shardcast.OriginGateway), "malformed")
			if protocolErrors >= s.cfg.protocolTolerance {
				return errRepeatedProtocol
			}
		default:
			return next.err
		}
	}
}

// prepareAttempt decides between Resume and Identify for the next connection.
func (s *Shard) prepareAttempt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session.Resumable() && s.resumeAttempts < s.cfg.maxResumeAttempts {
		s.resumeAttempts++
		s.session.Status = shardcast.ShardStatusResuming
		s.cfg.metrics.SetShardStatus(s.id, string(s.session.Status), allStatuses)
		s.cfg.metrics.IncShardReconnect(s.id, "resume")
		return true
	}

	s.resumeAttempts = 0
	s.clearSessionLocked()
	s.session.Status = shardcast.ShardStatusConnecting
	s.cfg.metrics.SetShardStatus(s.id, string(s.session.Status), allStatuses)
	s.cfg.metrics.IncShardReconnect(s.id, "identify")
	return false
}

func (s *Shard) readLoop(ctx context.Context, conn transport.Conn, frames chan<- inbound) {
	for {
		var frame Frame
		err := conn.ReadJSON(&frame)
		next := inbound{frame: frame, err: err}
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				next.err = &shardcast.ProtocolError{Frame: "frame", Cause: err}
				next.protocol = true
			}
		}

		select {
		case frames <- next:
		case <-ctx.Done():
			return
		}
		if err != nil && !next.protocol {
			return
		}
	}
}

// awaitHello reads the first frame, which must be Hello, and returns the heartbeat interval.
func (s *Shard) awaitHello(ctx context.Context, frames <-chan inbound) (time.Duration, error) {
	timer := time.NewTimer(s.cfg.helloTimeout)
	defer timer.Stop()

	var first inbound
	select {
	case <-ctx.Done():
		return 0, context.Cause(ctx)
	case <-timer.C:
		return 0, &shardcast.TransportError{Op: "await hello", Cause: context.DeadlineExceeded}
	case first = <-frames:
	}

	if first.err != nil {
		return 0, s.readFailure(first.err)
	}
	if first.frame.Op != OpHello {
		return 0, &shardcast.ProtocolError{Frame: "hello", Cause: fmt.Errorf("first frame has op %d", first.frame.Op)}
	}

	var hello helloPayload
	if err := json.Unmarshal(first.frame.D, &hello); err != nil {
		return 0, &shardcast.ProtocolError{Frame: "hello", Cause: err}
	}
	if hello.HeartbeatInterval <= 0 {
		return 0, &shardcast.ProtocolError{Frame: "hello", Cause: fmt.Errorf("heartbeat interval %d", hello.HeartbeatInterval)}
	}

	return time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
}

func (s *Shard) sendResume(ctx context.Context, conn transport.Conn) error {
	session := s.Session()
	frame, err := outbound(OpResume, resumePayload{
		Token:     s.cfg.token,
		SessionID: session.SessionID,
		Seq:       session.Sequence,
	})
	if err != nil {
		return fmt.Errorf("encode resume: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return &shardcast.TransportError{Op: "send resume", Cause: err}
	}

	s.cfg.logger.InfoContext(ctx, "shard resuming",
		"shard_id", s.id,
		"session_id", session.SessionID,
		"sequence", session.Sequence,
	)

	return nil
}

// sendIdentify starts a fresh session under a new epoch.
//
// Guilds cached from the previous session are handed to the resync hook first.
func (s *Shard) sendIdentify(ctx context.Context, conn transport.Conn) error {
	if err := s.cfg.identifyGate(ctx, s.id); err != nil {
		return fmt.Errorf("identify gate: %w", err)
	}

	s.mu.Lock()
	previous := s.session.Epoch
	s.session.Epoch++
	epoch := s.session.Epoch
	s.mu.Unlock()

	if previous > s.cfg.epoch {
		s.cfg.onResync(ctx, s.id)
	}

	frame, err := outbound(OpIdentify, identifyPayload{
		Token:   s.cfg.token,
		Intents: s.cfg.intents,
		Shard:   [2]int{s.id, s.total},
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "shardcast",
			Device:  "shardcast",
		},
	})
	if err != nil {
		return fmt.Errorf("encode identify: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return &shardcast.TransportError{Op: "send identify", Cause: err}
	}

	s.cfg.logger.InfoContext(ctx, "shard identifying", "shard_id", s.id, "epoch", epoch)

	return nil
}

func (s *Shard) handleFrame(ctx context.Context, frame Frame, heartbeat *heartbeater, sink shardcast.EventSink) error {
	switch frame.Op {
	case OpDispatch:
		return s.handleDispatch(ctx, frame, sink)
	case OpHeartbeat:
		if err := heartbeat.beat(); err != nil {
			return &shardcast.TransportError{Op: "heartbeat", Cause: err}
		}
		return nil
	case OpHeartbeatAck:
		heartbeat.ack()
		return nil
	case OpReconnect:
		return errReconnectRequested
	case OpInvalidSession:
		var resumable bool
		if len(frame.D) > 0 {
			if err := json.Unmarshal(frame.D, &resumable); err != nil {
				return &shardcast.ProtocolError{Frame: "invalid session", Cause: err}
			}
		}
		if !resumable {
			s.mu.Lock()
			s.clearSessionLocked()
			s.mu.Unlock()
		}
		s.cfg.logger.WarnContext(ctx, "shard session invalidated", "shard_id", s.id, "resumable", resumable)
		return errInvalidSession
	default:
		return &shardcast.ProtocolError{Frame: fmt.Sprintf("op %d", frame.Op), Cause: errors.New("unexpected opcode")}
	}
}

// handleDispatch applies one dispatch if it is the next in sequence.
//
// Replays at or below the last sequence are dropped; a gap forces a resume so the
// gateway replays the missing range.
func (s *Shard) handleDispatch(ctx context.Context, frame Frame, sink shardcast.EventSink) error {
	if frame.S == nil {
		return &shardcast.ProtocolError{Frame: string(frame.T), Cause: errors.New("dispatch without sequence")}
	}
	sequence := *frame.S

	session := s.Session()
	switch {
	case sequence <= session.Sequence:
		s.cfg.metrics.IncEventDropped(string(shardcast.OriginGateway), "replay")
		return nil
	case sequence > session.Sequence+1:
		s.cfg.logger.WarnContext(ctx, "shard sequence gap",
			"shard_id", s.id,
			"sequence", sequence,
			"last_sequence", session.Sequence,
		)
		return errSequenceGap
	}

	switch frame.T {
	case dispatchReady:
		var ready readyPayload
		if err := json.Unmarshal(frame.D, &ready); err != nil {
			return &shardcast.ProtocolError{Frame: string(frame.T), Cause: err}
		}
		s.mu.Lock()
		s.session.SessionID = ready.SessionID
		s.session.ResumeURL = ready.ResumeGatewayURL
		s.session.Sequence = sequence
		s.mu.Unlock()
		s.identified(ctx)
		return nil
	case dispatchResumed:
		s.advance(sequence)
		s.identified(ctx)
		return nil
	}

	err := sink.Ingest(ctx, shardcast.RawEvent{
		Origin:     shardcast.OriginGateway,
		ShardID:    s.id,
		Epoch:      session.Epoch,
		Sequence:   sequence,
		Name:       frame.T,
		Data:       frame.D,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return &sinkError{err: err}
	}
	s.advance(sequence)

	return nil
}

func (s *Shard) advance(sequence uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sequence > s.session.Sequence {
		s.session.Sequence = sequence
	}
}

// identified marks the session live and resets reconnect pacing.
func (s *Shard) identified(ctx context.Context) {
	s.resumeAttempts = 0
	s.reconnect.Reset()

	session := s.setStatus(shardcast.ShardStatusIdentified)
	s.cfg.logger.InfoContext(ctx, "shard identified",
		"shard_id", s.id,
		"session_id", session.SessionID,
		"sequence", session.Sequence,
		"epoch", session.Epoch,
	)
}

// readFailure classifies a terminal read error.
func (s *Shard) readFailure(err error) error {
	closeErr, ok := transport.AsCloseError(err)
	if !ok {
		return &shardcast.TransportError{Op: "read frame", Cause: err}
	}
	if fatalCloseCode(closeErr.Code) {
		return &FatalError{ShardID: s.id, Code: closeErr.Code, Reason: closeErr.Reason}
	}
	if sessionEndingCloseCode(closeErr.Code) {
		s.mu.Lock()
		s.clearSessionLocked()
		s.mu.Unlock()
	}

	return &shardcast.TransportError{Op: "read frame", Cause: err}
}

func (s *Shard) setStatus(status shardcast.ShardStatus) shardcast.ShardSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.Status = status
	s.cfg.metrics.SetShardStatus(s.id, string(status), allStatuses)

	return s.session
}

// clearSessionLocked forgets the resumable session but keeps the epoch. Callers hold mu.
func (s *Shard) clearSessionLocked() {
	s.session.SessionID = ""
	s.session.ResumeURL = ""
	s.session.Sequence = 0
}
