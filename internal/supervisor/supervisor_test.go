package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"shardcast/internal/gateway"
	"shardcast/internal/store"
	"shardcast/internal/transport"
	"shardcast/pkg/shardcast"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

// scriptedGateway answers Identify with READY and Resume with a replay plus RESUMED.
// Every session receives one GUILD_CREATE at sequence 2.
type scriptedGateway struct {
	mu     sync.Mutex
	fatal  map[int]int
	frames []gateway.Frame
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{fatal: make(map[int]int)}
}

func (g *scriptedGateway) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := &scriptedConn{
		server:  g,
		inbound: make(chan any, 16),
		closed:  make(chan struct{}),
	}
	conn.inbound <- gateway.Frame{Op: gateway.OpHello, D: json.RawMessage(`{"heartbeat_interval":60000}`)}

	return conn, nil
}

func (g *scriptedGateway) sent(op gateway.Opcode) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, frame := range g.frames {
		if frame.Op == op {
			count++
		}
	}

	return count
}

type scriptedConn struct {
	server  *scriptedGateway
	inbound chan any
	once    sync.Once
	closed  chan struct{}
}

func dispatchFrame(sequence uint64, name shardcast.EventName, data string) gateway.Frame {
	return gateway.Frame{Op: gateway.OpDispatch, S: &sequence, T: name, D: json.RawMessage(data)}
}

func (c *scriptedConn) ReadJSON(v any) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case next := <-c.inbound:
		if err, ok := next.(error); ok {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

func (c *scriptedConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame gateway.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}

	c.server.mu.Lock()
	c.server.frames = append(c.server.frames, frame)
	fatal := c.server.fatal
	c.server.mu.Unlock()

	switch frame.Op {
	case gateway.OpIdentify:
		var identify struct {
			Shard [2]int `json:"shard"`
		}
		if err := json.Unmarshal(frame.D, &identify); err != nil {
			return err
		}
		shardID := identify.Shard[0]
		c.server.mu.Lock()
		code, isFatal := fatal[shardID]
		c.server.mu.Unlock()
		if isFatal {
			c.inbound <- &transport.CloseError{Code: code, Reason: "rejected"}
			return nil
		}
		c.inbound <- dispatchFrame(1, "READY", fmt.Sprintf(`{"session_id":"sess-%d"}`, shardID))
		c.inbound <- dispatchFrame(2, shardcast.EventGuildCreate, fmt.Sprintf(`{"id":"%d"}`, shardID))
	case gateway.OpResume:
		var resume struct {
			Seq uint64 `json:"seq"`
		}
		if err := json.Unmarshal(frame.D, &resume); err != nil {
			return err
		}
		if resume.Seq < 2 {
			c.inbound <- dispatchFrame(2, shardcast.EventGuildCreate, `{"id":"0"}`)
		}
		c.inbound <- dispatchFrame(3, "RESUMED", `{}`)
	case gateway.OpHeartbeat:
		c.inbound <- gateway.Frame{Op: gateway.OpHeartbeatAck}
	}

	return nil
}

func (c *scriptedConn) Close(int, string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// countingSink records events per shard and can panic on the first one.
type countingSink struct {
	mu         sync.Mutex
	events     map[int][]uint64
	epochs     map[int]uint64
	panicFirst bool
}

func newCountingSink() *countingSink {
	return &countingSink{events: make(map[int][]uint64), epochs: make(map[int]uint64)}
}

func (s *countingSink) Ingest(_ context.Context, raw shardcast.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[raw.ShardID] = append(s.events[raw.ShardID], raw.Sequence)
	s.epochs[raw.ShardID] = raw.Epoch
	if s.panicFirst {
		s.panicFirst = false
		panic("sink exploded")
	}

	return nil
}

func (s *countingSink) epoch(shardID int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.epochs[shardID]
}

func (s *countingSink) count(shardID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.events[shardID])
}

// recordingLimiter records identify routes without waiting.
type recordingLimiter struct {
	mu     sync.Mutex
	routes []shardcast.RouteKey
}

func (l *recordingLimiter) Acquire(_ context.Context, route shardcast.RouteKey, _ float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.routes = append(l.routes, route)
	return nil
}

func (l *recordingLimiter) count(route shardcast.RouteKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, candidate := range l.routes {
		if candidate == route {
			count++
		}
	}

	return count
}

type running struct {
	cancel context.CancelFunc
	result chan error
}

func start(t *testing.T, supervisor *Supervisor, sink shardcast.EventSink) *running {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	run := &running{cancel: cancel, result: make(chan error, 1)}
	go func() {
		run.result <- supervisor.Start(ctx, sink)
	}()

	return run
}

func (r *running) stop(t *testing.T) error {
	t.Helper()

	r.cancel()
	select {
	case err := <-r.result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func allIdentified(supervisor *Supervisor) func() bool {
	return func() bool {
		for _, session := range supervisor.Sessions() {
			if session.Status != shardcast.ShardStatusIdentified {
				return false
			}
		}
		return true
	}
}

func newTestSupervisor(t *testing.T, cfg Config, dialer transport.Dialer, opts ...Option) *Supervisor {
	t.Helper()

	opts = append([]Option{
		WithIdentifyLimiter(&recordingLimiter{}),
		WithRestartBackoff(time.Millisecond, 5*time.Millisecond),
		WithShardOptions(gateway.WithReconnectBackoff(time.Millisecond, 5*time.Millisecond)),
	}, opts...)
	supervisor, err := New(cfg, dialer, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return supervisor
}

// TestShardForGuild verifies the externally defined guild assignment formula.
func TestShardForGuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		guild shardcast.EntityID
		total int
		want  int
	}{
		{name: "single shard", guild: 41771983423143937, total: 1, want: 0},
		{name: "sixteen shards", guild: 41771983423143937, total: 16, want: 6},
		{name: "four shards", guild: 81384788765712384, total: 4, want: 2},
		{name: "low ids land on zero", guild: 1 << 21, total: 8, want: 0},
		{name: "invalid total", guild: 41771983423143937, total: 0, want: 0},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := ShardForGuild(testCase.guild, testCase.total); got != testCase.want {
				t.Fatalf("ShardForGuild(%d, %d) = %d, want %d", testCase.guild, testCase.total, got, testCase.want)
			}
		})
	}
}

// TestNewValidation verifies externally supplied shard configuration is checked.
func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero total", cfg: Config{TotalShards: 0, ShardIDs: []int{0}}},
		{name: "no ids", cfg: Config{TotalShards: 2}},
		{name: "id out of range", cfg: Config{TotalShards: 2, ShardIDs: []int{2}}},
		{name: "duplicate id", cfg: Config{TotalShards: 2, ShardIDs: []int{1, 1}}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if _, err := New(testCase.cfg, newScriptedGateway()); err == nil {
				t.Fatal("New error = nil")
			}
		})
	}
}

// TestSupervisorRunsAssignedShards verifies every assigned shard identifies through its
// concurrency bucket and streams into the sink.
func TestSupervisorRunsAssignedShards(t *testing.T) {
	t.Parallel()

	server := newScriptedGateway()
	limiter := &recordingLimiter{}
	sink := newCountingSink()
	supervisor := newTestSupervisor(t, Config{TotalShards: 8, ShardIDs: []int{4, 0, 2}, MaxConcurrency: 2}, server,
		WithIdentifyLimiter(limiter),
	)

	run := start(t, supervisor, sink)
	waitFor(t, "all shards identified", allIdentified(supervisor))
	waitFor(t, "guild events", func() bool {
		return sink.count(0) == 1 && sink.count(2) == 1 && sink.count(4) == 1
	})

	sessions := supervisor.Sessions()
	if len(sessions) != 3 || sessions[0].ShardID != 0 || sessions[2].ShardID != 4 {
		t.Fatalf("sessions = %+v", sessions)
	}
	if got := limiter.count("gateway/identify/0"); got != 3 {
		t.Fatalf("identify bucket 0 acquisitions = %d, want 3", got)
	}

	if err := run.stop(t); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, session := range supervisor.Sessions() {
		if session.Status != shardcast.ShardStatusDisconnected {
			t.Fatalf("session after stop = %+v", session)
		}
	}
}

// TestSupervisorIsolatesFatalShard verifies a fatal close stops only that shard.
func TestSupervisorIsolatesFatalShard(t *testing.T) {
	t.Parallel()

	server := newScriptedGateway()
	server.fatal[1] = gateway.CloseDisallowedIntents
	supervisor := newTestSupervisor(t, Config{TotalShards: 2, ShardIDs: []int{0, 1}}, server)

	run := start(t, supervisor, newCountingSink())
	waitFor(t, "shard 0 identified", func() bool {
		return supervisor.Sessions()[0].Status == shardcast.ShardStatusIdentified
	})
	waitFor(t, "shard 1 disconnected", func() bool {
		return supervisor.Sessions()[1].Status == shardcast.ShardStatusDisconnected && server.sent(gateway.OpIdentify) >= 2
	})

	time.Sleep(20 * time.Millisecond)
	if got := server.sent(gateway.OpIdentify); got != 2 {
		t.Fatalf("identify frames = %d, want 2", got)
	}
	if supervisor.Sessions()[0].Status != shardcast.ShardStatusIdentified {
		t.Fatal("healthy shard stopped with the fatal one")
	}

	if err := run.stop(t); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// TestSupervisorAllShardsFatal verifies Start returns once no shard can run.
func TestSupervisorAllShardsFatal(t *testing.T) {
	t.Parallel()

	server := newScriptedGateway()
	server.fatal[0] = gateway.CloseAuthenticationFailed
	supervisor := newTestSupervisor(t, Config{TotalShards: 1, ShardIDs: []int{0}}, server)

	run := start(t, supervisor, newCountingSink())
	select {
	case err := <-run.result:
		fatalErr, ok := gateway.AsFatalError(err)
		if !ok || fatalErr.Code != gateway.CloseAuthenticationFailed {
			t.Fatalf("Start error = %v, want fatal 4004", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Start kept running with no live shard")
	}
	run.cancel()
}

// TestSupervisorRestartsPanickingShard verifies a panic in one shard loop is recovered
// and the shard resumes where it stopped.
func TestSupervisorRestartsPanickingShard(t *testing.T) {
	t.Parallel()

	server := newScriptedGateway()
	sink := newCountingSink()
	sink.panicFirst = true
	supervisor := newTestSupervisor(t, Config{TotalShards: 1, ShardIDs: []int{0}}, server)

	run := start(t, supervisor, sink)
	waitFor(t, "replayed event", func() bool { return sink.count(0) == 2 })
	waitFor(t, "shard identified", allIdentified(supervisor))

	if got := server.sent(gateway.OpResume); got != 1 {
		t.Fatalf("resume frames = %d, want 1", got)
	}
	if session := supervisor.Sessions()[0]; session.Sequence != 3 {
		t.Fatalf("sequence = %d, want 3", session.Sequence)
	}

	if err := run.stop(t); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// TestSupervisorRestartIdentifiesFresh verifies a new process never resumes the previous
// process's session, so its empty cache receives full guild snapshots, while epochs keep
// increasing across the restart.
func TestSupervisorRestartIdentifiesFresh(t *testing.T) {
	t.Parallel()

	kv := store.NewMemory()
	server := newScriptedGateway()
	first := newTestSupervisor(t, Config{TotalShards: 1, ShardIDs: []int{0}}, server, WithStore(kv))

	run := start(t, first, newCountingSink())
	waitFor(t, "shard identified", allIdentified(first))
	waitFor(t, "sequence 2", func() bool { return first.Sessions()[0].Sequence == 2 })
	if err := run.stop(t); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	raw, found, err := kv.Get(context.Background(), "epochs/0")
	if err != nil || !found {
		t.Fatalf("epochs/0 found=%v err=%v", found, err)
	}
	var saved epochRecord
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatalf("decode epoch: %v", err)
	}
	if saved != (epochRecord{ShardID: 0, Epoch: 1}) {
		t.Fatalf("saved epoch = %+v", saved)
	}
	if _, found, _ := kv.Get(context.Background(), "sessions/0"); found {
		t.Fatal("session id persisted across processes")
	}

	sink := newCountingSink()
	second := newTestSupervisor(t, Config{TotalShards: 1, ShardIDs: []int{0}}, server, WithStore(kv))
	run = start(t, second, sink)
	waitFor(t, "guild snapshot replayed", func() bool { return sink.count(0) > 0 })
	if got := server.sent(gateway.OpResume); got != 0 {
		t.Fatalf("resume frames = %d, want 0", got)
	}
	if got := server.sent(gateway.OpIdentify); got != 2 {
		t.Fatalf("identify frames = %d, want 2", got)
	}
	if got := sink.epoch(0); got != 2 {
		t.Fatalf("second process epoch = %d, want 2", got)
	}
	if err := run.stop(t); err != nil {
		t.Fatalf("Start: %v", err)
	}
}
