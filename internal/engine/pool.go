package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/castlemate/chessd/internal/config"
	"github.com/castlemate/chessd/internal/state"
)

const (
	enqueueWait  = 500 * time.Millisecond
	shutdownWait = 2 * time.Second
	statsEvery   = 30 * time.Second
)

// Pool owns up to MaxInstances engine subprocesses, each with a bounded
// task queue and a dedicated worker. Submission picks the shortest
// queue; a control loop grows and shrinks the pool under sustained
// pressure or idleness.
type Pool struct {
	cfg config.EngineConfig
	st  *state.State

	mu        sync.Mutex
	instances map[int]*Instance
	nextID    int

	fullSince  time.Time
	emptySince time.Time
}

// InstanceStats is a point-in-time view of one instance.
type InstanceStats struct {
	QueueSize      int           `json:"queue_size"`
	TasksProcessed int64         `json:"tasks_processed"`
	Uptime         time.Duration `json:"uptime"`
	IdleTime       time.Duration `json:"idle_time"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	InstanceCount int                   `json:"instance_count"`
	Instances     map[int]InstanceStats `json:"instances"`
}

// NewPool spawns the minimum number of instances and returns the pool.
// A failed initial spawn is logged, not fatal; the scaler retries.
func NewPool(cfg config.EngineConfig, st *state.State) *Pool {
	p := &Pool{
		cfg:       cfg,
		st:        st,
		instances: make(map[int]*Instance),
	}
	for i := 0; i < cfg.MinInstances; i++ {
		p.spawnInstance()
	}
	return p
}

// spawnInstance admits one new instance unless the pool is full.
// Returns the instance id, or -1 on failure.
func (p *Pool) spawnInstance() int {
	p.mu.Lock()
	if len(p.instances) >= p.cfg.MaxInstances {
		p.mu.Unlock()
		return -1
	}
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	// Spawn outside the lock: process start plus probe can take a while.
	inst, err := spawn(id, p.cfg.Command, p.cfg.QueueSize, p.cfg.ReadTimeout.Std())
	if err != nil {
		slog.Error("failed to spawn engine instance", "id", id, "err", err)
		return -1
	}

	p.mu.Lock()
	p.instances[id] = inst
	total := len(p.instances)
	p.mu.Unlock()

	go p.worker(inst)
	slog.Info("spawned engine instance", "id", id, "total", total)
	return id
}

// worker drains one instance's queue until shutdown or a broken pipe.
func (p *Pool) worker(inst *Instance) {
	for {
		select {
		case <-p.st.Done():
			return
		case <-inst.done:
			return
		case task := <-inst.queue:
			inst.lastUsed.Store(time.Now().UnixNano())
			inst.tasksProcessed.Add(1)

			resp, err := inst.roundTrip(task.Message, p.cfg.ReadTimeout.Std())
			if err != nil {
				slog.Warn("engine task failed", "instance", inst.id, "game_id", task.GameID, "err", err)
				task.Reply <- TaskResult{Err: err}
				if errors.Is(err, errPipeBroken) {
					p.closeInstance(inst.id)
					return
				}
				continue
			}
			task.Reply <- TaskResult{Response: resp}
		}
	}
}

// Submit sends a request through the least-loaded instance and waits up
// to the configured timeout for a reply. Returns nil when no instance
// exists, the queue is full, the reply times out, or the worker reported
// an error.
func (p *Pool) Submit(ctx context.Context, gameID string, msg Request) *Response {
	task := &Task{
		GameID:    gameID,
		Message:   msg,
		Reply:     make(chan TaskResult, 1),
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	inst := p.pickLocked()
	p.mu.Unlock()
	if inst == nil {
		slog.Warn("engine submit with no instances", "game_id", gameID)
		return nil
	}

	// Enqueue with a bounded wait, outside the lock.
	enqueue := time.NewTimer(enqueueWait)
	defer enqueue.Stop()
	select {
	case inst.queue <- task:
	case <-enqueue.C:
		slog.Warn("engine queue full", "instance", inst.id, "game_id", gameID)
		return nil
	case <-ctx.Done():
		return nil
	}

	reply := time.NewTimer(p.cfg.SubmitTimeout.Std())
	defer reply.Stop()
	select {
	case res := <-task.Reply:
		if res.Err != nil {
			return nil
		}
		return res.Response
	case <-reply.C:
		slog.Warn("engine task timed out", "game_id", gameID, "timeout", p.cfg.SubmitTimeout.Std())
		return nil
	case <-ctx.Done():
		return nil
	}
}

// pickLocked returns the instance with the shortest queue. Ties go to
// the lowest id so the choice is deterministic.
func (p *Pool) pickLocked() *Instance {
	var best *Instance
	for _, inst := range p.instances {
		if best == nil {
			best = inst
			continue
		}
		l, bl := inst.QueueLen(), best.QueueLen()
		if l < bl || (l == bl && inst.id < best.id) {
			best = inst
		}
	}
	return best
}

// closeInstance removes the instance from the pool and tears the
// process down outside the lock.
func (p *Pool) closeInstance(id int) {
	p.mu.Lock()
	inst, ok := p.instances[id]
	if ok {
		delete(p.instances, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	inst.shutdown(shutdownWait)
	slog.Info("closed engine instance", "id", id)
}

// AutoScale applies one conservative scaling step based on aggregate
// queue depth. At most one instance is added or removed per call.
func (p *Pool) AutoScale() {
	p.mu.Lock()

	if len(p.instances) == 0 {
		p.mu.Unlock()
		p.spawnInstance()
		return
	}

	totalQueued := 0
	for _, inst := range p.instances {
		totalQueued += inst.QueueLen()
	}
	n := len(p.instances)
	fullThreshold := float64(n) * float64(p.cfg.QueueSize) * 0.9
	now := time.Now()

	var spawnOne bool
	var closeID = -1

	if float64(totalQueued) >= fullThreshold {
		if p.fullSince.IsZero() {
			p.fullSince = now
		} else if now.Sub(p.fullSince) > p.cfg.FullFor.Std() {
			if n < p.cfg.MaxInstances {
				spawnOne = true
			}
			p.fullSince = time.Time{}
		}
	} else {
		p.fullSince = time.Time{}
	}

	if totalQueued == 0 && n > p.cfg.MinInstances {
		if p.emptySince.IsZero() {
			p.emptySince = now
		} else if now.Sub(p.emptySince) > p.cfg.EmptyFor.Std() {
			closeID = p.idleInstanceLocked()
			p.emptySince = time.Time{}
		}
	} else {
		p.emptySince = time.Time{}
	}

	p.mu.Unlock()

	if spawnOne {
		slog.Info("scaling up", "queued", totalQueued, "instances", n)
		p.spawnInstance()
	}
	if closeID >= 0 {
		slog.Info("scaling down", "instance", closeID, "instances", n)
		p.closeInstance(closeID)
	}
}

// idleInstanceLocked returns the id of the least recently used instance.
func (p *Pool) idleInstanceLocked() int {
	ids := make([]int, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	bestID, bestUsed := -1, int64(0)
	for _, id := range ids {
		used := p.instances[id].lastUsed.Load()
		if bestID == -1 || used < bestUsed {
			bestID, bestUsed = id, used
		}
	}
	return bestID
}

// Stats snapshots the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	s := Stats{
		InstanceCount: len(p.instances),
		Instances:     make(map[int]InstanceStats, len(p.instances)),
	}
	for id, inst := range p.instances {
		s.Instances[id] = InstanceStats{
			QueueSize:      inst.QueueLen(),
			TasksProcessed: inst.tasksProcessed.Load(),
			Uptime:         now.Sub(inst.createdAt),
			IdleTime:       now.Sub(time.Unix(0, inst.lastUsed.Load())),
		}
	}
	return s
}

// InstanceCount returns the number of live instances.
func (p *Pool) InstanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// ScaleLoop runs the auto-scaler until shutdown, logging pool stats at
// a slower cadence. The optional sweep callback shares the tick; the
// server uses it to reap finished and inactive games.
func (p *Pool) ScaleLoop(ctx context.Context, sweep func() int) {
	ticker := time.NewTicker(p.cfg.ScaleInterval.Std())
	defer ticker.Stop()

	lastStats := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.st.Done():
			return
		case <-ticker.C:
			p.AutoScale()
			if sweep != nil {
				if n := sweep(); n > 0 {
					slog.Info("games swept", "count", n)
				}
			}
			if time.Since(lastStats) >= statsEvery {
				s := p.Stats()
				slog.Info("engine pool stats", "instances", s.InstanceCount)
				lastStats = time.Now()
			}
		}
	}
}

// Shutdown closes every instance.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	ids := make([]int, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.closeInstance(id)
	}
}
