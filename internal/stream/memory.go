package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// NewMemory returns a Bus backed by an in-process store with the same
// delivery semantics as the Redis driver. Tests use it to exercise
// consumers without a server.
func NewMemory(logger *slog.Logger) *Bus {
	return &Bus{
		d:      newMemoryDriver(),
		logger: logger.With("component", "stream"),
	}
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
}

type memGroup struct {
	lastDelivered uint64
	pending       map[string]*memPending
}

type memStream struct {
	nextSeq uint64
	entries []Entry
	groups  map[string]*memGroup
}

type memoryDriver struct {
	mu       sync.Mutex
	streams  map[string]*memStream
	failures map[string]int
	idemp    map[string]time.Time
}

func newMemoryDriver() *memoryDriver {
	return &memoryDriver{
		streams:  make(map[string]*memStream),
		failures: make(map[string]int),
		idemp:    make(map[string]time.Time),
	}
}

func seqOf(id string) uint64 {
	s, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

func (d *memoryDriver) stream(name string) *memStream {
	s, ok := d.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		d.streams[name] = s
	}
	return s
}

func (d *memoryDriver) group(stream, group string) (*memStream, *memGroup, error) {
	s, ok := d.streams[stream]
	if !ok {
		return nil, nil, fmt.Errorf("stream: no such stream %s", stream)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("stream: no such group %s on %s", group, stream)
	}
	return s, g, nil
}

func (d *memoryDriver) appendLocked(stream string, data []byte) string {
	s := d.stream(stream)
	s.nextSeq++
	id := strconv.FormatUint(s.nextSeq, 10) + "-0"
	cp := make([]byte, len(data))
	copy(cp, data)
	s.entries = append(s.entries, Entry{ID: id, Data: cp})
	return id
}

func (d *memoryDriver) append(_ context.Context, stream string, data []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appendLocked(stream, data), nil
}

func (d *memoryDriver) ensureGroup(_ context.Context, stream, group string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (d *memoryDriver) readNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		d.mu.Lock()
		s, g, err := d.group(stream, group)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		var out []Entry
		for _, e := range s.entries {
			if int64(len(out)) >= count {
				break
			}
			seq := seqOf(e.ID)
			if seq <= g.lastDelivered {
				continue
			}
			g.pending[e.ID] = &memPending{consumer: consumer, deliveredAt: time.Now()}
			g.lastDelivered = seq
			out = append(out, e)
		}
		d.mu.Unlock()
		if len(out) > 0 || block <= 0 || !time.Now().Before(deadline) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (d *memoryDriver) readBacklog(_ context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, g, err := d.group(stream, group)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(g.pending))
	for id, p := range g.pending {
		if p.consumer == consumer {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return seqOf(ids[i]) < seqOf(ids[j]) })
	var out []Entry
	for _, id := range ids {
		if int64(len(out)) >= count {
			break
		}
		if e, ok := findEntry(s.entries, id); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *memoryDriver) claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, g, err := d.group(stream, group)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(g.pending))
	for id, p := range g.pending {
		if time.Since(p.deliveredAt) >= minIdle {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return seqOf(ids[i]) < seqOf(ids[j]) })
	var out []Entry
	for _, id := range ids {
		if int64(len(out)) >= count {
			break
		}
		e, ok := findEntry(s.entries, id)
		if !ok {
			delete(g.pending, id)
			continue
		}
		g.pending[id] = &memPending{consumer: consumer, deliveredAt: time.Now()}
		out = append(out, e)
	}
	return out, nil
}

func (d *memoryDriver) ack(_ context.Context, stream, group, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, g, err := d.group(stream, group); err == nil {
		delete(g.pending, id)
	}
	return nil
}

func (d *memoryDriver) pendingCount(_ context.Context, stream, group string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, g, err := d.group(stream, group)
	if err != nil {
		return 0, err
	}
	return int64(len(g.pending)), nil
}

func (d *memoryDriver) rangeEntries(_ context.Context, stream, from, to string, limit int64) ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[stream]
	if !ok {
		return nil, nil
	}
	lo, hi := uint64(0), uint64(math.MaxUint64)
	if from != "-" {
		lo = seqOf(from)
	}
	if to != "+" {
		hi = seqOf(to)
	}
	var out []Entry
	for _, e := range s.entries {
		if int64(len(out)) >= limit {
			break
		}
		seq := seqOf(e.ID)
		if seq >= lo && seq <= hi {
			out = append(out, e)
		}
	}
	return out, nil
}

// deadLetter stores only the envelope; requeue decodes it in-process, so
// the extra raw fields the Redis driver carries are not needed here.
func (d *memoryDriver) deadLetter(_ context.Context, dlqStream, _ string, envelope, _ []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appendLocked(dlqStream, envelope), nil
}

func (d *memoryDriver) requeue(_ context.Context, dlqStream, id string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[dlqStream]
	if !ok {
		return "", ErrNotFound
	}
	idx := -1
	for i, e := range s.entries {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", ErrNotFound
	}
	var env DLQEnvelope
	if err := json.Unmarshal(s.entries[idx].Data, &env); err != nil {
		return "", fmt.Errorf("stream: decode dlq entry %s: %w", id, err)
	}
	if env.OriginalStream == "" {
		return "", fmt.Errorf("stream: dlq entry %s has no origin stream", id)
	}
	newID := d.appendLocked(env.OriginalStream, env.Payload)
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	return newID, nil
}

func (d *memoryDriver) streamLen(_ context.Context, stream string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func failuresField(stream, group, id string) string {
	return stream + "|" + group + "|" + id
}

func (d *memoryDriver) bumpFailures(_ context.Context, stream, group, id string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := failuresField(stream, group, id)
	d.failures[k]++
	return d.failures[k], nil
}

func (d *memoryDriver) clearFailures(_ context.Context, stream, group, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, failuresField(stream, group, id))
	return nil
}

func (d *memoryDriver) idempSeen(_ context.Context, stream, group, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.idemp[idempKey(stream, group, key)]
	return ok && time.Now().Before(exp), nil
}

func (d *memoryDriver) idempSet(_ context.Context, stream, group, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idemp[idempKey(stream, group, key)] = time.Now().Add(ttl)
	return nil
}

func findEntry(entries []Entry, id string) (Entry, bool) {
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
