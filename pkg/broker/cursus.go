package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
	"github.com/google/uuid"
)

const leaderStalenessThreshold = 30 * time.Second

var (
	ErrBufferFull = errors.New("partition buffer full")
	ErrRejected   = errors.New("broker rejected batch")
)

func init() {
	mustRegister("cursus", func(ctx context.Context, opts Options) (Client, error) {
		return NewCursus(ctx, opts)
	})
}

type pendingRecord struct {
	topic   string
	rec     types.BatchRecord
	promise Promise
}

type partitionBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  []pendingRecord
	inflight int
	closed   bool
}

func newPartitionBuffer() *partitionBuffer {
	b := &partitionBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *partitionBuffer) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) == 0 && b.inflight == 0
}

type leaderInfo struct {
	addr    string
	updated time.Time
}

// Cursus speaks the cursus broker batch protocol. Messages are spread over
// partition buffers by key (round robin when keyless); one sender goroutine
// per partition owns that partition's connection, batches by size and linger,
// and resolves every promise of a batch from its ack.
type Cursus struct {
	opts       Options
	producerID string
	epoch      int64
	acks       string

	buffers []*partitionBuffer
	seqNums []atomic.Uint64
	rr      atomic.Uint32
	leader  atomic.Pointer[leaderInfo]

	sendersWG sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	headersOnce sync.Once
}

func NewCursus(ctx context.Context, opts Options) (*Cursus, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no cursus broker address")
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}

	c := &Cursus{
		opts:       opts,
		producerID: uuid.New().String(),
		epoch:      time.Now().UnixNano(),
		acks:       opts.Acks,
		buffers:    make([]*partitionBuffer, opts.Partitions),
		seqNums:    make([]atomic.Uint64, opts.Partitions),
		done:       make(chan struct{}),
	}
	if c.acks == "all" {
		c.acks = "-1"
	}
	c.leader.Store(&leaderInfo{})

	if opts.Topic != "" {
		if err := c.createTopic(ctx, opts.Topic, opts.Partitions); err != nil {
			return nil, fmt.Errorf("failed to create topic '%s': %w", opts.Topic, err)
		}
	}

	for i := range c.buffers {
		c.buffers[i] = newPartitionBuffer()
		c.sendersWG.Add(1)
		go c.partitionSender(i)
	}
	return c, nil
}

func (c *Cursus) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.opts.requestTimeout()}
	if c.opts.TLS != nil {
		td := &tls.Dialer{NetDialer: d, Config: c.opts.TLS}
		conn, err := td.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("TLS dial to %s failed: %w", addr, err)
		}
		return conn, nil
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial to %s failed: %w", addr, err)
	}
	return conn, nil
}

func (c *Cursus) selectBroker(part int) string {
	if info := c.leader.Load(); info != nil && info.addr != "" && time.Since(info.updated) < leaderStalenessThreshold {
		return info.addr
	}
	return c.opts.Addrs[part%len(c.opts.Addrs)]
}

func (c *Cursus) createTopic(ctx context.Context, topic string, partitions int) error {
	conn, err := c.dial(ctx, c.opts.Addrs[0])
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	cmd := fmt.Sprintf("CREATE topic=%s partitions=%d", topic, partitions)
	_ = conn.SetDeadline(time.Now().Add(c.opts.requestTimeout()))
	if err := util.WriteWithLength(conn, util.EncodeMessage("admin", cmd)); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	resp, err := util.ReadWithLength(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if strings.Contains(string(resp), "ERROR:") {
		return fmt.Errorf("broker error: %s", string(resp))
	}
	util.Info("create topic %s partition %d", topic, partitions)
	return nil
}

func (c *Cursus) partitionFor(key []byte) int {
	rr := int(c.rr.Add(1) - 1)
	return util.PartitionFor(key, len(c.buffers), rr)
}

func (c *Cursus) Publish(ctx context.Context, topic string, msg types.WireMessage, promise Promise) {
	if len(msg.Headers) > 0 {
		c.headersOnce.Do(func() {
			util.Warn("cursus batches carry no headers; message headers are dropped")
		})
	}

	part := c.partitionFor(msg.Key)
	buf := c.buffers[part]

	var waitCtx context.Context = ctx
	if c.opts.MaxBlock > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.MaxBlock)
		defer cancel()
	}
	stop := context.AfterFunc(waitCtx, func() {
		buf.mu.Lock()
		buf.cond.Broadcast()
		buf.mu.Unlock()
	})
	defer stop()

	buf.mu.Lock()
	for len(buf.pending) >= c.opts.BufferSize && !buf.closed && waitCtx.Err() == nil {
		buf.cond.Wait()
	}
	switch {
	case buf.closed:
		buf.mu.Unlock()
		promise(ErrClosed)
		return
	case len(buf.pending) >= c.opts.BufferSize:
		buf.mu.Unlock()
		promise(fmt.Errorf("partition %d: %w", part, ErrBufferFull))
		return
	}

	buf.pending = append(buf.pending, pendingRecord{
		topic: topic,
		rec: types.BatchRecord{
			SeqNum:     c.seqNums[part].Add(1),
			ProducerID: c.producerID,
			Key:        string(msg.Key),
			Epoch:      c.epoch,
			Payload:    string(msg.Value),
		},
		promise: promise,
	})
	buf.cond.Broadcast()
	buf.mu.Unlock()
}

func (c *Cursus) partitionSender(part int) {
	defer c.sendersWG.Done()

	buf := c.buffers[part]
	var conn net.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	for {
		buf.mu.Lock()
		for len(buf.pending) == 0 && !buf.closed {
			buf.cond.Wait()
		}
		if buf.closed {
			c.failPendingLocked(buf)
			buf.mu.Unlock()
			return
		}

		if len(buf.pending) < c.opts.BatchSize && c.opts.Linger > 0 {
			buf.mu.Unlock()
			timer := time.NewTimer(c.opts.Linger)
			select {
			case <-timer.C:
			case <-c.done:
				timer.Stop()
			}
			buf.mu.Lock()
			if buf.closed {
				c.failPendingLocked(buf)
				buf.mu.Unlock()
				return
			}
		}

		batch := c.extract(buf)
		buf.inflight++
		buf.cond.Broadcast()
		buf.mu.Unlock()

		conn = c.sendBatch(part, conn, batch)

		buf.mu.Lock()
		buf.inflight--
		buf.cond.Broadcast()
		buf.mu.Unlock()
	}
}

// extract takes up to BatchSize records of one topic. Caller holds buf.mu.
func (c *Cursus) extract(buf *partitionBuffer) []pendingRecord {
	topic := buf.pending[0].topic
	n := 0
	for n < len(buf.pending) && n < c.opts.BatchSize && buf.pending[n].topic == topic {
		n++
	}
	batch := make([]pendingRecord, n)
	copy(batch, buf.pending[:n])
	buf.pending = buf.pending[n:]
	return batch
}

func (c *Cursus) failPendingLocked(buf *partitionBuffer) {
	for _, p := range buf.pending {
		p.promise(ErrClosed)
	}
	buf.pending = nil
}

// sendBatch delivers one batch and resolves its promises. It returns the
// connection to reuse for the next batch, nil if it had to be dropped.
func (c *Cursus) sendBatch(part int, conn net.Conn, batch []pendingRecord) net.Conn {
	recs := make([]types.BatchRecord, len(batch))
	for i, p := range batch {
		recs[i] = p.rec
	}
	seqStart, seqEnd := recs[0].SeqNum, recs[len(recs)-1].SeqNum
	batchID := fmt.Sprintf("%s-%03d-p%d-%d-%d", c.producerID[:8], c.epoch%1000, part, seqStart, seqEnd)
	util.Debug("Sending batch %s: partition=%d, messages=%d, epoch=%d", batchID, part, len(batch), c.epoch)

	resolve := func(err error) {
		for _, p := range batch {
			p.promise(err)
		}
	}

	data, err := util.EncodeBatchMessages(batch[0].topic, part, c.acks, recs)
	if err != nil {
		resolve(fmt.Errorf("encode batch %s: %w", batchID, err))
		return conn
	}
	payload, err := util.CompressMessage(data, c.opts.Compression)
	if err != nil {
		resolve(fmt.Errorf("compress batch %s: %w", batchID, err))
		return conn
	}

	conn, ack, err := c.sendWithRetry(part, conn, payload)
	if err != nil {
		resolve(fmt.Errorf("send batch %s: %w", batchID, err))
		return conn
	}

	switch ack.Status {
	case "OK":
		resolve(nil)
	case "PARTIAL":
		util.Warn("Partial success for batch %s up to seq %d", batchID, ack.SeqEnd)
		for _, p := range batch {
			if p.rec.SeqNum <= ack.SeqEnd {
				p.promise(nil)
			} else {
				p.promise(fmt.Errorf("batch %s seq %d: %w", batchID, p.rec.SeqNum, ErrRejected))
			}
		}
	default:
		resolve(fmt.Errorf("batch %s status %q %s: %w", batchID, ack.Status, ack.ErrorMsg, ErrRejected))
	}
	return conn
}

func (c *Cursus) sendWithRetry(part int, conn net.Conn, payload []byte) (net.Conn, *types.AckResponse, error) {
	maxAttempts := c.opts.Retries + 1
	backoff := c.opts.RetryBackoff
	timeout := c.opts.requestTimeout()

	drop := func() {
		if conn != nil {
			_ = conn.Close()
			conn = nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-c.done:
				return conn, nil, ErrClosed
			}
			backoff = min(backoff*2, c.opts.MaxBackoff)
		}

		if conn == nil {
			var err error
			conn, err = c.dial(context.Background(), c.selectBroker(part))
			if err != nil {
				lastErr = fmt.Errorf("reconnect failed: %w", err)
				continue
			}
		}

		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			lastErr = fmt.Errorf("set write deadline failed: %w", err)
			drop()
			continue
		}
		if err := util.WriteWithLength(conn, payload); err != nil {
			lastErr = fmt.Errorf("write failed: %w", err)
			drop()
			continue
		}

		if c.acks == "0" {
			return conn, &types.AckResponse{Status: "OK"}, nil
		}

		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		resp, err := util.ReadWithLength(conn)
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			lastErr = fmt.Errorf("read ack failed: %w", err)
			drop()
			continue
		}

		util.Debug("Partition %d: Received Ack raw data: %s", part, resp)
		ack, err := c.parseAckResponse(resp)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, ack, nil
	}
	return conn, nil, lastErr
}

func (c *Cursus) parseAckResponse(resp []byte) (*types.AckResponse, error) {
	respStr := string(resp)
	if strings.HasPrefix(respStr, "ERROR:") {
		return nil, fmt.Errorf("broker responded with error: %s", strings.TrimSpace(respStr))
	}

	var ack types.AckResponse
	if err := json.Unmarshal(resp, &ack); err != nil {
		return nil, fmt.Errorf("invalid ack format %q: %w", respStr, err)
	}

	if ack.Leader != "" {
		if old := c.leader.Load(); old == nil || old.addr != ack.Leader {
			c.leader.Store(&leaderInfo{addr: ack.Leader, updated: time.Now()})
		}
	}
	if ack.ProducerID == "" {
		return nil, fmt.Errorf("incomplete ack response: missing producer id")
	}
	if ack.ProducerEpoch != c.epoch {
		return nil, fmt.Errorf("epoch mismatch: expected %d, got %d", c.epoch, ack.ProducerEpoch)
	}
	return &ack, nil
}

// Flush waits until every partition buffer is empty and no batch is in flight.
func (c *Cursus) Flush(ctx context.Context) error {
	for _, buf := range c.buffers {
		buf.mu.Lock()
		buf.cond.Broadcast()
		buf.mu.Unlock()
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		allClear := true
		for _, buf := range c.buffers {
			if !buf.idle() {
				allClear = false
				break
			}
		}
		if allClear {
			util.Debug("Flush completed - all pending batches sent")
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("cursus flush: %w", ctx.Err())
		}
	}
}

// Close stops the senders. Messages not yet sent fail with ErrClosed.
func (c *Cursus) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		for _, buf := range c.buffers {
			buf.mu.Lock()
			buf.closed = true
			buf.cond.Broadcast()
			buf.mu.Unlock()
		}
		c.sendersWG.Wait()
	})
	return nil
}
