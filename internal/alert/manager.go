package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"trade-desk/internal/logging"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what the rest of the process sees. Important must never block
// the caller, which may be holding a lock.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type Options struct {
	Mode               string
	Exchange           string
	QueueSize          int
	DropReportInterval time.Duration
	Now                func() time.Time
	Logger             *zerolog.Logger
}

// Manager queues alerts and hands them to a Notifier from one goroutine.
// When the queue is full new alerts are dropped and counted.
type Manager struct {
	mode     string
	exchange string
	notifier Notifier
	now      func() time.Time
	log      zerolog.Logger

	queue              chan event
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration

	droppedTotal  atomic.Uint64
	droppedWindow atomic.Uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type event struct {
	name   string
	fields map[string]string
	at     time.Time
}

// NewManager returns nil for a nil notifier; a nil *Manager is a valid
// no-op Alerter.
func NewManager(notifier Notifier, opts Options) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		mode:               opts.Mode,
		exchange:           opts.Exchange,
		notifier:           notifier,
		now:                opts.Now,
		log:                logging.Component("alert"),
		queue:              make(chan event, opts.QueueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: opts.DropReportInterval,
	}
	if opts.Logger != nil {
		m.log = *opts.Logger
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields), at: m.now()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.droppedTotal.Add(1)
		// First drop in a window is logged at once; the rest go into the
		// periodic summary.
		if m.droppedWindow.Add(1) == 1 {
			m.log.Warn().
				Str("target_event", name).
				Uint64("dropped_total", total).
				Int("queue_cap", cap(m.queue)).
				Msg("alert queue full, dropping")
		}
	}
}

// Close stops intake, flushes what is queued and waits for the notifier
// goroutine or ctx, whichever comes first.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := m.droppedWindow.Swap(0)
	if dropped == 0 {
		return
	}
	m.log.Warn().
		Uint64("dropped_since_last", dropped).
		Uint64("dropped_total", m.droppedTotal.Load()).
		Dur("report_interval", m.dropReportInterval).
		Msg("alert drop report")
}

func (m *Manager) dropped() (total, window uint64) {
	return m.droppedTotal.Load(), m.droppedWindow.Load()
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		m.log.Error().Err(err).Str("target_event", ev.name).Msg("alert notify failed")
	}
}

func (m *Manager) format(ev event) string {
	lines := []string{
		"[trade-desk] important",
		"time: " + ev.at.UTC().Format(time.RFC3339),
		"mode: " + m.mode,
		"exchange: " + m.exchange,
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
