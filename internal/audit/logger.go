package audit

/*
Файл logger.go реализует Audit Logger — асинхронную запись решений шлюза.

- Non-blocking: Record кладет запись в буферизированный канал и сразу возвращает управление.
  Задержки и сбои хранилища не влияют на время ответа и на сам вердикт.
- Batching: воркер копит записи и пишет пачкой по размеру batch_size или по тикеру.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остаток канала и делает финальный flush.
- Failure isolation: ошибка записи логируется и учитывается в метриках, но никогда не
  возвращается вызывающему.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются записи.
type Storage interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []LogEntry) error
}

// Recorder: то, что нужно точке входа. Record никогда не блокирует и не возвращает ошибку.
type Recorder interface {
	Record(entry LogEntry)
}

// Observer получает сигналы для метрик. Реализуется в engine поверх Prometheus.
type Observer interface {
	BufferLen(n int)
	Dropped()
	WriteFailed(n int)
}

type nopObserver struct{}

func (nopObserver) BufferLen(int)   {}
func (nopObserver) Dropped()        {}
func (nopObserver) WriteFailed(int) {}

type Logger struct {
	ch       chan LogEntry
	repo     Storage
	observer Observer
	logger   *zap.Logger

	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration

	wg sync.WaitGroup
	// mu защищает закрытие канала от параллельного Record
	mu     sync.RWMutex
	closed bool
}

func NewLogger(repo Storage, cfg infra.AuditConfig, logger *zap.Logger) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &Logger{
		ch:            make(chan LogEntry, cfg.BufferSize),
		repo:          repo,
		observer:      nopObserver{},
		logger:        logger.With(zap.String("mod", "audit")),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		writeTimeout:  10 * time.Second,
	}
}

// WithObserver подключает метрики. Вызывать до Start.
func (l *Logger) WithObserver(o Observer) *Logger {
	if o != nil {
		l.observer = o
	}
	return l
}

func (l *Logger) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Stop запирает вход в канал и ждет, пока воркер всё допишет.
func (l *Logger) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	l.logger.Info("stopping audit logger: flushing buffer...")
	l.wg.Wait()
	l.logger.Info("audit logger stopped gracefully")
}

func (l *Logger) Record(entry LogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry = entry.sanitized()

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.observer.Dropped()
		l.logger.Warn("audit entry dropped: logger is stopping",
			zap.String("agent_id", entry.AgentID), zap.String("trace_id", entry.TraceID))
		return
	}

	// Load Shedding: переполненный буфер не должен тормозить путь запроса
	select {
	case l.ch <- entry:
		l.observer.BufferLen(len(l.ch))
	default:
		l.observer.Dropped()
		l.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", entry.AgentID),
			zap.String("tool", entry.Tool),
			zap.String("scope", entry.Scope),
			zap.String("trace_id", entry.TraceID),
			zap.Bool("allowed", entry.Allowed),
		)
	}
}

func (l *Logger) worker() {
	defer l.wg.Done()

	batch := make([]LogEntry, 0, l.batchSize)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже завершен
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		defer cancel()

		if err := l.repo.WriteBatch(ctx, batch); err != nil {
			l.observer.WriteFailed(len(batch))
			l.logger.Error("audit flush failed",
				zap.Int("entries", len(batch)),
				zap.String("first_trace_id", batch[0].TraceID),
				zap.String("first_agent_id", batch[0].AgentID),
				zap.Error(err),
			)
		}
		// Новый срез: хранилище могло оставить ссылку на переданный
		batch = make([]LogEntry, 0, l.batchSize)
		l.observer.BufferLen(len(l.ch))
	}

	for {
		select {
		case entry, ok := <-l.ch:
			if !ok {
				// Канал закрыт в Stop: остаток уже вычитан, финальный сброс
				flush()
				l.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
