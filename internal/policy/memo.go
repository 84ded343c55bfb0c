package policy

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"go.uber.org/zap"
)

// ToolLister: холодная загрузка каталога инструментов.
type ToolLister interface {
	ListTools(ctx context.Context) ([]domain.Tool, error)
}

// MemoCatalog реализует ToolCatalog поверх потокобезопасной мапы.
// Каталог: описательные метаданные, меняется редко, поэтому на горячем пути
// движок обращается только к памяти. Правила, наоборот, всегда читаются из хранилища.
type MemoCatalog struct {
	mu sync.RWMutex
	// Кэш: tool name -> Tool
	tools map[string]domain.Tool

	repo   ToolLister // Используется только для Refresh()
	logger *zap.Logger
}

func NewMemoCatalog(repo ToolLister, logger *zap.Logger) *MemoCatalog {
	return &MemoCatalog{
		tools:  make(map[string]domain.Tool),
		repo:   repo,
		logger: logger.Named("tool-catalog"),
	}
}

// GetTool работает только с RAM. Неизвестный инструмент: nil, проверка scope пропускается.
func (c *MemoCatalog) GetTool(_ context.Context, name string) (*domain.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tools[name]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Refresh выполняет «холодную загрузку» всего каталога из хранилища в память.
// При ошибке прежний снимок остается в силе.
func (c *MemoCatalog) Refresh(ctx context.Context) error {
	list, err := c.repo.ListTools(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]domain.Tool, len(list))
	for _, t := range list {
		fresh[t.Name] = t
	}

	c.mu.Lock()
	c.tools = fresh
	c.mu.Unlock()

	c.logger.Info("tool catalog refreshed", zap.Int("count", len(fresh)))
	return nil
}

// StartRefresher периодически перечитывает каталог до отмены ctx.
func (c *MemoCatalog) StartRefresher(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("tool catalog refresh failed, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}
