package health

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"threadbox/backend/internal/storage"
)

// Checker 健康检查器
//
// liveness 只看进程自身，readiness 还要求存储可用。
type Checker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger
}

// NewChecker 创建健康检查器
func NewChecker(store storage.Store, logger *zap.Logger) *Checker {
	c := &Checker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}

	c.health.AddReadinessCheck("storage", func() error {
		if err := c.store.Health(); err != nil {
			c.logger.Warn("存储健康检查失败", zap.Error(err))
			return err
		}
		return nil
	})

	return c
}

// Handler 返回健康检查处理器
func (c *Checker) Handler() http.Handler {
	return c.health
}

// LiveEndpoint 存活探针
func (c *Checker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	c.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (c *Checker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	c.health.ReadyEndpoint(w, r)
}
