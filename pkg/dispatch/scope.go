package dispatch

import (
	"database/sql"
	"sync"

	"github.com/kong/adb-failover-client/pkg/pool"
	"go.uber.org/zap"
)

// Scope releases the result set, statement and connection of one query
// attempt, in that order. A failed close is logged and does not stop the
// remaining ones. Release may be called any number of times.
type Scope struct {
	logger *zap.Logger
	conn   *pool.Conn
	stmt   *sql.Stmt
	rows   *sql.Rows
	once   sync.Once
}

// NewScope starts a scope owning conn.
func NewScope(conn *pool.Conn, logger *zap.Logger) *Scope {
	return &Scope{conn: conn, logger: logger}
}

// SetStatement hands stmt to the scope.
func (s *Scope) SetStatement(stmt *sql.Stmt) {
	s.stmt = stmt
}

// SetRows hands rows to the scope.
func (s *Scope) SetRows(rows *sql.Rows) {
	s.rows = rows
}

// Release closes whatever the scope owns.
func (s *Scope) Release() {
	s.once.Do(func() {
		if s.rows != nil {
			if err := s.rows.Close(); err != nil {
				s.logger.Error("RESOURCE_CLOSE_FAILED", zap.String("kind", "result-set"), zap.Error(err))
			}
		}
		if s.stmt != nil {
			if err := s.stmt.Close(); err != nil {
				s.logger.Error("RESOURCE_CLOSE_FAILED", zap.String("kind", "statement"), zap.Error(err))
			}
		}
		if s.conn != nil {
			s.conn.Release()
		}
	})
}
