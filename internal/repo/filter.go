package repo

import (
	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// DefaultLimit — размер страницы по умолчанию.
const DefaultLimit = 50

// ExecutionFilter — фильтр для списка executions.
type ExecutionFilter struct {
	PipelineID *uuid.UUID
	Status     domain.ExecutionStatus
	Limit      int
	Offset     int
}

// EffectiveLimit возвращает Limit с учётом значения по умолчанию.
func (f ExecutionFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}
