package util

import (
	"github.com/google/uuid"
)

// IdGenerator hands out row ids. Production uses random v4 ids; tests inject deterministic ones.
type IdGenerator func() uuid.UUID

// RandomIdGenerator returns uuid.New.
func RandomIdGenerator() IdGenerator {
	return uuid.New
}
