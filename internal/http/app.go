package httpapi

import (
	"go.uber.org/zap"

	"servicex/internal/coordinator"
)

type App struct {
	Coordinator *coordinator.Coordinator
	Log         *zap.Logger
}
