package handlers

import (
	"context"

	"github.com/iudanet/causalrepo/internal/models"
)

// contextKey тип для ключей контекста
type contextKey string

// DeviceKey ключ для хранения устройства в контексте
const DeviceKey contextKey = "device"

// WithDevice возвращает контекст с устройством запроса
func WithDevice(ctx context.Context, device models.DeviceInfo) context.Context {
	return context.WithValue(ctx, DeviceKey, device)
}

// GetDevice извлекает устройство из контекста запроса
func GetDevice(ctx context.Context) (models.DeviceInfo, bool) {
	device, ok := ctx.Value(DeviceKey).(models.DeviceInfo)
	return device, ok
}
