package service

import (
	"go.uber.org/zap"

	"device-auth-service/internal/otp"
)

// ServiceFactory holds the long-lived services the HTTP layer calls into.
type ServiceFactory struct {
	devices *DeviceRegistry
	otp     *otp.Service
	logger  *zap.Logger
}

func NewServiceFactory(devices *DeviceRegistry, otpService *otp.Service, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		devices: devices,
		otp:     otpService,
		logger:  logger,
	}
}

func (f *ServiceFactory) Devices() *DeviceRegistry {
	return f.devices
}

func (f *ServiceFactory) OTP() *otp.Service {
	return f.otp
}

// Cleanup stops background timers.
func (f *ServiceFactory) Cleanup() {
	if f.devices != nil {
		f.devices.Close()
		f.logger.Info("device registry closed")
	}
}
