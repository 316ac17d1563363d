package models

import "fmt"

type AuthMethod string

const (
	AuthMethodBiometric        AuthMethod = "biometric"
	AuthMethodDeviceCredential AuthMethod = "device_credential"
	AuthMethodAppPIN           AuthMethod = "app_pin"

	DefaultAuthMethod = AuthMethodAppPIN
)

type AuthPreference struct {
	Method AuthMethod `json:"method"`
}

func ParseAuthMethod(s string) (AuthMethod, error) {
	switch m := AuthMethod(s); m {
	case AuthMethodBiometric, AuthMethodDeviceCredential, AuthMethodAppPIN:
		return m, nil
	}
	return "", fmt.Errorf("unknown auth method %q", s)
}
