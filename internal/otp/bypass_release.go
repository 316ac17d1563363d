//go:build !otpbypass

package otp

// debugBypass is only true in binaries built with -tags otpbypass.
const debugBypass = false
